package pipeline

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/parser"
	"github.com/promptforge/chaind/internal/session"
)

// stageResponseCapture records the caller's step output on the session's
// current step. Text arriving while a gate review is pending is a verdict,
// not step content, and is left for the review stage.
func (e *Engine) stageResponseCapture(ctx context.Context, ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	if ec.Request.UserResponse == "" || sess == nil || ec.State.Session.Handled {
		return nil
	}
	if sess.PendingReview != nil || sess.Dormant() {
		return nil
	}

	step := sess.State.CurrentStep
	if err := e.store.SetStepOutput(sess.SessionID, step, ec.Request.UserResponse, e.outputVariable(ec, step)); err != nil {
		return fmt.Errorf("failed to capture step response: %w", err)
	}
	ec.State.Session.CapturedStep = step
	if err := e.refreshSession(ec); err != nil {
		return err
	}
	ec.Diagnostics.Info("response_capture", "captured step response",
		map[string]string{"session_id": sess.SessionID, "step": fmt.Sprintf("%d", step)})
	return nil
}

// stageStepExecution renders prompts. Stateless single invocations render
// directly; chain sessions render the current step, or complete a captured
// step and render the next one when no validating gates stand in the way.
func (e *Engine) stageStepExecution(ctx context.Context, ec *ExecutionContext) error {
	if ec.State.Session.Handled {
		return nil
	}

	sess := ec.State.Session.Session
	if sess == nil {
		return e.executeSingle(ec)
	}
	if sess.PendingReview != nil {
		// The review stage owns this invocation's output.
		return nil
	}
	if sess.Aborted {
		ec.Results.Add(fmt.Sprintf("Chain %s was aborted. Re-run the command with force_restart to start over.", sess.ChainID))
		return nil
	}

	// A captured response with validating gates waits for the review stage
	// to open a gate review instead of completing here.
	if ec.State.Session.CapturedStep != 0 && e.hasValidatingGates(ec) {
		return nil
	}

	if step := ec.State.Session.CapturedStep; step != 0 {
		if err := e.completeAndAdvance(ec, step); err != nil {
			return err
		}
		sess = ec.State.Session.Session
	}

	if sess.Complete() {
		ec.Results.Add(e.chainSummary(sess))
		return nil
	}
	return e.renderCurrentStep(ec)
}

// executeSingle renders a stateless single-prompt invocation.
func (e *Engine) executeSingle(ec *ExecutionContext) error {
	cmd := ec.ParsedCommand
	if cmd == nil {
		return nil
	}

	prompt := e.library.Get(cmd.PromptID)
	if prompt == nil {
		ec.SetResponse(fmt.Sprintf("unknown prompt %q", cmd.PromptID), true)
		return nil
	}

	args := map[string]string{"input": cmd.Arguments}
	for k, v := range ec.State.Scripts.Outputs {
		args[k] = v
	}
	for k, v := range ec.Request.Options {
		args[k] = v
	}

	if g := ec.State.Framework.Guidance; g != "" {
		ec.Results.Add(g)
	}
	ec.Results.Add(prompt.Render(args))
	return nil
}

// completeAndAdvance completes a captured step and moves the session to the
// next one.
func (e *Engine) completeAndAdvance(ec *ExecutionContext, step int) error {
	sess := ec.State.Session.Session
	if err := e.store.CompleteStep(sess.SessionID, step, session.CompleteOptions{}); err != nil {
		return fmt.Errorf("failed to complete step %d: %w", step, err)
	}
	e.logger.Debug("completed chain step",
		zap.String("session_id", sess.SessionID),
		zap.Int("step", step))
	return e.refreshSession(ec)
}

// renderCurrentStep renders the session's current step with prior step
// outputs bound to their output variables.
func (e *Engine) renderCurrentStep(ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	step := sess.State.CurrentStep

	def, ok := e.stepDefinition(ec, step)
	if !ok {
		return fmt.Errorf("session %s has no definition for step %d", sess.SessionID, step)
	}
	prompt := e.library.Get(def.PromptID)
	if prompt == nil {
		ec.SetResponse(fmt.Sprintf("unknown prompt %q in step %d", def.PromptID, step), true)
		return nil
	}

	args := e.stepArguments(ec, sess, def)
	rendered := prompt.Render(args)

	if _, err := e.store.TransitionStepState(sess.SessionID, step, session.StepRendered); err != nil {
		return fmt.Errorf("failed to mark step rendered: %w", err)
	}
	if err := e.refreshSession(ec); err != nil {
		return err
	}

	if g := ec.State.Framework.Guidance; g != "" {
		ec.Results.Add(g)
	}
	ec.Results.Add(fmt.Sprintf("Step %d/%d: %s (chain %s)",
		step, sess.State.TotalSteps, def.PromptID, sess.ChainID))
	ec.Results.Add(rendered)
	return nil
}

// stepArguments merges original arguments, resolved step arguments, and
// prior step outputs into the template variable map.
func (e *Engine) stepArguments(ec *ExecutionContext, sess *session.ChainSession, def *parser.ExecutionStep) map[string]string {
	args := map[string]string{}
	for k, v := range sess.OriginalArgs {
		args[k] = v
	}
	for n, meta := range sess.State.StepStates {
		if n < sess.State.CurrentStep && meta.OutputMapping != "" && meta.Content != "" {
			args[meta.OutputMapping] = meta.Content
		}
	}

	input := def.Arguments
	for name, val := range args {
		input = strings.ReplaceAll(input, "{{"+name+"}}", val)
	}
	if input != "" {
		args["input"] = input
	}
	return args
}

// stepDefinition returns the parsed step for a 1-based step number. Single
// prompts wrapped in a session present themselves as a one-step chain.
func (e *Engine) stepDefinition(ec *ExecutionContext, step int) (*parser.ExecutionStep, bool) {
	cmd := ec.ParsedCommand
	if cmd == nil {
		return nil, false
	}
	if len(cmd.Steps) == 0 {
		if step != 1 {
			return nil, false
		}
		return &parser.ExecutionStep{PromptID: cmd.PromptID, Arguments: cmd.Arguments, OutputVariable: "step_1_output"}, true
	}
	if step < 1 || step > len(cmd.Steps) {
		return nil, false
	}
	return &cmd.Steps[step-1], true
}

// outputVariable returns the binding name for a step's output.
func (e *Engine) outputVariable(ec *ExecutionContext, step int) string {
	if def, ok := e.stepDefinition(ec, step); ok && def.OutputVariable != "" {
		return def.OutputVariable
	}
	return fmt.Sprintf("step_%d_output", step)
}

// hasValidatingGates reports whether the resolved gate set contains gates
// that require a verdict, including inline criteria.
func (e *Engine) hasValidatingGates(ec *ExecutionContext) bool {
	if len(ec.State.Gates.InlineCriteria) > 0 {
		return true
	}
	set := ec.State.Gates.ActiveSet
	return set != nil && len(set.Validation) > 0
}

// stageGateReview opens gate reviews for captured responses and resolves
// verdicts for pending ones.
func (e *Engine) stageGateReview(ctx context.Context, ec *ExecutionContext) error {
	if ec.State.Session.Handled {
		return nil
	}
	sess := ec.State.Session.Session
	if sess == nil {
		return nil
	}

	if sess.PendingReview != nil {
		return e.resolveReview(ec)
	}
	if ec.State.Session.CapturedStep != 0 && e.hasValidatingGates(ec) {
		return e.openReview(ec)
	}
	return nil
}

// openReview creates the pending review for the just-captured step and
// returns its instructions as the invocation's output.
func (e *Engine) openReview(ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	policy := ec.State.Gates.Policy

	var ids []string
	if set := ec.State.Gates.ActiveSet; set != nil {
		for _, def := range set.Validation {
			ids = append(ids, def.ID)
		}
	}

	review := &session.PendingGateReview{
		GateIDs:      ids,
		Instructions: e.reviewInstructions(ec),
		MaxAttempts:  policy.MaxAttempts,
		Metadata: map[string]string{
			"enforcement": string(policy.Enforcement),
			"step":        fmt.Sprintf("%d", ec.State.Session.CapturedStep),
		},
	}
	if err := e.store.SetPendingReview(sess.SessionID, review); err != nil {
		return fmt.Errorf("failed to open gate review: %w", err)
	}
	if err := e.refreshSession(ec); err != nil {
		return err
	}

	ec.Results.Add(review.Instructions)
	return nil
}

// reviewInstructions builds the self-review text for the active gates.
func (e *Engine) reviewInstructions(ec *ExecutionContext) string {
	var b strings.Builder
	b.WriteString("Gate review required. Evaluate your response against:\n")

	if set := ec.State.Gates.ActiveSet; set != nil {
		for _, def := range set.Validation {
			fmt.Fprintf(&b, "- %s", def.ID)
			if def.Description != "" {
				fmt.Fprintf(&b, ": %s", def.Description)
			}
			b.WriteString("\n")
		}
	}
	for _, c := range ec.State.Gates.InlineCriteria {
		fmt.Fprintf(&b, "- %s\n", c)
	}

	b.WriteString("\nReply with `GATE_REVIEW: PASS - <rationale>` or `GATE_REVIEW: FAIL - <rationale>`.")
	if ec.State.Gates.Policy.ImprovementHints {
		b.WriteString(" On FAIL, include concrete improvement hints.")
	}
	return b.String()
}

// resolveReview parses the verdict for a pending review and advances, retries,
// or escalates according to the effective enforcement mode.
func (e *Engine) resolveReview(ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	review := sess.PendingReview

	text := ec.Request.GateVerdict
	explicit := text != ""
	if !explicit {
		text = ec.Request.UserResponse
	}
	if text == "" {
		if review.RetryLimitExceeded {
			ec.Results.Add(e.exhaustedText(review))
		} else {
			ec.Results.Add(review.Instructions)
		}
		return nil
	}

	verdict, ok := gates.ParseVerdict(text, explicit)
	if !ok {
		ec.Results.Add("No gate verdict detected.\n\n" + review.Instructions)
		return nil
	}
	ec.Diagnostics.Info("gate_review", "parsed gate verdict", map[string]string{
		"outcome": string(verdict.Outcome),
		"pattern": verdict.Pattern,
	})

	if verdict.Passed() {
		return e.passReview(ec, verdict)
	}
	return e.failReview(ec, verdict)
}

// passReview clears the review, completes the reviewed step, and renders
// what comes next.
func (e *Engine) passReview(ec *ExecutionContext, verdict *gates.Verdict) error {
	sess := ec.State.Session.Session
	step := reviewStep(sess)

	if err := e.store.ClearPendingReview(sess.SessionID); err != nil {
		return fmt.Errorf("failed to clear gate review: %w", err)
	}
	if err := e.completeAndAdvance(ec, step); err != nil {
		return err
	}
	sess = ec.State.Session.Session

	ec.Results.Add(fmt.Sprintf("Gate passed: %s", verdict.Rationale))
	if sess.Complete() {
		ec.Results.Add(e.chainSummary(sess))
		return nil
	}
	return e.renderCurrentStep(ec)
}

// failReview handles a FAIL verdict per the effective enforcement mode:
// blocking retries until the budget is exhausted, advisory and informational
// record the failure and move on.
func (e *Engine) failReview(ec *ExecutionContext, verdict *gates.Verdict) error {
	sess := ec.State.Session.Session
	enforcement := gates.Enforcement(sess.PendingReview.Metadata["enforcement"])

	if enforcement != gates.EnforcementBlocking {
		ec.Diagnostics.Warn("gate_review", "non-blocking gate failed",
			map[string]string{"rationale": verdict.Rationale, "enforcement": string(enforcement)})
		ec.Results.Add(fmt.Sprintf("Gate failed (%s, non-blocking): %s", enforcement, verdict.Rationale))
		return e.passThroughFailure(ec)
	}

	review, err := e.store.RecordFailedAttempt(sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to record gate attempt: %w", err)
	}
	if err := e.refreshSession(ec); err != nil {
		return err
	}

	if review.RetryLimitExceeded {
		ec.Results.Add(fmt.Sprintf("Gate failed: %s", verdict.Rationale))
		ec.Results.Add(e.exhaustedText(review))
		return nil
	}

	remaining := review.MaxAttempts - review.AttemptCount
	ec.Results.Add(fmt.Sprintf("Gate failed: %s", verdict.Rationale))
	msg := fmt.Sprintf("Revise your response for the current step and submit it again (%d attempt(s) remaining).", remaining)
	if ec.State.Gates.Policy.PreserveContext {
		msg += " Your previous output is preserved for reference."
	}
	ec.Results.Add(msg)
	return nil
}

// passThroughFailure clears a non-blocking review and continues the chain.
func (e *Engine) passThroughFailure(ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	step := reviewStep(sess)

	if err := e.store.ClearPendingReview(sess.SessionID); err != nil {
		return fmt.Errorf("failed to clear gate review: %w", err)
	}
	if err := e.completeAndAdvance(ec, step); err != nil {
		return err
	}
	sess = ec.State.Session.Session

	if sess.Complete() {
		ec.Results.Add(e.chainSummary(sess))
		return nil
	}
	return e.renderCurrentStep(ec)
}

// exhaustedText describes an exhausted review and the explicit actions left.
func (e *Engine) exhaustedText(review *session.PendingGateReview) string {
	return fmt.Sprintf("Retry limit reached (%d/%d attempts). "+
		"Choose what happens next with gate_action: retry (reset the counter), "+
		"skip (accept the step as-is and continue), or abort (retire this run).",
		review.AttemptCount, review.MaxAttempts)
}

// reviewStep returns the step a pending review refers to, defaulting to the
// session's current step for reviews recorded without one.
func reviewStep(sess *session.ChainSession) int {
	if sess.PendingReview != nil {
		if s := sess.PendingReview.Metadata["step"]; s != "" {
			var n int
			if _, err := fmt.Sscanf(s, "%d", &n); err == nil && n > 0 {
				return n
			}
		}
	}
	return sess.State.CurrentStep
}

// chainSummary renders the completion summary of a finished run.
func (e *Engine) chainSummary(sess *session.ChainSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Chain %s complete (%d step(s)).", sess.ChainID, sess.State.TotalSteps)

	final := sess.State.StepStates[sess.State.TotalSteps]
	if final != nil && final.Content != "" {
		b.WriteString("\n\nFinal output:\n")
		b.WriteString(final.Content)
	}
	return b.String()
}

// stageCallToAction appends the follow-up instruction for sessions that
// still expect input.
func (e *Engine) stageCallToAction(ctx context.Context, ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	if sess == nil || len(ec.Results.Sections) == 0 {
		return nil
	}

	switch {
	case sess.PendingReview != nil && !sess.PendingReview.RetryLimitExceeded && !ec.State.Session.Handled:
		// Review instructions already say how to respond.
	case sess.Dormant():
		// Finished or aborted runs need no follow-up.
	case ec.State.Session.Handled:
		ec.Results.Add(fmt.Sprintf("Session: %s", sess.SessionID))
	default:
		ec.Results.Add(fmt.Sprintf("When done, submit your output with session_id=%s to continue the chain.", sess.SessionID))
	}
	return nil
}

// stageFormat turns the accumulated result sections into the terminal
// response. An invocation that reaches this stage with no output indicates
// a pipeline bug, surfaced by the orchestrator as a fatal error.
func (e *Engine) stageFormat(ctx context.Context, ec *ExecutionContext) error {
	if len(ec.Results.Sections) == 0 {
		return nil
	}
	ec.SetResponse(ec.Results.Render(), ec.Results.IsError)
	return nil
}

// refreshSession reloads the session from the store after a mutation.
func (e *Engine) refreshSession(ec *ExecutionContext) error {
	sess := ec.State.Session.Session
	updated, err := e.store.GetSession(sess.SessionID)
	if err != nil {
		return fmt.Errorf("failed to reload session: %w", err)
	}
	ec.State.Session.Session = updated
	return nil
}
