package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/parser"
	"github.com/promptforge/chaind/internal/session"
)

// stageFrameworkResolution resolves the active framework, contributes its
// methodology gates, and then freezes the accumulator and resolves the
// effective gate set and review policy. After this stage no source may add
// or replace gates.
func (e *Engine) stageFrameworkResolution(ctx context.Context, ec *ExecutionContext) error {
	override := ""
	if ec.Plan != nil {
		override = ec.Plan.FrameworkOverride
	}

	fw, err := e.frameworks.Resolve(override)
	if err != nil {
		ec.Diagnostics.Error("framework_resolution", err.Error(),
			map[string]string{"framework": override})
		ec.SetResponse(fmt.Sprintf("unknown framework %q", override), true)
		return nil
	}
	if fw != nil {
		ec.State.Framework.Selected = fw
		ec.Gates.AddAll(fw.Gates, gates.SourceMethodology)
	}

	ec.Gates.Freeze()
	e.resolveGateState(ec, ec.Gates.IDs())

	if ec.Plan != nil {
		ec.Plan.Gates = ec.Gates.IDs()
		// A gated single prompt needs a session to hold its review.
		if e.hasValidatingGates(ec) {
			ec.Plan.RequiresSession = true
		}
	}
	return nil
}

// resolveGateState resolves gate ids into definitions, guidance, and the
// effective review policy on the context. Inline criteria entries have no
// registry definition and are reported separately from genuinely unknown
// ids.
func (e *Engine) resolveGateState(ec *ExecutionContext, ids []string) {
	actx := gates.ActivationContext{}
	if ec.Plan != nil {
		actx.Strategy = ec.Plan.Strategy
	}
	if ec.ParsedCommand != nil {
		actx.PromptID = ec.ParsedCommand.PromptID
	}

	set := e.gates.ActiveGates(ids, actx)
	for _, id := range set.Missing {
		if strings.HasPrefix(id, inlineCriteriaPrefix) {
			continue
		}
		ec.Diagnostics.Warn("framework_resolution", "unknown gate id",
			map[string]string{"gate": id})
	}

	policy := gates.ResolvePolicy(set.Active)
	// An explicit inline criterion is a review the caller asked for by hand;
	// it always enforces.
	if len(ec.State.Gates.InlineCriteria) > 0 && policy.Enforcement != gates.EnforcementBlocking {
		policy.Enforcement = gates.EnforcementBlocking
	}

	ec.State.Gates.ActiveSet = set
	ec.State.Gates.Policy = policy
}

// stageSessionManagement creates, resumes, or restarts the chain session and
// applies explicit gate actions. For continuation invocations it also
// restores the parsed command and plan from the session blueprint, so later
// stages see the same planning decisions the original invocation made.
func (e *Engine) stageSessionManagement(ctx context.Context, ec *ExecutionContext) error {
	req := ec.Request

	if req.GateAction != "" {
		return e.applyGateAction(ec)
	}

	// Continuation or bare resume of an existing session.
	if req.Command == "" {
		sess, err := e.lookupSession(req)
		if err != nil {
			ec.SetResponse(err.Error(), true)
			return nil
		}
		ec.State.Session.Session = sess
		return e.restoreBlueprint(ec, sess)
	}

	// Fresh command. Single-prompt executions are stateless.
	if ec.Plan == nil || !ec.Plan.RequiresSession {
		return nil
	}

	base := ec.ParsedCommand.PromptID
	totalSteps := len(ec.ParsedCommand.Steps)
	if totalSteps == 0 {
		totalSteps = 1
	}

	if !req.ForceRestart {
		if sess, ok := e.resumableSession(ec, base); ok {
			ec.State.Session.Session = sess
			e.logger.Info("resuming chain session",
				zap.String("session_id", sess.SessionID),
				zap.String("chain_id", sess.ChainID),
				zap.Int("current_step", sess.State.CurrentStep))
			return nil
		}
	}

	bp, err := session.NewBlueprint(ec.ParsedCommand, ec.Plan)
	if err != nil {
		return fmt.Errorf("failed to snapshot blueprint: %w", err)
	}
	args := map[string]string{}
	for k, v := range ec.State.Scripts.Outputs {
		args[k] = v
	}
	for k, v := range req.Options {
		args[k] = v
	}
	args["input"] = ec.ParsedCommand.Arguments

	sess, err := e.store.StartRun(uuid.NewString(), base, totalSteps, args, bp)
	if err != nil {
		return fmt.Errorf("failed to start chain run: %w", err)
	}
	ec.State.Session.Session = sess
	ec.State.Session.NewRun = true
	e.logger.Info("started chain run",
		zap.String("session_id", sess.SessionID),
		zap.String("chain_id", sess.ChainID),
		zap.Int("total_steps", totalSteps))
	return nil
}

// resumableSession finds an existing non-dormant run for the command's
// target. An explicit chain id resumes even a dormant run; otherwise only an
// active run is resumed and dormant ones roll over to a new run.
func (e *Engine) resumableSession(ec *ExecutionContext, base string) (*session.ChainSession, bool) {
	req := ec.Request

	if req.ChainID != "" {
		if sess, err := e.store.FindRun(req.ChainID); err == nil {
			return sess, true
		}
		if sess, err := e.store.LatestRun(req.ChainID); err == nil {
			return sess, true
		}
		ec.Diagnostics.Warn("session_management", "chain id not found; starting a new run",
			map[string]string{"chain_id": req.ChainID})
		return nil, false
	}

	if req.SessionID != "" {
		if sess, err := e.store.GetSession(req.SessionID); err == nil && !sess.Dormant() {
			return sess, true
		}
		return nil, false
	}

	if sess, err := e.store.LatestRun(base); err == nil && !sess.Dormant() {
		return sess, true
	}
	return nil, false
}

// lookupSession resolves the continuation target by session id or chain id.
func (e *Engine) lookupSession(req *Request) (*session.ChainSession, error) {
	if req.SessionID != "" {
		sess, err := e.store.GetSession(req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("unknown session %q", req.SessionID)
		}
		return sess, nil
	}

	if sess, err := e.store.FindRun(req.ChainID); err == nil {
		return sess, nil
	}
	sess, err := e.store.LatestRun(req.ChainID)
	if err != nil {
		return nil, fmt.Errorf("unknown chain %q", req.ChainID)
	}
	return sess, nil
}

// restoreBlueprint rehydrates the parsed command, plan, and gate state from
// the session's stored blueprint.
func (e *Engine) restoreBlueprint(ec *ExecutionContext, sess *session.ChainSession) error {
	if sess.Blueprint == nil {
		ec.Diagnostics.Warn("session_management", "session has no blueprint",
			map[string]string{"session_id": sess.SessionID})
		return nil
	}

	var cmd parser.ParsedCommand
	if err := sess.Blueprint.DecodeCommand(&cmd); err != nil {
		return fmt.Errorf("failed to restore parsed command: %w", err)
	}
	var plan ExecutionPlan
	if err := sess.Blueprint.DecodePlan(&plan); err != nil {
		return fmt.Errorf("failed to restore execution plan: %w", err)
	}

	if ec.ParsedCommand == nil {
		ec.ParsedCommand = &cmd
	}
	if ec.Plan == nil {
		ec.Plan = &plan
	}
	if len(ec.State.Gates.InlineCriteria) == 0 {
		for _, ig := range ec.ParsedCommand.Operators.InlineGates {
			if ig.Criteria != "" {
				ec.State.Gates.InlineCriteria = append(ec.State.Gates.InlineCriteria, ig.Criteria)
			}
		}
	}
	if len(plan.Gates) > 0 {
		e.resolveGateState(ec, plan.Gates)
	}
	return nil
}

// applyGateAction resolves an outstanding gate review with an explicit
// retry, skip, or abort decision.
func (e *Engine) applyGateAction(ec *ExecutionContext) error {
	req := ec.Request
	action := session.Action(req.GateAction)
	if !action.Valid() {
		ec.SetResponse(fmt.Sprintf("unknown gate_action %q: use retry, skip, or abort", req.GateAction), true)
		return nil
	}

	sess, err := e.lookupSession(req)
	if err != nil {
		ec.SetResponse(err.Error(), true)
		return nil
	}

	updated, err := e.store.ApplyReviewAction(sess.SessionID, action)
	if err != nil {
		if errors.Is(err, session.ErrNoPendingReview) {
			ec.SetResponse(fmt.Sprintf("session %s has no pending gate review", sess.SessionID), true)
			return nil
		}
		return fmt.Errorf("failed to apply gate action: %w", err)
	}

	ec.State.Session.Session = updated
	if err := e.restoreBlueprint(ec, updated); err != nil {
		return err
	}

	switch action {
	case session.ActionRetry:
		ec.State.Session.Handled = true
		ec.Results.Add("Attempt counter reset. Re-submit your response for the current step.")
	case session.ActionSkip:
		ec.Results.Add("Gate skipped.")
		// step_execution renders the next step.
	case session.ActionAbort:
		ec.State.Session.Handled = true
		ec.Results.Add(fmt.Sprintf("Chain %s aborted. Start again with force_restart to run it fresh.", updated.ChainID))
	}
	return nil
}

// stageInjectionControl decides whether the framework's system prompt is
// injected this invocation. Injection accompanies step rendering, never
// action confirmations.
func (e *Engine) stageInjectionControl(ctx context.Context, ec *ExecutionContext) error {
	ec.State.Framework.InjectionEnabled = ec.State.Framework.Selected != nil &&
		!ec.State.Session.Handled
	return nil
}

// stagePromptGuidance assembles the guidance preamble: the framework system
// prompt, gate guidance text, and any inline review criteria.
func (e *Engine) stagePromptGuidance(ctx context.Context, ec *ExecutionContext) error {
	var parts []string

	if ec.State.Framework.InjectionEnabled {
		if sp := ec.State.Framework.Selected.SystemPrompt; sp != "" {
			parts = append(parts, sp)
		}
	}
	if set := ec.State.Gates.ActiveSet; set != nil && set.Guidance != "" {
		parts = append(parts, set.Guidance)
	}
	if len(ec.State.Gates.InlineCriteria) > 0 {
		var b strings.Builder
		b.WriteString("Review criteria:")
		for _, c := range ec.State.Gates.InlineCriteria {
			b.WriteString("\n- ")
			b.WriteString(c)
		}
		parts = append(parts, b.String())
	}

	ec.State.Framework.Guidance = strings.Join(parts, "\n\n")
	return nil
}
