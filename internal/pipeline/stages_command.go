package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/parser"
	"github.com/promptforge/chaind/internal/prompts"
)

// judgeModifier triggers the interactive resource menu instead of execution.
const judgeModifier = "judge"

// Execution mode hints accepted on the request. The parse decides the real
// strategy; the hint only validates the caller's expectation against it.
const (
	executionModeAuto     = "auto"
	executionModePrompt   = "prompt"
	executionModeTemplate = "template"
	executionModeChain    = "chain"
)

// selectedGatesOption carries the client's picks from a previous judge menu.
const selectedGatesOption = "selected_gates"

// inlineCriteriaPrefix names synthetic gate ids minted for quoted `::`
// criteria, which have no registry definition.
const inlineCriteriaPrefix = "inline-criteria-"

// stageNormalize trims the request fields and rejects invocations with no
// actionable intent before any heavier stage runs.
func (e *Engine) stageNormalize(ctx context.Context, ec *ExecutionContext) error {
	req := ec.Request
	req.Command = strings.TrimSpace(req.Command)
	req.UserResponse = strings.TrimSpace(req.UserResponse)
	req.GateVerdict = strings.TrimSpace(req.GateVerdict)
	req.GateAction = strings.ToLower(strings.TrimSpace(req.GateAction))
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.ChainID = strings.TrimSpace(req.ChainID)

	hasTarget := req.SessionID != "" || req.ChainID != ""
	hasContinuation := req.UserResponse != "" || req.GateVerdict != "" || req.GateAction != ""

	switch {
	case req.Command != "":
		// Fresh command; continuation fields may still ride along.
	case hasTarget && hasContinuation:
		// Continuation of an existing session.
	case hasTarget:
		// Bare resume of an existing session re-renders its current step.
	default:
		ec.SetResponse("nothing to execute: provide a command, or a session_id/chain_id "+
			"together with a user_response, gate_verdict, or gate_action", true)
	}
	return nil
}

// stageParse turns the raw command into a parsed command and expands
// template-defined chains into explicit steps. Continuation invocations
// carry no command; their parsed command is restored from the session
// blueprint later.
func (e *Engine) stageParse(ctx context.Context, ec *ExecutionContext) error {
	if ec.Request.Command == "" {
		return nil
	}

	cmd, err := e.parser.Parse(ec.Request.Command, e.library.IDs())
	if err != nil {
		var perr *parser.Error
		if errors.As(err, &perr) {
			ec.Diagnostics.Error("parse", perr.Message, map[string]string{"input": perr.Input})
			ec.SetResponse(perr.Error(), true)
			return nil
		}
		return fmt.Errorf("failed to parse command: %w", err)
	}

	if prompt := e.library.Get(cmd.PromptID); prompt != nil && prompt.IsChain() && !cmd.IsChain() {
		cmd.Steps = expandTemplateChain(cmd, prompt.Chain)
		ec.Diagnostics.Info("parse", "expanded template-defined chain",
			map[string]string{"prompt": cmd.PromptID, "steps": fmt.Sprintf("%d", len(cmd.Steps))})
	}

	ec.ParsedCommand = cmd
	e.logger.Debug("parsed command",
		zap.String("prompt", cmd.PromptID),
		zap.String("strategy", string(cmd.Strategy)),
		zap.Float64("confidence", cmd.Confidence),
		zap.Int("steps", len(cmd.Steps)))
	return nil
}

// expandTemplateChain turns a prompt's chain definition into execution
// steps, threading the invocation arguments into the first step.
func expandTemplateChain(cmd *parser.ParsedCommand, defs []prompts.ChainStepDef) []parser.ExecutionStep {
	steps := make([]parser.ExecutionStep, 0, len(defs))
	for i, def := range defs {
		step := parser.ExecutionStep{
			PromptID:       def.PromptID,
			Arguments:      def.Arguments,
			OutputVariable: def.OutputVariable,
		}
		if step.OutputVariable == "" {
			step.OutputVariable = fmt.Sprintf("step_%d_output", i+1)
		}
		if i == 0 && step.Arguments == "" {
			step.Arguments = cmd.Arguments
		}
		if i > 0 {
			step.Dependencies = []int{i - 1}
		}
		steps = append(steps, step)
	}
	return steps
}

// stageExtractInlineGates moves the parser's inline gate operators, the
// request's temporary gates, and any judge-menu selections into the
// accumulator under their respective sources.
func (e *Engine) stageExtractInlineGates(ctx context.Context, ec *ExecutionContext) error {
	if ec.ParsedCommand != nil {
		criteriaSeq := 0
		for _, ig := range ec.ParsedCommand.Operators.InlineGates {
			if ig.GateID != "" {
				ec.Gates.Add(ig.GateID, gates.SourceInlineOperator, nil)
				continue
			}
			criteriaSeq++
			id := fmt.Sprintf("%s%d", inlineCriteriaPrefix, criteriaSeq)
			ec.Gates.Add(id, gates.SourceInlineOperator, map[string]string{"criteria": ig.Criteria})
			ec.State.Gates.InlineCriteria = append(ec.State.Gates.InlineCriteria, ig.Criteria)
		}
	}

	if raw := ec.Request.Options[selectedGatesOption]; raw != "" {
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ec.Gates.Add(id, gates.SourceClientSelection, nil)
			}
		}
	}

	for _, id := range ec.Request.TemporaryGates {
		if id = strings.TrimSpace(id); id != "" {
			ec.Gates.Add(id, gates.SourceTemporaryRequest, nil)
		}
	}
	return nil
}

// stageValidateOperators records operator combinations that are accepted
// but degrade, before planning commits to a strategy.
func (e *Engine) stageValidateOperators(ctx context.Context, ec *ExecutionContext) error {
	if ec.ParsedCommand == nil {
		return nil
	}
	ops := ec.ParsedCommand.Operators
	if ops.HasParallel {
		ec.Diagnostics.Warn("validate_operators",
			"parallel operator detected; steps will execute sequentially", nil)
	}
	if ops.HasConditional {
		ec.Diagnostics.Warn("validate_operators",
			"conditional operator detected; branch is treated as a sequential step", nil)
	}
	return nil
}

// stagePlan derives the immutable execution plan from the parsed command.
func (e *Engine) stagePlan(ctx context.Context, ec *ExecutionContext) error {
	cmd := ec.ParsedCommand
	if cmd == nil {
		// Continuation; session_management restores the plan from the
		// session blueprint.
		return nil
	}

	plan := &ExecutionPlan{
		Strategy:          StrategySingle,
		FrameworkOverride: cmd.Operators.Framework,
		Modifiers:         cmd.Operators.Modifiers,
	}
	if cmd.IsChain() {
		plan.Strategy = StrategyChain
		plan.RequiresSession = true
	}
	plan.RequiresFramework = plan.FrameworkOverride != ""

	// The execution_mode hint cross-checks the parse instead of steering
	// it: a mismatch is the caller's bug and fails loudly.
	switch mode := ec.Request.ExecutionMode; mode {
	case "", executionModeAuto:
	case executionModeChain:
		if plan.Strategy != StrategyChain {
			ec.SetResponse(fmt.Sprintf(
				"execution_mode %q requires a chain command, but %q parsed as a single prompt",
				mode, cmd.PromptID), true)
			return nil
		}
	case executionModePrompt, executionModeTemplate:
		if plan.Strategy == StrategyChain {
			ec.SetResponse(fmt.Sprintf(
				"execution_mode %q cannot run the multi-step chain starting at %q",
				mode, cmd.PromptID), true)
			return nil
		}
	default:
		ec.Diagnostics.Warn("plan", "unknown execution_mode, treating as auto",
			map[string]string{"execution_mode": mode})
	}

	ec.Plan = plan
	return nil
}

// stageJudgeSelection serves the interactive resource menu when the judge
// modifier is present. The menu is terminal for the invocation; the client
// re-invokes with its selections.
func (e *Engine) stageJudgeSelection(ctx context.Context, ec *ExecutionContext) error {
	if ec.Plan == nil || !hasModifier(ec.Plan.Modifiers, judgeModifier) {
		return nil
	}

	var b strings.Builder
	b.WriteString("Resource selection for ")
	b.WriteString(ec.ParsedCommand.PromptID)
	b.WriteString("\n\nFrameworks:\n")
	fws := e.frameworks.List()
	if len(fws) == 0 {
		b.WriteString("  (none registered)\n")
	}
	for _, fw := range fws {
		fmt.Fprintf(&b, "  @%s: %s\n", fw.ID, fw.Name)
	}

	b.WriteString("\nGates already selected:\n")
	ids := ec.Gates.IDs()
	if len(ids) == 0 {
		b.WriteString("  (none)\n")
	}
	sort.Strings(ids)
	for _, id := range ids {
		fmt.Fprintf(&b, "  %s\n", id)
	}

	b.WriteString("\nStyles:\n")
	b.WriteString("  #analytical: structured analysis formatting\n")
	b.WriteString("  #procedural: step-by-step instructions\n")
	if style := ec.ParsedCommand.Operators.Style; style != "" {
		fmt.Fprintf(&b, "  (selected: #%s)\n", style)
	}

	b.WriteString("\nRe-invoke the command without %judge, adding @framework, #style, " +
		"and/or options.selected_gates=\"id1,id2\" to apply your picks.")

	ec.SetResponse(b.String(), false)
	return nil
}

// stageGateEnhancement contributes the prompt's configured gates, the
// chain-level final validation gates, and registry auto-activations.
func (e *Engine) stageGateEnhancement(ctx context.Context, ec *ExecutionContext) error {
	cmd := ec.ParsedCommand
	if cmd == nil || ec.Plan == nil {
		return nil
	}

	prompt := e.library.Get(cmd.PromptID)
	if prompt != nil {
		ec.Gates.AddAll(prompt.Gates, gates.SourcePromptConfig)
		if len(prompt.FinalValidation) > 0 {
			ec.Gates.AddAll(prompt.FinalValidation, gates.SourceChainLevel)
		}
	}

	actx := gates.ActivationContext{
		Strategy: ec.Plan.Strategy,
		PromptID: cmd.PromptID,
	}
	if prompt != nil {
		actx.Category = prompt.Category
	}
	for _, id := range e.gates.AutoActivated(actx) {
		ec.Gates.Add(id, gates.SourceRegistryAuto, nil)
	}
	return nil
}

func hasModifier(mods []string, want string) bool {
	for _, m := range mods {
		if strings.EqualFold(m, want) {
			return true
		}
	}
	return false
}
