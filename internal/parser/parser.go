package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

var simpleCommandRe = regexp.MustCompile(`^>>\s*([A-Za-z][\w-]*)\s*(.*)$`)

// Parser parses raw command strings against a set of known prompt ids.
type Parser struct{}

// New creates a parser.
func New() *Parser {
	return &Parser{}
}

// jsonCommand is the structured fallback form.
type jsonCommand struct {
	Prompt    string `json:"prompt"`
	Command   string `json:"command"`
	Arguments string `json:"arguments"`
}

// Parse runs the strategy cascade (symbolic, simple, structured JSON) and
// returns the first definitive match. Unknown prompt identifiers are a hard
// parse failure carrying closest-match suggestions.
func (p *Parser) Parse(command string, availablePrompts []string) (*ParsedCommand, error) {
	raw := command
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, &Error{Message: "empty command", Input: raw}
	}

	known := make(map[string]struct{}, len(availablePrompts))
	for _, id := range availablePrompts {
		known[id] = struct{}{}
	}

	// Symbolic: any operator or chain marker makes this definitive.
	if cmd, ok := p.parseSymbolic(command, raw); ok {
		if err := p.validate(cmd, known, availablePrompts); err != nil {
			return nil, err
		}
		return cmd, nil
	}

	// Simple: a bare ">>name args" invocation.
	if cmd, ok := p.parseSimple(command, raw); ok {
		if err := p.validate(cmd, known, availablePrompts); err != nil {
			return nil, err
		}
		return cmd, nil
	}

	// Structured JSON object.
	if cmd, ok := p.parseJSON(command, raw); ok {
		if err := p.validate(cmd, known, availablePrompts); err != nil {
			return nil, err
		}
		return cmd, nil
	}

	return nil, &Error{
		Message:     fmt.Sprintf("unrecognized command %q: expected >>prompt, a --> chain, or a JSON object", truncate(command, 60)),
		Input:       raw,
		Suggestions: Suggest(strings.Fields(command)[0], availablePrompts),
	}
}

// parseSymbolic handles operator-bearing commands. It is definitive when the
// command contains a chain delimiter or any inline operator.
func (p *Parser) parseSymbolic(command, raw string) (*ParsedCommand, bool) {
	ops := OperatorDetectionResult{
		HasChain:       strings.Contains(command, chainDelimiter),
		HasParallel:    detectParallel(command),
		HasConditional: detectConditional(command),
	}

	// The command splits into steps before anything is stripped: an
	// annotation written on a step belongs to that step, and the
	// whole-command view aggregates what the steps carried.
	steps, agg := p.parseSteps(command)
	ops.Modifiers = agg.Modifiers
	ops.InlineGates = agg.InlineGates
	ops.Framework = agg.Framework
	ops.Style = agg.Style
	ops.HasRepetition = agg.Repeated

	definitive := ops.HasChain || ops.HasRepetition || len(ops.InlineGates) > 0 ||
		ops.Framework != "" || ops.Style != "" || len(ops.Modifiers) > 0 ||
		ops.HasParallel || ops.HasConditional
	if !definitive {
		return nil, false
	}

	cmd := &ParsedCommand{
		Operators:  ops,
		Strategy:   StrategySymbolic,
		Confidence: 0.9,
		Raw:        raw,
	}

	if len(steps) > 1 {
		cmd.Steps = steps
	}
	if len(steps) > 0 {
		cmd.PromptID = steps[0].PromptID
		cmd.Arguments = steps[0].Arguments
	}

	cmd.Operators.ParseComplexity = classifyComplexity(&cmd.Operators)
	return cmd, true
}

// stepOperators aggregates the annotations found on individual steps into
// the whole-command operator view.
type stepOperators struct {
	Modifiers   []string
	InlineGates []InlineGate
	Framework   string
	Style       string
	Repeated    bool
}

// parseSteps splits a chain body into execution steps. Each step keeps its
// own per-step annotations (stripped before validation, preserved for
// execution), depends on the preceding step, and binds its output to a
// positional variable. A trailing "* N" repeats the step N times.
func (p *Parser) parseSteps(body string) ([]ExecutionStep, stepOperators) {
	parts := splitChain(body)
	steps := make([]ExecutionStep, 0, len(parts))
	var agg stepOperators

	for _, part := range parts {
		part, repeat := extractRepetition(part)
		part, mods := extractModifiers(part)
		part, gates := extractGates(part)
		part, framework := extractFramework(part)
		part, style := extractStyle(part)

		agg.Modifiers = append(agg.Modifiers, mods...)
		agg.InlineGates = append(agg.InlineGates, gates...)
		if agg.Framework == "" {
			agg.Framework = framework
		}
		if agg.Style == "" {
			agg.Style = style
		}
		if repeat > 1 {
			agg.Repeated = true
		}

		id, args := splitInvocation(part)
		for r := 0; r < repeat; r++ {
			i := len(steps)
			step := ExecutionStep{
				PromptID:       id,
				Arguments:      args,
				OutputVariable: fmt.Sprintf("step_%d_output", i+1),
				Framework:      framework,
				Modifiers:      mods,
			}
			if i > 0 {
				step.Dependencies = []int{i - 1}
			}
			steps = append(steps, step)
		}
	}
	return steps, agg
}

// parseSimple handles bare ">>name args" invocations.
func (p *Parser) parseSimple(command, raw string) (*ParsedCommand, bool) {
	groups := simpleCommandRe.FindStringSubmatch(command)
	if groups == nil {
		return nil, false
	}
	cmd := &ParsedCommand{
		PromptID:   groups[1],
		Arguments:  strings.TrimSpace(groups[2]),
		Strategy:   StrategySimple,
		Confidence: 0.95,
		Raw:        raw,
	}
	cmd.Operators.ParseComplexity = ComplexitySimple
	return cmd, true
}

// parseJSON handles the structured object form {"prompt": ..., "arguments": ...}.
func (p *Parser) parseJSON(command, raw string) (*ParsedCommand, bool) {
	if !strings.HasPrefix(command, "{") {
		return nil, false
	}
	var jc jsonCommand
	if err := json.Unmarshal([]byte(command), &jc); err != nil {
		return nil, false
	}
	id := jc.Prompt
	if id == "" {
		id = jc.Command
	}
	if id == "" {
		return nil, false
	}
	cmd := &ParsedCommand{
		PromptID:   id,
		Arguments:  jc.Arguments,
		Strategy:   StrategyJSON,
		Confidence: 0.85,
		Raw:        raw,
	}
	cmd.Operators.ParseComplexity = ComplexitySimple
	return cmd, true
}

// validate checks every referenced prompt id against the known set. The
// first unknown id fails the parse with closest-match suggestions.
func (p *Parser) validate(cmd *ParsedCommand, known map[string]struct{}, available []string) error {
	check := func(id string) error {
		if id == "" {
			return &Error{Message: "missing prompt identifier", Input: cmd.Raw}
		}
		if _, ok := known[id]; !ok {
			return &Error{
				Message:     fmt.Sprintf("unknown prompt %q", id),
				Input:       cmd.Raw,
				Suggestions: Suggest(id, available),
			}
		}
		return nil
	}

	if len(cmd.Steps) > 0 {
		for _, step := range cmd.Steps {
			if err := check(step.PromptID); err != nil {
				return err
			}
		}
		return nil
	}
	return check(cmd.PromptID)
}

// splitInvocation splits "name args..." into the prompt id and its raw
// argument text, tolerating an optional >> prefix.
func splitInvocation(text string) (string, string) {
	text = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text), ">>"))
	if text == "" {
		return "", ""
	}
	fields := strings.SplitN(text, " ", 2)
	id := fields[0]
	args := ""
	if len(fields) > 1 {
		args = strings.TrimSpace(fields[1])
	}
	return id, args
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
