// Package parser turns one free-form command string into a structured
// command: a single prompt invocation or a multi-step chain, plus the inline
// operators detected along the way. It has no dependencies on the rest of
// the engine; callers supply the set of known prompt ids.
package parser

import (
	"fmt"
	"strings"
)

// Strategy names the parse strategy that produced a command.
type Strategy string

const (
	// StrategySymbolic parses operator-bearing commands (chains, gates,
	// frameworks, styles, modifiers).
	StrategySymbolic Strategy = "symbolic"

	// StrategySimple parses plain ">>name args" invocations.
	StrategySimple Strategy = "simple"

	// StrategyJSON parses structured JSON command objects.
	StrategyJSON Strategy = "json"
)

// Complexity classifies a parsed command for telemetry.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// InlineGate is one `:: gate_id` or `:: "criteria"` operator occurrence.
type InlineGate struct {
	// GateID is set for the identifier form.
	GateID string `json:"gate_id,omitempty"`

	// Criteria is set for the quoted free-text form.
	Criteria string `json:"criteria,omitempty"`
}

// OperatorDetectionResult records every inline operator found in the raw
// command. Operators apply at the whole-execution level; per-step
// annotations are stripped before validation but preserved on the step.
type OperatorDetectionResult struct {
	HasChain       bool         `json:"has_chain"`
	InlineGates    []InlineGate `json:"inline_gates,omitempty"`
	Framework      string       `json:"framework,omitempty"`
	Style          string       `json:"style,omitempty"`
	Modifiers      []string     `json:"modifiers,omitempty"`
	HasParallel    bool         `json:"has_parallel"`
	HasConditional bool         `json:"has_conditional"`
	HasRepetition  bool         `json:"has_repetition"`

	// ParseComplexity is used later for telemetry, never for control flow.
	ParseComplexity Complexity `json:"parse_complexity"`
}

// ExecutionStep is one step of a parsed chain.
type ExecutionStep struct {
	PromptID  string `json:"prompt_id"`
	Arguments string `json:"arguments,omitempty"`

	// Dependencies are indices of earlier steps whose output this step
	// consumes. Sequential chains depend on the immediately preceding step.
	Dependencies []int `json:"dependencies,omitempty"`

	// OutputVariable names the binding for this step's output.
	OutputVariable string `json:"output_variable"`

	// Framework preserves a per-step @annotation stripped before validation.
	Framework string `json:"framework,omitempty"`

	// Modifiers preserves per-step %annotations stripped before validation.
	Modifiers []string `json:"modifiers,omitempty"`
}

// ParsedCommand is the parser's output.
type ParsedCommand struct {
	// PromptID is the invoked prompt for single commands, or the first
	// step's prompt for chains.
	PromptID  string `json:"prompt_id"`
	Arguments string `json:"arguments,omitempty"`

	// Steps holds the chain steps; empty for single invocations.
	Steps []ExecutionStep `json:"steps,omitempty"`

	Operators OperatorDetectionResult `json:"operators"`

	Strategy   Strategy `json:"strategy"`
	Confidence float64  `json:"confidence"`

	Raw string `json:"raw"`
}

// IsChain reports whether the command parsed as a multi-step chain.
func (c *ParsedCommand) IsChain() bool {
	return len(c.Steps) > 1
}

// Error is a parse failure with actionable remediation. Unknown prompt
// identifiers are a hard failure, never a warning.
type Error struct {
	Message     string
	Input       string
	Suggestions []string
}

func (e *Error) Error() string {
	if len(e.Suggestions) == 0 {
		return e.Message
	}
	return fmt.Sprintf("%s (did you mean %s?)", e.Message, strings.Join(e.Suggestions, ", "))
}
