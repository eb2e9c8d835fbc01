// Package gates resolves which quality gates apply to an execution step,
// at what enforcement strength, with what retry budget.
//
// Gate applicability is contributed by several independent stages (inline
// operators, client selection, temporary request gates, prompt configuration,
// chain-level validation, the active methodology, and registry
// auto-activation). The Accumulator deduplicates those contributions using a
// fixed source-priority table; ResolvePolicy derives the effective policy
// from the union of applicable definitions.
package gates

import (
	"time"
)

// Source identifies which stage contributed a gate to the accumulator.
type Source string

const (
	// SourceInlineOperator is an explicit `:: gate` operator in the command.
	SourceInlineOperator Source = "inline_operator"

	// SourceClientSelection is a gate picked by the client in the judge phase.
	SourceClientSelection Source = "client_selection"

	// SourceTemporaryRequest is a caller-supplied temporary gate.
	SourceTemporaryRequest Source = "temporary_request"

	// SourcePromptConfig is a gate declared in the prompt's own configuration.
	SourcePromptConfig Source = "prompt_config"

	// SourceChainLevel is a gate from the chain's finalValidation.
	SourceChainLevel Source = "chain_level"

	// SourceMethodology is a gate contributed by the active methodology.
	SourceMethodology Source = "methodology"

	// SourceRegistryAuto is a gate auto-activated by the registry's own rules.
	SourceRegistryAuto Source = "registry_auto"
)

// sourcePriority is the fixed conflict-resolution table. A candidate entry
// replaces an existing one only when its priority is strictly higher; ties
// keep the first writer.
var sourcePriority = map[Source]int{
	SourceInlineOperator:   100,
	SourceClientSelection:  90,
	SourceTemporaryRequest: 80,
	SourcePromptConfig:     60,
	SourceChainLevel:       50,
	SourceMethodology:      40,
	SourceRegistryAuto:     20,
}

// Priority returns the fixed priority for this source, or 0 for an unknown
// source (which therefore never displaces anything).
func (s Source) Priority() int {
	return sourcePriority[s]
}

// Valid reports whether the source is one of the known contribution sources.
func (s Source) Valid() bool {
	_, ok := sourcePriority[s]
	return ok
}

// Entry is one accumulated gate contribution. The accumulator holds at most
// one entry per gate id.
type Entry struct {
	GateID    string            `json:"gate_id"`
	Source    Source            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// Enforcement is the strength at which a gate's verdict is applied.
type Enforcement string

const (
	// EnforcementBlocking keeps the session on the current step until PASS,
	// retry exhaustion, or an explicit skip/abort.
	EnforcementBlocking Enforcement = "blocking"

	// EnforcementAdvisory records failures but lets the step advance.
	EnforcementAdvisory Enforcement = "advisory"

	// EnforcementInformational only logs the outcome.
	EnforcementInformational Enforcement = "informational"
)

// restrictiveness orders enforcement modes, higher is more restrictive.
var restrictiveness = map[Enforcement]int{
	EnforcementInformational: 1,
	EnforcementAdvisory:      2,
	EnforcementBlocking:      3,
}

// Severity classifies how serious a gate failure is. It is used to derive an
// enforcement mode when the definition does not declare one explicitly.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// DefaultMaxAttempts is the retry budget for definitions that do not declare
// their own max_attempts.
const DefaultMaxAttempts = 3

// AutoActivation declares when the registry activates a gate on its own.
type AutoActivation struct {
	// Strategies activates the gate for matching execution strategies
	// (e.g. "chain").
	Strategies []string `yaml:"strategies,omitempty" json:"strategies,omitempty"`

	// Categories activates the gate for prompts in matching categories.
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`

	// Always activates the gate for every execution.
	Always bool `yaml:"always,omitempty" json:"always,omitempty"`
}

// Definition is one gate definition, typically authored as a YAML file.
// The guidance text itself is collaborator content; the engine only cares
// about enforcement, retry budget, and activation rules.
type Definition struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name,omitempty" json:"name,omitempty"`
	Description string   `yaml:"description,omitempty" json:"description,omitempty"`
	Severity    Severity `yaml:"severity,omitempty" json:"severity,omitempty"`

	// Enforcement overrides the severity-derived mode when set.
	Enforcement Enforcement `yaml:"enforcement,omitempty" json:"enforcement,omitempty"`

	// MaxAttempts is the retry budget this gate grants. Zero means
	// DefaultMaxAttempts.
	MaxAttempts int `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`

	// Guidance is the methodology text injected alongside the step.
	Guidance string `yaml:"guidance,omitempty" json:"guidance,omitempty"`

	// Validating marks the gate as requiring a verdict, as opposed to
	// guidance-only gates.
	Validating bool `yaml:"validating,omitempty" json:"validating,omitempty"`

	// RequireImprovementHints asks the reviewer to include concrete
	// improvement hints on FAIL.
	RequireImprovementHints bool `yaml:"require_improvement_hints,omitempty" json:"require_improvement_hints,omitempty"`

	// PreserveContext keeps the failed step's output available on retry.
	PreserveContext bool `yaml:"preserve_context,omitempty" json:"preserve_context,omitempty"`

	AutoActivation *AutoActivation `yaml:"auto_activate,omitempty" json:"auto_activate,omitempty"`
}

// EffectiveEnforcement returns the declared enforcement mode, or one derived
// from severity when the definition does not declare one. Unknown severities
// resolve to advisory.
func (d *Definition) EffectiveEnforcement() Enforcement {
	if d.Enforcement != "" {
		return d.Enforcement
	}
	switch d.Severity {
	case SeverityCritical, SeverityError:
		return EnforcementBlocking
	case SeverityInfo:
		return EnforcementInformational
	default:
		return EnforcementAdvisory
	}
}

// EffectiveMaxAttempts returns the declared retry budget, or the default when
// unset or non-positive.
func (d *Definition) EffectiveMaxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return DefaultMaxAttempts
}

// Policy is the effective review policy resolved from a set of gates.
type Policy struct {
	// Enforcement is the most restrictive mode present in the set.
	Enforcement Enforcement `json:"enforcement"`

	// MaxAttempts is the minimum retry budget declared by any gate.
	MaxAttempts int `json:"max_attempts"`

	// ImprovementHints is set when any gate requests improvement hints.
	ImprovementHints bool `json:"improvement_hints"`

	// PreserveContext is set when any gate requests context preservation.
	PreserveContext bool `json:"preserve_context"`
}

// ResolvePolicy derives the effective policy over a gate set: the most
// restrictive enforcement mode present (short-circuiting on the first
// blocking gate), the minimum declared retry budget, and OR'd hint flags.
// The result is independent of the input order. An empty set resolves to an
// informational policy with the default budget.
func ResolvePolicy(defs []*Definition) Policy {
	p := Policy{
		Enforcement: EnforcementInformational,
		MaxAttempts: DefaultMaxAttempts,
	}
	if len(defs) == 0 {
		return p
	}

	minAttempts := 0
	modeResolved := false
	for _, d := range defs {
		if d == nil {
			continue
		}
		if !modeResolved {
			mode := d.EffectiveEnforcement()
			if restrictiveness[mode] > restrictiveness[p.Enforcement] {
				p.Enforcement = mode
			}
			if p.Enforcement == EnforcementBlocking {
				modeResolved = true
			}
		}
		attempts := d.EffectiveMaxAttempts()
		if minAttempts == 0 || attempts < minAttempts {
			minAttempts = attempts
		}
		if d.RequireImprovementHints {
			p.ImprovementHints = true
		}
		if d.PreserveContext {
			p.PreserveContext = true
		}
	}
	if minAttempts > 0 {
		p.MaxAttempts = minAttempts
	}
	return p
}
