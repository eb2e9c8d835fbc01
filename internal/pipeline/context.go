// Package pipeline runs one tool invocation through a fixed, ordered list of
// stages against a single execution context. Stages communicate through
// namespaced sub-state on the context; the orchestrator short-circuits as
// soon as a stage produces a final response and always runs registered
// cleanup handlers on the way out.
package pipeline

import (
	"context"
	"math/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/promptforge/chaind/internal/framework"
	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/parser"
	"github.com/promptforge/chaind/internal/session"
)

// Request is the single invocation contract of the engine.
type Request struct {
	Command      string `json:"command,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	ChainID      string `json:"chain_id,omitempty"`
	UserResponse string `json:"user_response,omitempty"`

	// GateVerdict is an explicit verdict field; unlike UserResponse it may
	// use the minimal PASS/FAIL form.
	GateVerdict string `json:"gate_verdict,omitempty"`

	// GateAction is the explicit decision for an exhausted review:
	// retry, skip, or abort.
	GateAction string `json:"gate_action,omitempty"`

	// ForceRestart always starts a new run, never resuming session state.
	ForceRestart bool `json:"force_restart,omitempty"`

	ExecutionMode  string            `json:"execution_mode,omitempty"`
	TemporaryGates []string          `json:"temporary_gates,omitempty"`
	Options        map[string]string `json:"options,omitempty"`
}

// Response is the terminal output of a pipeline run.
type Response struct {
	Text    string `json:"text"`
	IsError bool   `json:"is_error"`
}

// ExecutionPlan is produced once by the planning stage and never mutated
// afterwards.
type ExecutionPlan struct {
	// Strategy is "single" or "chain".
	Strategy string `json:"strategy"`

	// Gates lists gate ids known at planning time.
	Gates []string `json:"gates,omitempty"`

	RequiresFramework bool   `json:"requires_framework"`
	RequiresSession   bool   `json:"requires_session"`
	FrameworkOverride string `json:"framework_override,omitempty"`

	Modifiers []string `json:"modifiers,omitempty"`
}

// Plan strategies.
const (
	StrategySingle = "single"
	StrategyChain  = "chain"
)

// ExecutionResults accumulates the ordered output sections that the
// formatting stage turns into the final response.
type ExecutionResults struct {
	Sections []string
	IsError  bool
}

// Add appends one output section.
func (r *ExecutionResults) Add(section string) {
	if section != "" {
		r.Sections = append(r.Sections, section)
	}
}

// Render joins the sections into the response text.
func (r *ExecutionResults) Render() string {
	return strings.Join(r.Sections, "\n\n")
}

// CleanupFunc is a best-effort cleanup handler registered by a stage.
// Failures are logged and swallowed, never propagated.
type CleanupFunc func(ctx context.Context) error

// SessionState is the session namespace of the context.
type SessionState struct {
	// Session is the resolved (created or resumed) chain session.
	Session *session.ChainSession

	// CapturedStep is the step number a user response was captured for in
	// this invocation, or 0.
	CapturedStep int

	// NewRun marks a session created (rather than resumed) this invocation.
	NewRun bool

	// Handled marks the invocation's outcome as already determined, telling
	// the execution stages not to render or review anything further.
	Handled bool
}

// GateState is the gates namespace of the context.
type GateState struct {
	Policy    gates.Policy
	ActiveSet *gates.ActiveGateSet

	// InlineCriteria holds free-text criteria gates from :: "..." operators.
	InlineCriteria []string
}

// FrameworkState is the framework namespace of the context.
type FrameworkState struct {
	Selected *framework.Framework

	// InjectionEnabled gates whether the framework's system prompt is
	// injected ahead of the rendered step.
	InjectionEnabled bool

	// Guidance is the assembled preamble (framework + gate guidance).
	Guidance string
}

// ScriptState is the script-tool namespace of the context.
type ScriptState struct {
	// Outputs holds key/value results from the prompt's auto-executed
	// script tools, merged into template arguments before rendering.
	Outputs map[string]string
}

// LifecycleState is the lifecycle namespace of the context.
type LifecycleState struct {
	InvocationID    string
	StartedAt       time.Time
	CleanupHandlers []CleanupFunc
}

// State groups the namespaced mutable sub-state stages use to communicate
// without widening the context's public surface.
type State struct {
	Session   SessionState
	Gates     GateState
	Framework FrameworkState
	Scripts   ScriptState
	Lifecycle LifecycleState
}

// ExecutionContext is the single mutable object threaded through the
// pipeline. It lives for exactly one invocation; only its session and gate
// projections ever reach durable storage.
type ExecutionContext struct {
	Request *Request

	ParsedCommand *parser.ParsedCommand
	Plan          *ExecutionPlan

	Results ExecutionResults

	// Response, once set, terminates the pipeline.
	Response *Response

	Diagnostics *Diagnostics
	Gates       *gates.Accumulator

	State State
}

// NewExecutionContext creates the context for one invocation.
func NewExecutionContext(req *Request) *ExecutionContext {
	now := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(now.UnixNano())), 0)
	return &ExecutionContext{
		Request:     req,
		Diagnostics: NewDiagnostics(),
		Gates:       gates.NewAccumulator(nil),
		State: State{
			Scripts: ScriptState{Outputs: make(map[string]string)},
			Lifecycle: LifecycleState{
				InvocationID: ulid.MustNew(ulid.Timestamp(now), entropy).String(),
				StartedAt:    now,
			},
		},
	}
}

// SetResponse sets the terminal response; the orchestrator stops after the
// current stage.
func (c *ExecutionContext) SetResponse(text string, isError bool) {
	c.Response = &Response{Text: text, IsError: isError}
}

// RegisterCleanup adds a best-effort cleanup handler run in the pipeline's
// finalization path.
func (c *ExecutionContext) RegisterCleanup(fn CleanupFunc) {
	if fn != nil {
		c.State.Lifecycle.CleanupHandlers = append(c.State.Lifecycle.CleanupHandlers, fn)
	}
}

// presenceFlags snapshots which top-level context fields are populated; the
// orchestrator diffs consecutive snapshots to log only real transitions.
func (c *ExecutionContext) presenceFlags() map[string]bool {
	return map[string]bool{
		"parsedCommand": c.ParsedCommand != nil,
		"executionPlan": c.Plan != nil,
		"session":       c.State.Session.Session != nil,
		"framework":     c.State.Framework.Selected != nil,
		"results":       len(c.Results.Sections) > 0,
		"response":      c.Response != nil,
	}
}
