// Package session provides the durable, keyed state machine for chain
// execution progress. Every mutation is persisted before it is visible, and
// the full record set is reloaded at process start, so a chain survives
// arbitrary process restarts between steps.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Common store errors.
var (
	// ErrNotFound is returned when a session id has no record.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidTotalSteps is returned when a session is created with fewer
	// than one step.
	ErrInvalidTotalSteps = errors.New("total steps must be at least 1")

	// ErrSessionExists is returned when creating a session id that already
	// has a record.
	ErrSessionExists = errors.New("session already exists")

	// ErrInvalidStep is returned for step numbers outside 1..totalSteps.
	ErrInvalidStep = errors.New("step number out of range")

	// ErrReviewPending is returned when advancing a session that still has a
	// pending gate review.
	ErrReviewPending = errors.New("gate review pending")

	// ErrNoPendingReview is returned by review operations when no review is
	// pending.
	ErrNoPendingReview = errors.New("no pending gate review")
)

// StepState is the lifecycle state of one chain step. States only move
// forward, with one exception: a placeholder completion may be replaced in
// place by a real captured response.
type StepState string

const (
	StepPending          StepState = "PENDING"
	StepRendered         StepState = "RENDERED"
	StepResponseCaptured StepState = "RESPONSE_CAPTURED"
	StepCompleted        StepState = "COMPLETED"
)

// stepOrder ranks step states for forward-only enforcement.
var stepOrder = map[StepState]int{
	StepPending:          0,
	StepRendered:         1,
	StepResponseCaptured: 2,
	StepCompleted:        3,
}

// Valid reports whether s is a known step state.
func (s StepState) Valid() bool {
	_, ok := stepOrder[s]
	return ok
}

// StepMetadata records the progress and output of one step.
type StepMetadata struct {
	State StepState `json:"state"`

	// IsPlaceholder marks a provisional completion recorded when the host
	// cannot return the model's own output synchronously. A placeholder can
	// later be replaced by the real captured response.
	IsPlaceholder bool `json:"is_placeholder,omitempty"`

	Content    string    `json:"content,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`

	// OutputMapping is the variable name the step's output is bound to for
	// later steps.
	OutputMapping string `json:"output_mapping,omitempty"`
}

// PendingGateReview is the at-most-one outstanding gate review for a session.
type PendingGateReview struct {
	GateIDs      []string          `json:"gate_ids"`
	Instructions string            `json:"instructions,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	MaxAttempts  int               `json:"max_attempts"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	// RetryLimitExceeded is set once attempts reach the resolved budget; the
	// session then requires an explicit retry/skip/abort action.
	RetryLimitExceeded bool `json:"retry_limit_exceeded,omitempty"`
}

// ChainState tracks progress through the chain's steps.
type ChainState struct {
	// CurrentStep is the 1-based number of the next step to render. It only
	// increases; restarts create a new session rather than rewinding it.
	CurrentStep int `json:"current_step"`

	TotalSteps int `json:"total_steps"`

	// StepStates is keyed by 1-based step number.
	StepStates map[int]*StepMetadata `json:"step_states"`
}

// Blueprint is a deep, self-contained snapshot of the parsed command and
// execution plan, sufficient to replay planning decisions on resume without
// re-invoking the parser. The payloads are stored as raw JSON so the
// round-trip is exact for every field regardless of which package owns the
// value types.
type Blueprint struct {
	Version       int             `json:"version"`
	ParsedCommand json.RawMessage `json:"parsed_command,omitempty"`
	ExecutionPlan json.RawMessage `json:"execution_plan,omitempty"`
}

// BlueprintVersion is the current blueprint serialization version.
const BlueprintVersion = 1

// NewBlueprint snapshots the parsed command and plan values.
func NewBlueprint(parsedCommand, executionPlan any) (*Blueprint, error) {
	bp := &Blueprint{Version: BlueprintVersion}
	if parsedCommand != nil {
		data, err := json.Marshal(parsedCommand)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot parsed command: %w", err)
		}
		bp.ParsedCommand = data
	}
	if executionPlan != nil {
		data, err := json.Marshal(executionPlan)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot execution plan: %w", err)
		}
		bp.ExecutionPlan = data
	}
	return bp, nil
}

// DecodeCommand unmarshals the snapshotted parsed command into dst.
func (b *Blueprint) DecodeCommand(dst any) error {
	if len(b.ParsedCommand) == 0 {
		return errors.New("blueprint has no parsed command")
	}
	return json.Unmarshal(b.ParsedCommand, dst)
}

// DecodePlan unmarshals the snapshotted execution plan into dst.
func (b *Blueprint) DecodePlan(dst any) error {
	if len(b.ExecutionPlan) == 0 {
		return errors.New("blueprint has no execution plan")
	}
	return json.Unmarshal(b.ExecutionPlan, dst)
}

// ChainSession is the durable record of one chain run.
type ChainSession struct {
	SessionID string `json:"session_id"`

	// ChainID is "<baseChainId>#<runNumber>"; run numbers increase
	// monotonically per base chain across all historical runs.
	ChainID string `json:"chain_id"`

	State ChainState `json:"state"`

	PendingReview *PendingGateReview `json:"pending_gate_review,omitempty"`

	OriginalArgs map[string]string `json:"original_args,omitempty"`

	Blueprint *Blueprint `json:"blueprint,omitempty"`

	// Aborted marks a run retired by an explicit abort action.
	Aborted bool `json:"aborted,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Complete reports whether every step has been completed. CurrentStep is the
// next step to render, so the run is done once it moves past TotalSteps.
func (s *ChainSession) Complete() bool {
	return s.State.CurrentStep > s.State.TotalSteps
}

// Dormant reports whether the session no longer accepts implicit step
// execution: either complete or aborted. A later call without an explicit
// resume target starts a new run instead of touching a dormant session.
func (s *ChainSession) Dormant() bool {
	return s.Complete() || s.Aborted
}

// Step returns the metadata for a 1-based step number, creating a pending
// record if none exists yet.
func (s *ChainSession) Step(n int) *StepMetadata {
	if s.State.StepStates == nil {
		s.State.StepStates = make(map[int]*StepMetadata)
	}
	meta, ok := s.State.StepStates[n]
	if !ok {
		meta = &StepMetadata{State: StepPending}
		s.State.StepStates[n] = meta
	}
	return meta
}

// clone deep-copies the session through its JSON form. Mutating operations
// work on a clone and commit it only after the persist succeeds.
func (s *ChainSession) clone() (*ChainSession, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone session: %w", err)
	}
	var out ChainSession
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to clone session: %w", err)
	}
	return &out, nil
}

// ChainRunID formats a chain id from its base id and run number.
func ChainRunID(baseChainID string, run int) string {
	return fmt.Sprintf("%s#%d", baseChainID, run)
}

// SplitChainID splits "<base>#<run>" into its parts. A chain id without a
// run suffix returns run 0.
func SplitChainID(chainID string) (base string, run int) {
	idx := strings.LastIndex(chainID, "#")
	if idx < 0 {
		return chainID, 0
	}
	n, err := strconv.Atoi(chainID[idx+1:])
	if err != nil {
		return chainID, 0
	}
	return chainID[:idx], n
}
