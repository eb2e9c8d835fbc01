package pipeline

import "context"

// Stage is one unit of the ordered pipeline. Execute mutates the shared
// execution context; returning an error aborts the pipeline after cleanup.
type Stage interface {
	// Name identifies the stage in logs, diagnostics, and metrics.
	Name() string

	// Execute runs the stage against the shared context.
	Execute(ctx context.Context, ec *ExecutionContext) error
}

// StageFunc adapts a function to the Stage interface.
type StageFunc struct {
	StageName string
	Fn        func(ctx context.Context, ec *ExecutionContext) error
}

// Name implements Stage.
func (s StageFunc) Name() string { return s.StageName }

// Execute implements Stage.
func (s StageFunc) Execute(ctx context.Context, ec *ExecutionContext) error {
	return s.Fn(ctx, ec)
}
