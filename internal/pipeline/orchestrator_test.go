package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorRequiresStages(t *testing.T) {
	_, err := NewOrchestrator(nil, nil)
	require.Error(t, err)
}

func TestOrchestratorEarlyExit(t *testing.T) {
	var ran []string
	stages := []Stage{
		StageFunc{"first", func(ctx context.Context, ec *ExecutionContext) error {
			ran = append(ran, "first")
			return nil
		}},
		StageFunc{"responder", func(ctx context.Context, ec *ExecutionContext) error {
			ran = append(ran, "responder")
			ec.SetResponse("done", false)
			return nil
		}},
		StageFunc{"never", func(ctx context.Context, ec *ExecutionContext) error {
			ran = append(ran, "never")
			return nil
		}},
	}
	orch, err := NewOrchestrator(stages, nil)
	require.NoError(t, err)

	resp, err := orch.Run(context.Background(), NewExecutionContext(&Request{}))
	require.NoError(t, err)
	assert.Equal(t, "done", resp.Text)
	assert.Equal(t, []string{"first", "responder"}, ran)
}

func TestOrchestratorNoResponseIsFatal(t *testing.T) {
	stages := []Stage{
		StageFunc{"noop", func(ctx context.Context, ec *ExecutionContext) error { return nil }},
	}
	orch, err := NewOrchestrator(stages, nil)
	require.NoError(t, err)

	_, err = orch.Run(context.Background(), NewExecutionContext(&Request{}))
	require.ErrorIs(t, err, ErrNoResponse)
}

func TestOrchestratorStageFailureRunsCleanup(t *testing.T) {
	cleaned := false
	boom := errors.New("boom")
	stages := []Stage{
		StageFunc{"setup", func(ctx context.Context, ec *ExecutionContext) error {
			ec.RegisterCleanup(func(ctx context.Context) error {
				cleaned = true
				return nil
			})
			return nil
		}},
		StageFunc{"fails", func(ctx context.Context, ec *ExecutionContext) error { return boom }},
	}
	orch, err := NewOrchestrator(stages, nil)
	require.NoError(t, err)

	ec := NewExecutionContext(&Request{})
	_, err = orch.Run(context.Background(), ec)
	require.ErrorIs(t, err, boom)
	assert.True(t, cleaned)

	entries := ec.Diagnostics.Entries()
	require.NotEmpty(t, entries)
	assert.Equal(t, LevelError, entries[len(entries)-1].Level)
}

func TestOrchestratorCleanupFailuresAreSwallowed(t *testing.T) {
	stages := []Stage{
		StageFunc{"respond", func(ctx context.Context, ec *ExecutionContext) error {
			ec.RegisterCleanup(func(ctx context.Context) error { return errors.New("cleanup failed") })
			ec.SetResponse("ok", false)
			return nil
		}},
	}
	orch, err := NewOrchestrator(stages, nil)
	require.NoError(t, err)

	resp, err := orch.Run(context.Background(), NewExecutionContext(&Request{}))
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
}

func TestDiagnosticsAppendOnly(t *testing.T) {
	d := NewDiagnostics()
	d.Info("parse", "one", nil)
	d.Warn("plan", "two", map[string]string{"k": "v"})
	d.Error("format", "three", nil)

	entries := d.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, "one", entries[0].Message)
	assert.Equal(t, LevelWarn, entries[1].Level)
	assert.Equal(t, "format", entries[2].Stage)

	// Mutating the returned slice must not affect the buffer.
	entries[0].Message = "mutated"
	assert.Equal(t, "one", d.Entries()[0].Message)
}

func TestExecutionContextInvocationIDs(t *testing.T) {
	a := NewExecutionContext(&Request{})
	b := NewExecutionContext(&Request{})
	assert.NotEmpty(t, a.State.Lifecycle.InvocationID)
	assert.NotEqual(t, a.State.Lifecycle.InvocationID, b.State.Lifecycle.InvocationID)
}
