package pipeline

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/promptforge/chaind/internal/pipeline"

// ErrNoResponse is returned when the full stage list completes without any
// stage producing a response. It indicates an internal consistency bug, not
// a user error.
var ErrNoResponse = fmt.Errorf("pipeline completed without producing a response")

// Orchestrator drives an execution context through a fixed, ordered stage
// list. The list is assembled once at construction and never changes
// between invocations.
type Orchestrator struct {
	stages []Stage
	logger *zap.Logger

	tracer        trace.Tracer
	stageDuration metric.Float64Histogram
	runsTotal     metric.Int64Counter
}

// NewOrchestrator creates an orchestrator over the given stage list.
func NewOrchestrator(stages []Stage, logger *zap.Logger) (*Orchestrator, error) {
	if len(stages) == 0 {
		return nil, fmt.Errorf("at least one stage is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	meter := otel.Meter(instrumentationName)
	stageDuration, err := meter.Float64Histogram(
		"chaind.pipeline.stage_duration_seconds",
		metric.WithDescription("Wall-clock duration of individual pipeline stages"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create stage duration histogram: %w", err)
	}
	runsTotal, err := meter.Int64Counter(
		"chaind.pipeline.runs_total",
		metric.WithDescription("Total pipeline runs by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create runs counter: %w", err)
	}

	return &Orchestrator{
		stages:        stages,
		logger:        logger,
		tracer:        otel.Tracer(instrumentationName),
		stageDuration: stageDuration,
		runsTotal:     runsTotal,
	}, nil
}

// Run executes the stage list against the context. It returns the terminal
// response, or an error when a stage fails or no stage produces a response.
// Cleanup handlers registered on the context run in every outcome.
func (o *Orchestrator) Run(ctx context.Context, ec *ExecutionContext) (resp *Response, err error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("invocation.id", ec.State.Lifecycle.InvocationID),
	))
	defer span.End()

	defer func() {
		o.runCleanup(ctx, ec)
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		o.runsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}()

	flags := ec.presenceFlags()
	for _, stage := range o.stages {
		if err := o.runStage(ctx, stage, ec); err != nil {
			o.logger.Error("pipeline stage failed",
				zap.String("stage", stage.Name()),
				zap.String("invocation_id", ec.State.Lifecycle.InvocationID),
				zap.Error(err))
			ec.Diagnostics.Error(stage.Name(), err.Error(), nil)
			return nil, fmt.Errorf("stage %s: %w", stage.Name(), err)
		}

		flags = o.logTransitions(stage.Name(), flags, ec)

		if ec.Response != nil {
			o.logger.Debug("pipeline early exit",
				zap.String("stage", stage.Name()),
				zap.Bool("is_error", ec.Response.IsError))
			return ec.Response, nil
		}
	}

	return nil, ErrNoResponse
}

// runStage executes one stage with timing and heap-delta capture.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, ec *ExecutionContext) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.stage."+stage.Name())
	defer span.End()

	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	start := time.Now()

	err := stage.Execute(ctx, ec)

	elapsed := time.Since(start)
	var after runtime.MemStats
	runtime.ReadMemStats(&after)

	o.stageDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage.Name())))
	o.logger.Debug("pipeline stage finished",
		zap.String("stage", stage.Name()),
		zap.Duration("duration", elapsed),
		zap.Int64("heap_delta_bytes", int64(after.HeapAlloc)-int64(before.HeapAlloc)))
	return err
}

// logTransitions diffs presence flags across a stage boundary and logs only
// the fields the stage actually populated or cleared.
func (o *Orchestrator) logTransitions(stageName string, before map[string]bool, ec *ExecutionContext) map[string]bool {
	after := ec.presenceFlags()
	for field, now := range after {
		if before[field] != now {
			o.logger.Debug("context transition",
				zap.String("stage", stageName),
				zap.String("field", field),
				zap.Bool("present", now))
		}
	}
	return after
}

// runCleanup runs registered cleanup handlers in registration order.
// Failures are logged and swallowed so one handler cannot block the rest.
func (o *Orchestrator) runCleanup(ctx context.Context, ec *ExecutionContext) {
	for _, fn := range ec.State.Lifecycle.CleanupHandlers {
		if err := fn(ctx); err != nil {
			o.logger.Warn("cleanup handler failed",
				zap.String("invocation_id", ec.State.Lifecycle.InvocationID),
				zap.Error(err))
		}
	}
}
