package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/framework"
	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/parser"
	"github.com/promptforge/chaind/internal/prompts"
	"github.com/promptforge/chaind/internal/session"
)

// Engine wires the parser, prompt library, gate registry, framework
// resolver, and session store into the fixed pipeline and exposes the single
// Execute entry point the transport layer calls.
type Engine struct {
	parser     *parser.Parser
	library    prompts.Library
	gates      gates.Lookup
	frameworks framework.Resolver
	store      *session.Store
	logger     *zap.Logger

	orch *Orchestrator
}

// NewEngine creates the engine. All collaborators are required except the
// logger, which defaults to a no-op.
func NewEngine(library prompts.Library, gateLookup gates.Lookup, frameworks framework.Resolver, store *session.Store, logger *zap.Logger) (*Engine, error) {
	if library == nil {
		return nil, fmt.Errorf("prompt library is required")
	}
	if gateLookup == nil {
		return nil, fmt.Errorf("gate lookup is required")
	}
	if frameworks == nil {
		return nil, fmt.Errorf("framework resolver is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		parser:     parser.New(),
		library:    library,
		gates:      gateLookup,
		frameworks: frameworks,
		store:      store,
		logger:     logger,
	}

	orch, err := NewOrchestrator(e.stages(), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build pipeline: %w", err)
	}
	e.orch = orch
	return e, nil
}

// stages assembles the fixed, ordered stage list. The order is part of the
// engine's contract: gate accumulation must finish before the accumulator is
// frozen, and session resolution must precede step execution.
func (e *Engine) stages() []Stage {
	return []Stage{
		StageFunc{"normalize", e.stageNormalize},
		StageFunc{"parse", e.stageParse},
		StageFunc{"extract_inline_gates", e.stageExtractInlineGates},
		StageFunc{"validate_operators", e.stageValidateOperators},
		StageFunc{"plan", e.stagePlan},
		StageFunc{"script_execution", e.stageScriptExecution},
		StageFunc{"judge_selection", e.stageJudgeSelection},
		StageFunc{"gate_enhancement", e.stageGateEnhancement},
		StageFunc{"framework_resolution", e.stageFrameworkResolution},
		StageFunc{"session_management", e.stageSessionManagement},
		StageFunc{"injection_control", e.stageInjectionControl},
		StageFunc{"prompt_guidance", e.stagePromptGuidance},
		StageFunc{"response_capture", e.stageResponseCapture},
		StageFunc{"step_execution", e.stageStepExecution},
		StageFunc{"gate_review", e.stageGateReview},
		StageFunc{"call_to_action", e.stageCallToAction},
		StageFunc{"format", e.stageFormat},
	}
}

// Execute runs one invocation through the pipeline. Failures the user can
// act on come back as an error response; an error return means the pipeline
// itself broke.
func (e *Engine) Execute(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		req = &Request{}
	}
	ec := NewExecutionContext(req)

	resp, err := e.orch.Run(ctx, ec)
	if err != nil {
		e.logger.Error("pipeline run failed",
			zap.String("invocation_id", ec.State.Lifecycle.InvocationID),
			zap.Error(err))
		return &Response{
			Text:    fmt.Sprintf("execution failed: %v", err),
			IsError: true,
		}, err
	}
	return resp, nil
}
