package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/pipeline"
	"github.com/promptforge/chaind/internal/session"
)

type promptEngineInput struct {
	Command        string            `json:"command,omitempty" jsonschema:"Command to execute, e.g. '>>analyze my code --> >>summarize'"`
	SessionID      string            `json:"session_id,omitempty" jsonschema:"Session to continue"`
	ChainID        string            `json:"chain_id,omitempty" jsonschema:"Chain run to resume, e.g. 'analyze#2'"`
	UserResponse   string            `json:"user_response,omitempty" jsonschema:"Output for the current step, or a gate verdict"`
	GateVerdict    string            `json:"gate_verdict,omitempty" jsonschema:"Explicit gate verdict, e.g. 'GATE_REVIEW: PASS - rationale'"`
	GateAction     string            `json:"gate_action,omitempty" jsonschema:"Decision for an exhausted review: retry skip or abort"`
	ForceRestart   bool              `json:"force_restart,omitempty" jsonschema:"Always start a new run instead of resuming"`
	ExecutionMode  string            `json:"execution_mode,omitempty" jsonschema:"Execution mode hint"`
	TemporaryGates []string          `json:"temporary_gates,omitempty" jsonschema:"Gate ids applied to this execution only"`
	Options        map[string]string `json:"options,omitempty" jsonschema:"Additional template arguments and settings"`
}

type promptEngineOutput struct {
	Text      string `json:"text" jsonschema:"Rendered prompt, review instructions, or status"`
	IsError   bool   `json:"is_error" jsonschema:"Whether the invocation failed"`
	SessionID string `json:"session_id,omitempty" jsonschema:"Session id for follow-up invocations"`
	ChainID   string `json:"chain_id,omitempty" jsonschema:"Chain run id"`
}

type promptListInput struct {
	Category string `json:"category,omitempty" jsonschema:"Only list prompts in this category"`
}

type promptListOutput struct {
	Prompts []promptSummary `json:"prompts" jsonschema:"Known prompts"`
	Count   int             `json:"count" jsonschema:"Number of prompts returned"`
}

type promptSummary struct {
	ID          string `json:"id"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
	IsChain     bool   `json:"is_chain,omitempty"`
}

type chainStatusInput struct {
	SessionID string `json:"session_id,omitempty" jsonschema:"Session to inspect"`
	ChainID   string `json:"chain_id,omitempty" jsonschema:"Chain run to inspect"`
}

type chainStatusOutput struct {
	SessionID     string `json:"session_id"`
	ChainID       string `json:"chain_id"`
	CurrentStep   int    `json:"current_step"`
	TotalSteps    int    `json:"total_steps"`
	Complete      bool   `json:"complete"`
	Aborted       bool   `json:"aborted,omitempty"`
	ReviewPending bool   `json:"review_pending,omitempty"`
}

func (s *Server) registerTools() {
	s.registerPromptEngine()
	s.registerPromptList()
	s.registerChainStatus()
}

func (s *Server) registerPromptEngine() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "prompt_engine",
		Description: "Execute prompt commands and chains. Accepts '>>prompt args' commands with " +
			"chain (-->), gate (::), framework (@), style (#), and modifier (%) operators, " +
			"and continues existing sessions via session_id plus user_response, gate_verdict, or gate_action.",
	}, s.handlePromptEngine)
}

func (s *Server) handlePromptEngine(ctx context.Context, req *mcp.CallToolRequest, args promptEngineInput) (*mcp.CallToolResult, promptEngineOutput, error) {
	start := time.Now()
	s.metrics.IncrementActive(ctx, "prompt_engine")
	var toolErr error
	defer func() {
		s.metrics.DecrementActive(ctx, "prompt_engine")
		s.metrics.RecordInvocation(ctx, "prompt_engine", time.Since(start), toolErr)
	}()

	resp, err := s.engine.Execute(ctx, &pipeline.Request{
		Command:        args.Command,
		SessionID:      args.SessionID,
		ChainID:        args.ChainID,
		UserResponse:   args.UserResponse,
		GateVerdict:    args.GateVerdict,
		GateAction:     args.GateAction,
		ForceRestart:   args.ForceRestart,
		ExecutionMode:  args.ExecutionMode,
		TemporaryGates: args.TemporaryGates,
		Options:        args.Options,
	})
	if err != nil {
		// The pipeline broke; the failure still reaches the client as a
		// structured error response rather than a protocol error.
		toolErr = err
		s.logger.Error("prompt_engine invocation failed", zap.Error(err))
	}

	out := promptEngineOutput{Text: resp.Text, IsError: resp.IsError}
	if sess := s.sessionFor(args); sess != "" {
		out.SessionID = sess
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: resp.Text}},
		IsError: resp.IsError,
	}, out, nil
}

// sessionFor echoes back the session the invocation targeted, if any.
func (s *Server) sessionFor(args promptEngineInput) string {
	if args.SessionID != "" {
		return args.SessionID
	}
	if args.ChainID != "" {
		if sess, err := s.store.FindRun(args.ChainID); err == nil {
			return sess.SessionID
		}
	}
	return ""
}

func (s *Server) registerPromptList() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "prompt_list",
		Description: "List available prompts, optionally filtered by category",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args promptListInput) (*mcp.CallToolResult, promptListOutput, error) {
		start := time.Now()
		var toolErr error
		defer func() {
			s.metrics.RecordInvocation(ctx, "prompt_list", time.Since(start), toolErr)
		}()

		var out promptListOutput
		for _, id := range s.library.IDs() {
			p := s.library.Get(id)
			if p == nil {
				continue
			}
			if args.Category != "" && !strings.EqualFold(p.Category, args.Category) {
				continue
			}
			out.Prompts = append(out.Prompts, promptSummary{
				ID:          p.ID,
				Category:    p.Category,
				Description: p.Description,
				IsChain:     p.IsChain(),
			})
		}
		sort.Slice(out.Prompts, func(i, j int) bool { return out.Prompts[i].ID < out.Prompts[j].ID })
		out.Count = len(out.Prompts)

		var b strings.Builder
		fmt.Fprintf(&b, "%d prompt(s) available:\n", out.Count)
		for _, p := range out.Prompts {
			fmt.Fprintf(&b, "  >>%s", p.ID)
			if p.Description != "" {
				fmt.Fprintf(&b, " - %s", p.Description)
			}
			b.WriteString("\n")
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: b.String()}},
		}, out, nil
	})
}

func (s *Server) registerChainStatus() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "chain_status",
		Description: "Inspect the progress of a chain session",
	}, func(ctx context.Context, req *mcp.CallToolRequest, args chainStatusInput) (*mcp.CallToolResult, chainStatusOutput, error) {
		start := time.Now()
		var toolErr error
		defer func() {
			s.metrics.RecordInvocation(ctx, "chain_status", time.Since(start), toolErr)
		}()

		sess, err := s.lookup(args)
		if err != nil {
			toolErr = err
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				IsError: true,
			}, chainStatusOutput{}, nil
		}

		out := chainStatusOutput{
			SessionID:     sess.SessionID,
			ChainID:       sess.ChainID,
			CurrentStep:   sess.State.CurrentStep,
			TotalSteps:    sess.State.TotalSteps,
			Complete:      sess.Complete(),
			Aborted:       sess.Aborted,
			ReviewPending: sess.PendingReview != nil,
		}

		text := fmt.Sprintf("Chain %s: step %d of %d", out.ChainID, out.CurrentStep, out.TotalSteps)
		switch {
		case out.Aborted:
			text = fmt.Sprintf("Chain %s: aborted", out.ChainID)
		case out.Complete:
			text = fmt.Sprintf("Chain %s: complete (%d steps)", out.ChainID, out.TotalSteps)
		case out.ReviewPending:
			text += " (gate review pending)"
		}

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	})
}

func (s *Server) lookup(args chainStatusInput) (*session.ChainSession, error) {
	if args.SessionID != "" {
		sess, err := s.store.GetSession(args.SessionID)
		if err != nil {
			return nil, fmt.Errorf("unknown session %q", args.SessionID)
		}
		return sess, nil
	}
	if args.ChainID != "" {
		if sess, err := s.store.FindRun(args.ChainID); err == nil {
			return sess, nil
		}
		if sess, err := s.store.LatestRun(args.ChainID); err == nil {
			return sess, nil
		}
		return nil, fmt.Errorf("unknown chain %q", args.ChainID)
	}
	return nil, fmt.Errorf("session_id or chain_id is required")
}
