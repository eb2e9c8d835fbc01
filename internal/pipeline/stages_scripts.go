package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/promptforge/chaind/internal/prompts"
)

// scriptTimeout bounds a single prompt-scoped tool run.
const scriptTimeout = 30 * time.Second

// stageScriptExecution runs the invoked prompt's auto-execute script tools
// and binds their outputs as template arguments. A failing tool degrades to
// a diagnostic; rendering proceeds without its outputs.
func (e *Engine) stageScriptExecution(ctx context.Context, ec *ExecutionContext) error {
	cmd := ec.ParsedCommand
	if cmd == nil || cmd.PromptID == "" {
		return nil
	}
	prompt := e.library.Get(cmd.PromptID)
	if prompt == nil {
		return nil
	}

	for _, tool := range prompt.Tools {
		if !tool.AutoExecute {
			continue
		}
		inputs := map[string]string{"input": cmd.Arguments}
		for k, v := range ec.Request.Options {
			inputs[k] = v
		}

		outputs, err := runScriptTool(ctx, prompt.Dir, tool, inputs)
		if err != nil {
			ec.Diagnostics.Warn("script_execution", "script tool failed",
				map[string]string{"tool": tool.ID, "error": err.Error()})
			e.logger.Warn("script tool failed",
				zap.String("prompt", cmd.PromptID),
				zap.String("tool", tool.ID),
				zap.Error(err))
			continue
		}

		for k, v := range outputs {
			ec.State.Scripts.Outputs[k] = v
		}
		ec.Diagnostics.Info("script_execution", "script tool executed",
			map[string]string{"tool": tool.ID})
	}
	return nil
}

// runScriptTool invokes one tool command with a JSON round trip over stdio:
// the inputs are written to stdin as one object, and stdout must be one
// object whose values become strings.
func runScriptTool(ctx context.Context, dir string, tool prompts.ToolDef, inputs map[string]string) (map[string]string, error) {
	if len(tool.Command) == 0 {
		return nil, fmt.Errorf("tool %q has no command", tool.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, scriptTimeout)
	defer cancel()

	stdin, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool input: %w", err)
	}

	cmd := exec.CommandContext(ctx, tool.Command[0], tool.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("tool %q failed: %w", tool.ID, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("tool %q produced invalid JSON: %w", tool.ID, err)
	}

	outputs := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			outputs[k] = s
			continue
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("tool %q output %q is not representable: %w", tool.ID, k, err)
		}
		outputs[k] = string(b)
	}
	return outputs, nil
}
