package pipeline

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/promptforge/chaind/internal/framework"
	"github.com/promptforge/chaind/internal/gates"
	"github.com/promptforge/chaind/internal/prompts"
	"github.com/promptforge/chaind/internal/session"
)

func newScriptEngine(t *testing.T, tools []prompts.ToolDef, template string) *Engine {
	t.Helper()

	library := prompts.NewDirLibrary("", nil)
	library.Replace([]*prompts.Prompt{
		{ID: "count", Template: template, Tools: tools},
	})

	store, err := session.NewStore(session.DefaultConfig("/data"), afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	engine, err := NewEngine(library, gates.NewRegistry("", nil), framework.NewRegistry(nil, ""), store, nil)
	require.NoError(t, err)
	return engine
}

func TestRunScriptTool_JSONRoundTrip(t *testing.T) {
	out, err := runScriptTool(context.Background(), "", prompts.ToolDef{
		ID:      "echo",
		Command: []string{"cat"},
	}, map[string]string{"input": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "hello", out["input"])
}

func TestRunScriptTool_NonStringValuesStringified(t *testing.T) {
	out, err := runScriptTool(context.Background(), "", prompts.ToolDef{
		ID:      "stats",
		Command: []string{"sh", "-c", `cat >/dev/null; echo '{"words": 5, "ok": true}'`},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "5", out["words"])
	assert.Equal(t, "true", out["ok"])
}

func TestRunScriptTool_Errors(t *testing.T) {
	_, err := runScriptTool(context.Background(), "", prompts.ToolDef{ID: "none"}, nil)
	assert.Error(t, err)

	_, err = runScriptTool(context.Background(), "", prompts.ToolDef{
		ID:      "fail",
		Command: []string{"false"},
	}, nil)
	assert.Error(t, err)

	_, err = runScriptTool(context.Background(), "", prompts.ToolDef{
		ID:      "garbage",
		Command: []string{"sh", "-c", "cat >/dev/null; echo not-json"},
	}, nil)
	assert.Error(t, err)
}

func TestEngineScriptToolBindsOutputs(t *testing.T) {
	engine := newScriptEngine(t, []prompts.ToolDef{{
		ID:          "word_count",
		Command:     []string{"sh", "-c", `cat >/dev/null; echo '{"word_count":"3"}'`},
		AutoExecute: true,
	}}, "Counted {{word_count}} words in: {{input}}")

	resp, err := engine.Execute(context.Background(), &Request{Command: ">>count one two three"})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Counted 3 words")
	assert.Contains(t, resp.Text, "one two three")
}

func TestEngineScriptToolManualNotRun(t *testing.T) {
	engine := newScriptEngine(t, []prompts.ToolDef{{
		ID:      "word_count",
		Command: []string{"sh", "-c", `cat >/dev/null; echo '{"word_count":"3"}'`},
	}}, "Counted {{word_count}} words")

	resp, err := engine.Execute(context.Background(), &Request{Command: ">>count some input"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "{{word_count}}")
}

func TestEngineScriptToolFailureDegrades(t *testing.T) {
	engine := newScriptEngine(t, []prompts.ToolDef{{
		ID:          "broken",
		Command:     []string{"false"},
		AutoExecute: true,
	}}, "Plain: {{input}}")

	resp, err := engine.Execute(context.Background(), &Request{Command: ">>count the data"})
	require.NoError(t, err)
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Plain: the data")
}
