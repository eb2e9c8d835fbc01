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

type engineFixture struct {
	engine *Engine
	store  *session.Store
	gates  *gates.Registry
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()

	library := prompts.NewDirLibrary("", nil)
	library.Replace([]*prompts.Prompt{
		{ID: "analyze", Template: "Analyze this: {{input}}"},
		{ID: "summarize", Template: "Summarize: {{step_1_output}}"},
		{ID: "review", Template: "Review carefully: {{input}}", Gates: []string{"thorough"}},
		{ID: "triage", Template: "Triage: {{input}}", Gates: []string{"style-check"}},
	})

	registry := gates.NewRegistry("", nil)
	registry.Replace([]*gates.Definition{
		{
			ID:          "thorough",
			Description: "response addresses every part of the input",
			Severity:    gates.SeverityError,
			MaxAttempts: 2,
			Validating:  true,
			Guidance:    "Be exhaustive.",
		},
		{
			ID:          "style-check",
			Description: "response follows the house style",
			Enforcement: gates.EnforcementAdvisory,
			Validating:  true,
		},
	})

	frameworks := framework.NewRegistry([]*framework.Framework{
		{ID: "socratic", Name: "Socratic questioning", SystemPrompt: "Question every assumption."},
	}, "")

	store, err := session.NewStore(session.DefaultConfig("/data"), afero.NewMemMapFs(), nil)
	require.NoError(t, err)

	engine, err := NewEngine(library, registry, frameworks, store, nil)
	require.NoError(t, err)

	return &engineFixture{engine: engine, store: store, gates: registry}
}

func (f *engineFixture) execute(t *testing.T, req *Request) *Response {
	t.Helper()
	resp, err := f.engine.Execute(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func TestEngineSinglePrompt(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config"})
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Analyze this: my config")
	assert.Equal(t, 0, f.store.Count())
}

func TestEngineUnknownPromptSuggests(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analize my config"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "analyze")
}

func TestEngineEmptyRequest(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "nothing to execute")
}

func TestEngineJudgeMenu(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config %judge"})
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "@socratic")
	assert.Contains(t, resp.Text, "selected_gates")
	assert.Contains(t, resp.Text, "Styles:")
	assert.Contains(t, resp.Text, "#analytical")
	// The menu is terminal; nothing was executed.
	assert.Equal(t, 0, f.store.Count())
}

func TestEngineJudgeMenuShowsSelectedStyle(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config #procedural %judge"})
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "(selected: #procedural)")
}

func TestEngineExecutionModeMismatch(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config @socratic", ExecutionMode: "chain"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "execution_mode")

	resp = f.execute(t, &Request{Command: ">>review the patch --> >>summarize findings", ExecutionMode: "prompt"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "multi-step chain")

	// Matching hints and unknown hints both proceed.
	resp = f.execute(t, &Request{Command: ">>analyze my config @socratic", ExecutionMode: "prompt"})
	assert.False(t, resp.IsError)

	resp = f.execute(t, &Request{Command: ">>analyze my config @socratic", ExecutionMode: "bogus"})
	assert.False(t, resp.IsError)
}

func TestEngineFrameworkInjection(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config @socratic"})
	assert.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Question every assumption.")
	assert.Contains(t, resp.Text, "Analyze this: my config")
}

func TestEngineUnknownFramework(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze my config @missing"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "missing")
}

func TestEngineChainEndToEnd(t *testing.T) {
	f := newEngineFixture(t)

	first := f.execute(t, &Request{Command: ">>analyze my config --> >>summarize"})
	require.False(t, first.IsError)
	assert.Contains(t, first.Text, "Step 1/2")
	assert.Contains(t, first.Text, "Analyze this: my config")

	sess, err := f.store.LatestRun("analyze")
	require.NoError(t, err)
	assert.Equal(t, "analyze#1", sess.ChainID)
	assert.Equal(t, 1, sess.State.CurrentStep)
	assert.Contains(t, first.Text, sess.SessionID)

	second := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "config is too permissive"})
	require.False(t, second.IsError)
	assert.Contains(t, second.Text, "Step 2/2")
	assert.Contains(t, second.Text, "Summarize: config is too permissive")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sess.State.CurrentStep)

	third := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "tighten the defaults"})
	require.False(t, third.IsError)
	assert.Contains(t, third.Text, "complete")
	assert.Contains(t, third.Text, "tighten the defaults")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Complete())
}

func TestEngineChainSurvivesRestart(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := session.DefaultConfig("/data")

	f := newEngineFixture(t)
	store, err := session.NewStore(cfg, fs, nil)
	require.NoError(t, err)
	f.store = store
	f.engine, err = NewEngine(
		promptLibrary(), f.gates, framework.NewRegistry(nil, ""), store, nil)
	require.NoError(t, err)

	first := f.execute(t, &Request{Command: ">>analyze my config --> >>summarize"})
	require.False(t, first.IsError)
	sess, err := store.LatestRun("analyze")
	require.NoError(t, err)

	// New store over the same filesystem simulates a process restart.
	reloaded, err := session.NewStore(cfg, fs, nil)
	require.NoError(t, err)
	engine, err := NewEngine(promptLibrary(), f.gates, framework.NewRegistry(nil, ""), reloaded, nil)
	require.NoError(t, err)

	resp, err := engine.Execute(context.Background(), &Request{
		SessionID:    sess.SessionID,
		UserResponse: "found two issues",
	})
	require.NoError(t, err)
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Summarize: found two issues")
}

func promptLibrary() *prompts.DirLibrary {
	library := prompts.NewDirLibrary("", nil)
	library.Replace([]*prompts.Prompt{
		{ID: "analyze", Template: "Analyze this: {{input}}"},
		{ID: "summarize", Template: "Summarize: {{step_1_output}}"},
	})
	return library
}

func TestEngineForceRestartStartsNewRun(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>analyze first --> >>summarize"})
	resp := f.execute(t, &Request{Command: ">>analyze second --> >>summarize", ForceRestart: true})
	require.False(t, resp.IsError)

	sess, err := f.store.LatestRun("analyze")
	require.NoError(t, err)
	assert.Equal(t, "analyze#2", sess.ChainID)
	assert.Contains(t, resp.Text, "Analyze this: second")
}

func TestEngineResumesActiveRunByDefault(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>analyze first --> >>summarize"})
	resp := f.execute(t, &Request{Command: ">>analyze first --> >>summarize"})
	require.False(t, resp.IsError)

	// Still run #1: the active run was resumed, not replaced.
	sess, err := f.store.LatestRun("analyze")
	require.NoError(t, err)
	assert.Equal(t, "analyze#1", sess.ChainID)
	assert.Equal(t, 1, f.store.Count())
}

func TestEngineGateReviewPassAdvances(t *testing.T) {
	f := newEngineFixture(t)

	first := f.execute(t, &Request{Command: ">>review the deploy script"})
	require.False(t, first.IsError)
	assert.Contains(t, first.Text, "Review carefully: the deploy script")
	// Gated single prompts run inside a one-step session.
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)

	second := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "looks safe to me"})
	require.False(t, second.IsError)
	assert.Contains(t, second.Text, "Gate review required")
	assert.Contains(t, second.Text, "thorough")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingReview)
	assert.Equal(t, 2, sess.PendingReview.MaxAttempts)

	third := f.execute(t, &Request{
		SessionID:   sess.SessionID,
		GateVerdict: "GATE_REVIEW: PASS - every part addressed",
	})
	require.False(t, third.IsError)
	assert.Contains(t, third.Text, "Gate passed")
	assert.Contains(t, third.Text, "complete")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.PendingReview)
	assert.True(t, sess.Complete())
}

func TestEngineBlockingGateExhaustion(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>review the deploy script"})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)

	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})

	fail1 := f.execute(t, &Request{
		SessionID:   sess.SessionID,
		GateVerdict: "GATE_REVIEW: FAIL - missed the rollback path",
	})
	require.False(t, fail1.IsError)
	assert.Contains(t, fail1.Text, "1 attempt(s) remaining")

	fail2 := f.execute(t, &Request{
		SessionID:   sess.SessionID,
		GateVerdict: "GATE_REVIEW: FAIL - still incomplete",
	})
	require.False(t, fail2.IsError)
	assert.Contains(t, fail2.Text, "Retry limit reached")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingReview)
	assert.True(t, sess.PendingReview.RetryLimitExceeded)
	// Still on step 1: failed reviews never advance.
	assert.Equal(t, 1, sess.State.CurrentStep)
}

func TestEngineGateActionSkip(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>review the deploy script"})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)
	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - nope"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - still nope"})

	resp := f.execute(t, &Request{SessionID: sess.SessionID, GateAction: "skip"})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "skipped")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.PendingReview)
	assert.True(t, sess.Complete())
}

func TestEngineGateActionAbort(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>review the deploy script"})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)
	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - nope"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - still nope"})

	resp := f.execute(t, &Request{SessionID: sess.SessionID, GateAction: "abort"})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "aborted")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.True(t, sess.Aborted)
	assert.True(t, sess.Dormant())
}

func TestEngineGateActionRetryResetsCounter(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>review the deploy script"})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)
	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - nope"})
	f.execute(t, &Request{SessionID: sess.SessionID, GateVerdict: "GATE_REVIEW: FAIL - still nope"})

	resp := f.execute(t, &Request{SessionID: sess.SessionID, GateAction: "retry"})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "reset")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingReview)
	assert.Equal(t, 0, sess.PendingReview.AttemptCount)
	assert.False(t, sess.PendingReview.RetryLimitExceeded)
}

func TestEngineAdvisoryGateFailureContinues(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>triage the incident"})
	sess, err := f.store.LatestRun("triage")
	require.NoError(t, err)
	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "sev2, paging oncall"})

	resp := f.execute(t, &Request{
		SessionID:   sess.SessionID,
		GateVerdict: "GATE_REVIEW: FAIL - tone is off",
	})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "non-blocking")
	assert.Contains(t, resp.Text, "complete")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.Nil(t, sess.PendingReview)
	assert.True(t, sess.Complete())
}

func TestEngineInlineCriteriaOpenReview(t *testing.T) {
	f := newEngineFixture(t)

	first := f.execute(t, &Request{Command: `>>analyze the parser :: "mentions error handling"`})
	require.False(t, first.IsError)

	sess, err := f.store.LatestRun("analyze")
	require.NoError(t, err)

	second := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "the parser is fine"})
	require.False(t, second.IsError)
	assert.Contains(t, second.Text, "mentions error handling")
	assert.Contains(t, second.Text, "GATE_REVIEW")
}

func TestEngineVerdictWithoutRationaleReprompts(t *testing.T) {
	f := newEngineFixture(t)

	f.execute(t, &Request{Command: ">>review the deploy script"})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)
	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})

	resp := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "GATE_REVIEW: PASS -"})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "No gate verdict detected")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	assert.NotNil(t, sess.PendingReview)
}

func TestEngineUnknownSession(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{SessionID: "missing", UserResponse: "hello"})
	assert.True(t, resp.IsError)
	assert.Contains(t, resp.Text, "missing")
}

func TestEngineParallelOperatorWarnsAndRuns(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>analyze cmd/ || >>analyze pkg/"})
	require.False(t, resp.IsError)
	assert.NotEmpty(t, resp.Text)
}

func TestEngineTemporaryGatesRequireReview(t *testing.T) {
	f := newEngineFixture(t)

	first := f.execute(t, &Request{
		Command:        ">>analyze the release notes",
		TemporaryGates: []string{"thorough"},
	})
	require.False(t, first.IsError)

	sess, err := f.store.LatestRun("analyze")
	require.NoError(t, err)

	second := f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "notes look complete"})
	require.False(t, second.IsError)
	assert.Contains(t, second.Text, "thorough")

	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingReview)
	assert.Equal(t, []string{"thorough"}, sess.PendingReview.GateIDs)
}

func TestEngineGateGuidanceInjected(t *testing.T) {
	f := newEngineFixture(t)

	resp := f.execute(t, &Request{Command: ">>review the deploy script"})
	require.False(t, resp.IsError)
	assert.Contains(t, resp.Text, "Be exhaustive.")
}

func TestEngineStrictlyHigherSourceWins(t *testing.T) {
	f := newEngineFixture(t)

	// The same gate arrives from prompt config and as a temporary request;
	// one review covers it once.
	f.execute(t, &Request{
		Command:        ">>review the deploy script",
		TemporaryGates: []string{"thorough"},
	})
	sess, err := f.store.LatestRun("review")
	require.NoError(t, err)

	f.execute(t, &Request{SessionID: sess.SessionID, UserResponse: "done"})
	sess, err = f.store.GetSession(sess.SessionID)
	require.NoError(t, err)
	require.NotNil(t, sess.PendingReview)
	assert.Equal(t, []string{"thorough"}, sess.PendingReview.GateIDs)
}
