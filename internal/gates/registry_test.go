package gates

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeGateFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestRegistry_Load(t *testing.T) {
	dir := t.TempDir()
	writeGateFile(t, dir, "security.yaml", `
id: security-review
name: Security Review
severity: critical
max_attempts: 2
guidance: Check for injection and secrets handling.
validating: true
`)
	writeGateFile(t, dir, "style.yml", `
id: style-check
severity: info
guidance: Prefer the project style guide.
`)
	writeGateFile(t, dir, "notes.txt", "not a gate")

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Load())

	assert.Equal(t, 2, r.Count())

	def := r.LoadGate("security-review")
	require.NotNil(t, def)
	assert.Equal(t, 2, def.MaxAttempts)
	assert.Equal(t, EnforcementBlocking, def.EffectiveEnforcement())
	assert.True(t, def.Validating)

	assert.Nil(t, r.LoadGate("missing"))
}

func TestRegistry_Load_MissingDirIsEmpty(t *testing.T) {
	r := NewRegistry(filepath.Join(t.TempDir(), "nope"), nil)
	require.NoError(t, r.Load())
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_Load_SkipsBrokenFiles(t *testing.T) {
	dir := t.TempDir()
	writeGateFile(t, dir, "ok.yaml", "id: good-gate\n")
	writeGateFile(t, dir, "broken.yaml", "id: [unclosed\n")
	writeGateFile(t, dir, "anon.yaml", "name: no id here\n")

	r := NewRegistry(dir, nil)
	require.NoError(t, r.Load())

	assert.Equal(t, 1, r.Count())
	assert.NotNil(t, r.LoadGate("good-gate"))
}

func TestRegistry_ActiveGates(t *testing.T) {
	r := NewRegistry("", nil)
	r.Replace([]*Definition{
		{ID: "g1", Guidance: "first guidance", Validating: true},
		{ID: "g2", Guidance: "second guidance"},
	})

	set := r.ActiveGates([]string{"g1", "g2", "ghost"}, ActivationContext{})

	require.Len(t, set.Active, 2)
	assert.Equal(t, "first guidance\n\nsecond guidance", set.Guidance)
	require.Len(t, set.Validation, 1)
	assert.Equal(t, "g1", set.Validation[0].ID)
	assert.Equal(t, []string{"ghost"}, set.Missing)
}

func TestRegistry_AutoActivated(t *testing.T) {
	r := NewRegistry("", nil)
	r.Replace([]*Definition{
		{ID: "chain-gate", AutoActivation: &AutoActivation{Strategies: []string{"chain"}}},
		{ID: "always-gate", AutoActivation: &AutoActivation{Always: true}},
		{ID: "code-gate", AutoActivation: &AutoActivation{Categories: []string{"code"}}},
		{ID: "manual-gate"},
	})

	ids := r.AutoActivated(ActivationContext{Strategy: "chain", Category: "docs"})
	assert.Equal(t, []string{"always-gate", "chain-gate"}, ids)

	ids = r.AutoActivated(ActivationContext{Strategy: "single", Category: "code"})
	assert.Equal(t, []string{"always-gate", "code-gate"}, ids)
}

func TestRegistry_Replace_Atomic(t *testing.T) {
	r := NewRegistry("", nil)
	r.Replace([]*Definition{{ID: "old"}})
	r.Replace([]*Definition{{ID: "new"}})

	assert.Nil(t, r.LoadGate("old"))
	assert.NotNil(t, r.LoadGate("new"))
}
