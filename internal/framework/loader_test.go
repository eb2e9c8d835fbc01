package framework

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()

	good := `id: cageerf
name: CAGEERF
system_prompt: "Work through context, analysis, goals."
gates:
  - completeness
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cageerf.yaml"), []byte(good), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("{not yaml"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no-id.yaml"), []byte("name: anonymous"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	fws, err := LoadDir(dir, nil)
	require.NoError(t, err)
	require.Len(t, fws, 1)
	assert.Equal(t, "cageerf", fws[0].ID)
	assert.Equal(t, []string{"completeness"}, fws[0].Gates)
}

func TestLoadDirMissingIsEmpty(t *testing.T) {
	fws, err := LoadDir(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	assert.Empty(t, fws)
}
