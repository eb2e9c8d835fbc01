package framework

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(defaultID string) *Registry {
	return NewRegistry([]*Framework{
		{ID: "cageerf", SystemPrompt: "Follow CAGEERF.", Gates: []string{"framework-compliance"}},
		{ID: "react", SystemPrompt: "Reason, then act."},
	}, defaultID)
}

func TestRegistry_Resolve(t *testing.T) {
	r := testRegistry("")

	f, err := r.Resolve("react")
	require.NoError(t, err)
	assert.Equal(t, "Reason, then act.", f.SystemPrompt)

	_, err = r.Resolve("ghost")
	assert.Error(t, err)
}

func TestRegistry_Resolve_Default(t *testing.T) {
	r := testRegistry("cageerf")

	f, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "cageerf", f.ID)

	noDefault := testRegistry("")
	f, err = noDefault.Resolve("")
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestRegistry_List_Sorted(t *testing.T) {
	r := testRegistry("")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "cageerf", list[0].ID)
	assert.Equal(t, "react", list[1].ID)
}
