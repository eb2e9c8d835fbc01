package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefinition_EffectiveEnforcement(t *testing.T) {
	tests := []struct {
		name string
		def  Definition
		want Enforcement
	}{
		{"explicit wins over severity", Definition{Enforcement: EnforcementInformational, Severity: SeverityCritical}, EnforcementInformational},
		{"critical derives blocking", Definition{Severity: SeverityCritical}, EnforcementBlocking},
		{"error derives blocking", Definition{Severity: SeverityError}, EnforcementBlocking},
		{"warning derives advisory", Definition{Severity: SeverityWarning}, EnforcementAdvisory},
		{"info derives informational", Definition{Severity: SeverityInfo}, EnforcementInformational},
		{"unknown severity derives advisory", Definition{Severity: "odd"}, EnforcementAdvisory},
		{"empty derives advisory", Definition{}, EnforcementAdvisory},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.def.EffectiveEnforcement())
		})
	}
}

func TestDefinition_EffectiveMaxAttempts(t *testing.T) {
	assert.Equal(t, 5, (&Definition{MaxAttempts: 5}).EffectiveMaxAttempts())
	assert.Equal(t, DefaultMaxAttempts, (&Definition{}).EffectiveMaxAttempts())
	assert.Equal(t, DefaultMaxAttempts, (&Definition{MaxAttempts: -1}).EffectiveMaxAttempts())
}

func TestResolvePolicy_MostRestrictiveMode(t *testing.T) {
	defs := []*Definition{
		{ID: "a", Severity: SeverityInfo},
		{ID: "b", Severity: SeverityWarning},
		{ID: "c", Severity: SeverityCritical},
	}

	p := ResolvePolicy(defs)
	assert.Equal(t, EnforcementBlocking, p.Enforcement)
}

func TestResolvePolicy_MinAttempts(t *testing.T) {
	defs := []*Definition{
		{ID: "a", MaxAttempts: 5},
		{ID: "b", MaxAttempts: 2},
		{ID: "c"}, // defaults to 3
	}

	p := ResolvePolicy(defs)
	assert.Equal(t, 2, p.MaxAttempts)
}

func TestResolvePolicy_FlagsORed(t *testing.T) {
	defs := []*Definition{
		{ID: "a"},
		{ID: "b", RequireImprovementHints: true},
		{ID: "c", PreserveContext: true},
	}

	p := ResolvePolicy(defs)
	assert.True(t, p.ImprovementHints)
	assert.True(t, p.PreserveContext)
}

func TestResolvePolicy_OrderIndependent(t *testing.T) {
	forward := []*Definition{
		{ID: "a", Severity: SeverityInfo, MaxAttempts: 4},
		{ID: "b", Severity: SeverityError, MaxAttempts: 2, PreserveContext: true},
		{ID: "c", Severity: SeverityWarning, RequireImprovementHints: true},
	}
	reversed := []*Definition{forward[2], forward[1], forward[0]}

	assert.Equal(t, ResolvePolicy(forward), ResolvePolicy(reversed))
}

func TestResolvePolicy_EmptySet(t *testing.T) {
	p := ResolvePolicy(nil)
	assert.Equal(t, EnforcementInformational, p.Enforcement)
	assert.Equal(t, DefaultMaxAttempts, p.MaxAttempts)
	assert.False(t, p.ImprovementHints)
	assert.False(t, p.PreserveContext)
}

func TestResolvePolicy_SkipsNilDefinitions(t *testing.T) {
	p := ResolvePolicy([]*Definition{nil, {ID: "a", MaxAttempts: 1, Severity: SeverityError}, nil})
	assert.Equal(t, EnforcementBlocking, p.Enforcement)
	assert.Equal(t, 1, p.MaxAttempts)
}
