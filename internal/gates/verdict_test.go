package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdict_GateReviewPattern(t *testing.T) {
	v, ok := ParseVerdict("GATE_REVIEW: PASS - looks correct", false)

	require.True(t, ok)
	assert.Equal(t, OutcomePass, v.Outcome)
	assert.Equal(t, "looks correct", v.Rationale)
	assert.True(t, v.Passed())
}

func TestParseVerdict_GatePrefixedPattern(t *testing.T) {
	v, ok := ParseVerdict("GATE FAIL: missing error handling on the save path", false)

	require.True(t, ok)
	assert.Equal(t, OutcomeFail, v.Outcome)
	assert.Equal(t, "missing error handling on the save path", v.Rationale)
	assert.False(t, v.Passed())
}

func TestParseVerdict_BareRequiresExplicitField(t *testing.T) {
	// From a free-text user_response the minimal pattern is disabled.
	_, ok := ParseVerdict("PASS - ok", false)
	assert.False(t, ok)

	// From an explicit verdict field it parses.
	v, ok := ParseVerdict("PASS - ok", true)
	require.True(t, ok)
	assert.Equal(t, OutcomePass, v.Outcome)
	assert.Equal(t, "ok", v.Rationale)
}

func TestParseVerdict_EmptyRationaleDiscarded(t *testing.T) {
	_, ok := ParseVerdict("GATE FAIL:", true)
	assert.False(t, ok)

	_, ok = ParseVerdict("GATE_REVIEW: PASS -   ", true)
	assert.False(t, ok)
}

func TestParseVerdict_MostSpecificPatternWins(t *testing.T) {
	v, ok := ParseVerdict("GATE_REVIEW: FAIL - rationale here", true)

	require.True(t, ok)
	assert.Equal(t, "gate_review", v.Pattern)
	assert.Equal(t, OutcomeFail, v.Outcome)
}

func TestParseVerdict_MatchInsideLongerText(t *testing.T) {
	text := "Here is my review of the step.\n\nGATE_REVIEW: FAIL - the output skips step two\n\nPlease retry."

	v, ok := ParseVerdict(text, false)

	require.True(t, ok)
	assert.Equal(t, OutcomeFail, v.Outcome)
	assert.Equal(t, "the output skips step two", v.Rationale)
}

func TestParseVerdict_NoVerdict(t *testing.T) {
	for _, text := range []string{
		"",
		"   ",
		"the tests pass and everything looks fine",
		"PASSING thoughts on the matter",
	} {
		_, ok := ParseVerdict(text, false)
		assert.False(t, ok, "input %q should not parse", text)
	}
}

func TestParseVerdict_CaseInsensitive(t *testing.T) {
	v, ok := ParseVerdict("gate_review: pass - normalized", false)

	require.True(t, ok)
	assert.Equal(t, OutcomePass, v.Outcome)
}
