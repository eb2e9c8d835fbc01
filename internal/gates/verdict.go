package gates

import (
	"regexp"
	"strings"
)

// Outcome is the judgment applied to a pending gate review.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
)

// Verdict is a parsed PASS/FAIL judgment with its rationale.
type Verdict struct {
	Outcome   Outcome `json:"outcome"`
	Rationale string  `json:"rationale"`

	// Pattern names the matcher that produced the verdict, for diagnostics.
	Pattern string `json:"pattern"`
}

// Passed reports whether the verdict is a PASS.
func (v *Verdict) Passed() bool {
	return v.Outcome == OutcomePass
}

// verdictMatcher is one entry in the ordered matcher cascade. Matchers run
// most specific first; the first match with a non-empty rationale wins.
type verdictMatcher struct {
	name string
	re   *regexp.Regexp

	// minimal matchers are disabled when parsing free text (an ordinary
	// user_response rather than an explicit verdict field) to avoid treating
	// incidental "PASS"/"FAIL" lines as verdicts.
	minimal bool
}

var verdictMatchers = []verdictMatcher{
	{
		name: "gate_review",
		re:   regexp.MustCompile(`(?mi)^\s*GATE_REVIEW:\s*(PASS|FAIL)\s*[-:\x{2013}\x{2014}]\s*(.*)$`),
	},
	{
		name: "gate_prefixed",
		re:   regexp.MustCompile(`(?mi)^\s*GATE\s+(PASS|FAIL):\s*(.*)$`),
	},
	{
		name:    "bare",
		re:      regexp.MustCompile(`(?mi)^\s*(PASS|FAIL)\s*[-:]\s*(.*)$`),
		minimal: true,
	},
}

// ParseVerdict matches free-text against the ordered verdict pattern cascade.
// explicitField must be true when the text came from a dedicated verdict
// field; the minimal bare pattern is disabled for ordinary free text. A match
// whose rationale is empty is discarded and the next pattern is tried. The
// second return is false when no pattern produced a usable verdict; callers
// treat that as "no verdict detected", never as a hard failure.
func ParseVerdict(text string, explicitField bool) (*Verdict, bool) {
	if strings.TrimSpace(text) == "" {
		return nil, false
	}

	for _, m := range verdictMatchers {
		if m.minimal && !explicitField {
			continue
		}
		groups := m.re.FindStringSubmatch(text)
		if groups == nil {
			continue
		}
		rationale := strings.TrimSpace(groups[2])
		if rationale == "" {
			continue
		}
		return &Verdict{
			Outcome:   Outcome(strings.ToUpper(groups[1])),
			Rationale: rationale,
			Pattern:   m.name,
		}, true
	}
	return nil, false
}
