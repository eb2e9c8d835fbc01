package parser

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

const chainDelimiter = "-->"

var (
	gateCriteriaRe = regexp.MustCompile(`::\s*"([^"]+)"`)
	gateIDRe       = regexp.MustCompile(`::\s*([A-Za-z0-9][\w-]*)`)
	frameworkRe    = regexp.MustCompile(`(^|\s)@([A-Za-z][\w-]*)`)
	styleRe        = regexp.MustCompile(`(^|\s)#([A-Za-z][\w-]*)`)
	modifierRe     = regexp.MustCompile(`(^|\s)%([A-Za-z][\w-]*)`)
	repetitionRe   = regexp.MustCompile(`(^|\s)\*\s*(\d+)\s*$`)
)

// splitChain splits a command on the --> delimiter, ignoring delimiters
// inside single or double quotes. A quote only opens at a token boundary,
// so an apostrophe inside a word (don't, user's) never swallows the rest of
// the chain. A command without the delimiter comes back as a single element.
func splitChain(command string) []string {
	var (
		parts   []string
		current strings.Builder
		quote   rune
	)

	runes := []rune(command)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		atBoundary := i == 0 || unicode.IsSpace(runes[i-1])

		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			current.WriteRune(r)
		case (r == '"' || r == '\'') && atBoundary:
			quote = r
			current.WriteRune(r)
		case r == '-' && strings.HasPrefix(string(runes[i:]), chainDelimiter):
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
			i += len(chainDelimiter) - 1
		default:
			current.WriteRune(r)
		}
	}
	parts = append(parts, strings.TrimSpace(current.String()))
	return parts
}

// extractGates pulls every inline gate operator out of the text and returns
// the remainder. The quoted criteria form is matched before the identifier
// form so `:: "check the output"` never half-parses as an id.
func extractGates(text string) (string, []InlineGate) {
	var gates []InlineGate

	text = gateCriteriaRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := gateCriteriaRe.FindStringSubmatch(m)
		gates = append(gates, InlineGate{Criteria: groups[1]})
		return ""
	})
	text = gateIDRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := gateIDRe.FindStringSubmatch(m)
		gates = append(gates, InlineGate{GateID: groups[1]})
		return ""
	})
	return strings.TrimSpace(text), gates
}

// extractFramework pulls the first @framework annotation and returns the
// remainder.
func extractFramework(text string) (string, string) {
	var framework string
	text = frameworkRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := frameworkRe.FindStringSubmatch(m)
		if framework == "" {
			framework = groups[2]
		}
		return groups[1]
	})
	return strings.TrimSpace(text), framework
}

// extractStyle pulls the first #style annotation and returns the remainder.
func extractStyle(text string) (string, string) {
	var style string
	text = styleRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := styleRe.FindStringSubmatch(m)
		if style == "" {
			style = groups[2]
		}
		return groups[1]
	})
	return strings.TrimSpace(text), style
}

// extractModifiers pulls every %modifier annotation and returns the
// remainder. Modifiers are execution-level switches (e.g. %judge) stripped
// before prompt-level parsing.
func extractModifiers(text string) (string, []string) {
	var mods []string
	text = modifierRe.ReplaceAllStringFunc(text, func(m string) string {
		groups := modifierRe.FindStringSubmatch(m)
		mods = append(mods, groups[2])
		return groups[1]
	})
	return strings.TrimSpace(text), mods
}

// extractRepetition pulls a trailing "* N" repetition marker and returns the
// remainder plus the repeat count. Text without the marker (or with a
// nonsensical count) repeats once.
func extractRepetition(text string) (string, int) {
	groups := repetitionRe.FindStringSubmatch(text)
	if groups == nil {
		return text, 1
	}
	n, err := strconv.Atoi(groups[2])
	if err != nil || n < 1 {
		return text, 1
	}
	return strings.TrimSpace(repetitionRe.ReplaceAllString(text, "")), n
}

// detectParallel reports whether the text carries a parallel-group marker.
func detectParallel(text string) bool {
	return strings.Contains(text, "||")
}

// detectConditional reports whether the text carries a conditional marker.
func detectConditional(text string) bool {
	return strings.Contains(text, "?>")
}

// classifyComplexity derives the telemetry classification from the detected
// operators: chains and operator combinations are complex, a single operator
// kind is moderate, anything else is simple.
func classifyComplexity(ops *OperatorDetectionResult) Complexity {
	kinds := 0
	if len(ops.InlineGates) > 0 {
		kinds++
	}
	if ops.Framework != "" {
		kinds++
	}
	if ops.Style != "" {
		kinds++
	}
	if len(ops.Modifiers) > 0 {
		kinds++
	}
	if ops.HasParallel {
		kinds++
	}
	if ops.HasConditional {
		kinds++
	}
	if ops.HasRepetition {
		kinds++
	}

	switch {
	case ops.HasChain || kinds >= 2:
		return ComplexityComplex
	case kinds == 1:
		return ComplexityModerate
	default:
		return ComplexitySimple
	}
}
