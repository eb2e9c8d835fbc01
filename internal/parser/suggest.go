package parser

import (
	"sort"
	"strings"
)

// maxSuggestionDistance bounds how far a candidate may be from the input to
// be offered as a correction.
const maxSuggestionDistance = 3

// Suggest returns up to three known prompt ids closest to the unknown input
// by Levenshtein distance, nearest first.
func Suggest(input string, available []string) []string {
	if input == "" || len(available) == 0 {
		return nil
	}
	input = strings.ToLower(input)

	type scored struct {
		id   string
		dist int
	}
	var candidates []scored
	for _, id := range available {
		d := levenshtein(input, strings.ToLower(id))
		if d <= maxSuggestionDistance {
			candidates = append(candidates, scored{id: id, dist: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})

	n := len(candidates)
	if n > 3 {
		n = 3
	}
	out := make([]string, 0, n)
	for _, c := range candidates[:n] {
		out = append(out, c.id)
	}
	return out
}

// levenshtein computes the edit distance between two strings using the
// two-row dynamic programming form.
func levenshtein(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}

	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min3(
				prev[j]+1,      // deletion
				curr[j-1]+1,    // insertion
				prev[j-1]+cost, // substitution
			)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
