// Package strings normalises operator-supplied string lists.
package strings

import "strings"

// SplitList splits a comma-separated value and drops blanks and repeats.
func SplitList(v string) []string {
	return DedupeAndTrim(strings.Split(v, ","))
}

// DedupeAndTrim trims each element and removes empties and duplicates,
// keeping first-seen order.
func DedupeAndTrim(values []string) []string {
	return dedupe(values, strings.TrimSpace)
}

// DedupeAndTrimLower is DedupeAndTrim with case folding, for channel names
// and other identifiers compared case-insensitively.
func DedupeAndTrimLower(values []string) []string {
	return dedupe(values, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
}

func dedupe(values []string, norm func(string) string) []string {
	if values == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = norm(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
