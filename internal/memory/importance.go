package memory

import "strings"

// ImportanceFunc reports whether an exchange carries identity context
// that trimming should favor over recency.
type ImportanceFunc func(Exchange) bool

// MarkerPhrases returns an ImportanceFunc that matches exchanges whose
// user or assistant text contains any of the phrases, ignoring case.
// Empty phrases are ignored; with no phrases nothing is important.
func MarkerPhrases(phrases ...string) ImportanceFunc {
	lowered := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			lowered = append(lowered, p)
		}
	}
	return func(ex Exchange) bool {
		text := strings.ToLower(ex.String())
		for _, p := range lowered {
			if strings.Contains(text, p) {
				return true
			}
		}
		return false
	}
}

// NeverImportant treats every exchange as ordinary, reducing trimming to
// pure recency.
func NeverImportant(Exchange) bool { return false }
