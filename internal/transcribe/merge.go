package transcribe

import "strings"

// Merge joins finalized recognition segments into one whitespace-separated
// transcript in arrival order. It is pure: merging the same sequence twice
// yields the same string.
func Merge(segments []string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if t := strings.TrimSpace(s); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}
