package utils

import (
	"strings"
	"unicode"
)

// SanitizeString strips control characters from user-supplied text, keeping
// tabs and line breaks, and trims surrounding whitespace.
func SanitizeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			switch r {
			case '\n', '\r', '\t':
			default:
				continue
			}
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

// TruncateString caps s at maxLen bytes, marking the cut with an ellipsis
// when there is room for one.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen > 3 {
		return s[:maxLen-3] + "..."
	}
	return s[:maxLen]
}
