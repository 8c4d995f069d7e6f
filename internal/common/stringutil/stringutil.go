// Package stringutil provides common string utility functions.
package stringutil

// TruncateRunes truncates a string to at most maxRunes Unicode scalar
// values. Byte-based slicing would split multi-byte characters, so run
// summaries and error strings go through this instead.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes])
}

// TruncateString truncates a string to a maximum byte length.
// If the string is shorter than maxLen, it returns the original string.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
