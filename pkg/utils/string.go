package utils

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
)

// GenerateID generates a random ID with prefix.
func GenerateID(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, uuid.New().String())
}

// SanitizeString strips control characters from a string received over the
// wire (signaling messages, data-channel frames) before logging it.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString truncates a string to maxLen, replacing the cutoff with
// "..." (used when logging oversized signaling payloads).
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// JoinStrings joins strings with sep, skipping empty strings.
func JoinStrings(sep string, strs ...string) string {
	var nonEmpty []string
	for _, s := range strs {
		if s != "" {
			nonEmpty = append(nonEmpty, s)
		}
	}
	return strings.Join(nonEmpty, sep)
}

// IsEmpty reports whether a string is empty or only whitespace.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
