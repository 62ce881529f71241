// Package logsanitize cleans untrusted values (response bodies, request
// headers, socket input) before they reach the log.
package logsanitize

import (
	"strings"
	"unicode/utf8"
)

// MaxLen is the longest value Sanitize returns, in bytes, before the
// truncation marker.
const MaxLen = 256

const truncated = "...(truncated)"

// Sanitize replaces control characters with '_' so a value cannot forge log
// lines (CWE-117), and caps it at MaxLen bytes. Tabs are kept.
func Sanitize(s string) string {
	return SanitizeN(s, MaxLen)
}

// SanitizeN is Sanitize with an explicit length cap. n <= 0 disables the cap.
func SanitizeN(s string, n int) string {
	cut := false
	if n > 0 && len(s) > n {
		s = s[:n]
		// Do not leave half a rune behind.
		for len(s) > 0 {
			r, size := utf8.DecodeLastRuneInString(s)
			if r != utf8.RuneError || size != 1 {
				break
			}
			s = s[:len(s)-1]
		}
		cut = true
	}

	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return r
		case r < 0x20, r >= 0x7f && r <= 0x9f:
			return '_'
		default:
			return r
		}
	}, s)

	if cut {
		return s + truncated
	}
	return s
}
