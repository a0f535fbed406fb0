package helpers

import (
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-imap/v2"
)

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
// PostgreSQL text columns reject NULL bytes, and diagnostic log entries built
// from header values must stay valid UTF-8.
func SanitizeUTF8(s string) string {
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}
		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeFlags drops flags an IMAP server would reject: empty or blank
// values, values containing whitespace, and NIL/NULL placeholders.
// Duplicates (compared case-insensitively) are removed, order is kept.
func SanitizeFlags(flags []imap.Flag) []imap.Flag {
	if len(flags) == 0 {
		return flags
	}

	seen := make(map[string]bool, len(flags))
	sanitized := make([]imap.Flag, 0, len(flags))
	for _, flag := range flags {
		flagStr := string(flag)
		flagUpper := strings.ToUpper(flagStr)

		if strings.TrimSpace(flagStr) == "" || strings.ContainsAny(flagStr, " \t\r\n") {
			continue
		}
		if strings.Contains(flagUpper, "NIL") || strings.Contains(flagUpper, "NULL") {
			continue
		}
		if seen[flagUpper] {
			continue
		}
		seen[flagUpper] = true
		sanitized = append(sanitized, flag)
	}

	return sanitized
}
