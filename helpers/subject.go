package helpers

import (
	"strings"
)

// NormalizeSubject strips any stack of reply and forward prefixes
// ("Re:", "Re[2]:", "Fwd:", "FW:", "Forward:") and surrounding whitespace.
// Case of the remaining subject is preserved.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		old := s
		s = removeReplyPrefix(s)
		s = removeForwardPrefix(s)
		if old == s {
			return s
		}
	}
}

// ForwardSubject returns the subject used for a forwarded message.
func ForwardSubject(subject string) string {
	s := strings.TrimSpace(subject)
	if removeForwardPrefix(s) != s {
		return s
	}
	return "Fwd: " + s
}

// removeReplyPrefix removes reply prefixes like "Re:", "RE:", "Re[2]:", etc.
func removeReplyPrefix(s string) string {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	if strings.HasPrefix(upper, "RE:") {
		return strings.TrimSpace(s[3:])
	}

	if strings.HasPrefix(upper, "RE[") || strings.HasPrefix(upper, "RE(") {
		closeChar := ']'
		if s[2] == '(' {
			closeChar = ')'
		}
		closeIdx := strings.IndexRune(s[3:], closeChar)
		if closeIdx >= 0 {
			afterBracket := s[3+closeIdx+1:]
			if strings.HasPrefix(afterBracket, ":") {
				return strings.TrimSpace(afterBracket[1:])
			}
		}
	}

	return s
}

// removeForwardPrefix removes forward prefixes like "Fwd:", "FW:", "Forward:", etc.
func removeForwardPrefix(s string) string {
	s = strings.TrimSpace(s)
	upper := strings.ToUpper(s)

	for _, prefix := range []string{"FWD:", "FW:", "FORWARD:"} {
		if strings.HasPrefix(upper, prefix) {
			return strings.TrimSpace(s[len(prefix):])
		}
	}

	return s
}
