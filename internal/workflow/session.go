package workflow

import (
	"regexp"
	"strings"
)

// Session references come in two surface syntaxes: a bare step id, or
// the templated output expression a workflow author copies out of a
// step block. Whitespace inside the braces is tolerated; missing braces
// or stray punctuation are not.
var (
	bareSessionRef      = regexp.MustCompile(`^[A-Za-z0-9_]+$`)
	templatedSessionRef = regexp.MustCompile(`^\$\{\{\s*steps\s*\.\s*([A-Za-z0-9_]+)\s*\.\s*outputs\s*\.\s*session_id\s*\}\}$`)
)

// GetSessionReference extracts the referenced step id from a raw
// resume_session value. It returns "" when the value matches neither
// grammar. The function is pure and total: any input yields a result,
// never a panic.
func GetSessionReference(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ""
	}
	if bareSessionRef.MatchString(trimmed) {
		return trimmed
	}
	if m := templatedSessionRef.FindStringSubmatch(trimmed); m != nil {
		return m[1]
	}
	return ""
}
