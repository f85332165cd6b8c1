package security

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Redaction patterns for subprocess output and diagnostics. Anything that
// looks like a credential assignment or bearer token is masked before the
// text can reach a log sink or a stored runtime_meta value.
var (
	secretAssignPattern = regexp.MustCompile(`(?i)(\b(?:vnc_password|lab_token|password|passwd|token|secret|api[_-]?key|authorization)\b["']?\s*[=:]\s*)\S+`)
	bearerPattern       = regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9._~+/=-]+`)
	basicAuthURLPattern = regexp.MustCompile(`(\w+://)[^/\s:@]+:[^/\s@]+@`)
)

// RedactSecrets masks credential values in free-form text. The key names
// stay visible so operators can still tell what was set.
func RedactSecrets(s string) string {
	s = bearerPattern.ReplaceAllString(s, "Bearer ***")
	s = secretAssignPattern.ReplaceAllString(s, "${1}***")
	s = basicAuthURLPattern.ReplaceAllString(s, "${1}***:***@")
	return s
}

// RedactPath keeps only the last two elements of a filesystem path so
// diagnostics stay useful without leaking host layout.
func RedactPath(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return p
	}
	parts := strings.Split(p, "/")
	if len(parts) <= 2 {
		return strings.TrimPrefix(p, "/")
	}
	return ".../" + strings.Join(parts[len(parts)-2:], "/")
}

// RedactOwner masks a tenant identifier down to its last four characters.
// Operator reports need to tell owners apart without exposing them.
func RedactOwner(owner string) string {
	if owner == "" {
		return ""
	}
	if len(owner) <= 4 {
		return "***"
	}
	return "***" + owner[len(owner)-4:]
}

// Truncate caps a string at n bytes without splitting a rune. Truncated
// output gets an explicit marker so nobody mistakes it for complete.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...(truncated)"
}

// Sanitize applies the full output hygiene chain used for subprocess
// stdout/stderr: redact credentials, then cap the size.
func Sanitize(s string, maxBytes int) string {
	return Truncate(RedactSecrets(s), maxBytes)
}
