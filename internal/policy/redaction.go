package policy

import (
	"regexp"
	"strings"
)

var (
	bearerPattern   = regexp.MustCompile(`(?i)\b(bearer)\s+[A-Za-z0-9._~+/\-]+=*`)
	keyValuePattern = regexp.MustCompile(`(?i)\b((?:api[_-]?key|token|secret|password)["']?\s*[:=]\s*["']?)[^\s"',;&]+`)
	emailPattern    = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
)

// RedactSecrets masks credentials in diagnostic text before it is logged
// or returned to a client. Any explicitly passed secret values are masked
// verbatim first.
func RedactSecrets(input string, secrets ...string) (redacted string, changed bool) {
	out := input

	for _, s := range secrets {
		s = strings.TrimSpace(s)
		// Very short values would mask unrelated text.
		if len(s) < 6 {
			continue
		}
		next := strings.ReplaceAll(out, s, "[REDACTED_SECRET]")
		changed = changed || next != out
		out = next
	}

	next := bearerPattern.ReplaceAllString(out, "$1 [REDACTED_TOKEN]")
	changed = changed || next != out
	out = next

	next = keyValuePattern.ReplaceAllString(out, "${1}[REDACTED_SECRET]")
	changed = changed || next != out
	out = next

	next = emailPattern.ReplaceAllString(out, "[REDACTED_EMAIL]")
	changed = changed || next != out
	out = next

	return out, changed
}
