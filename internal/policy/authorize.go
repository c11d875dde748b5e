package policy

import (
	"regexp"
	"strings"
)

// OriginPolicy decides which browser origins may call the API.
// Entries are exact origins or patterns with a single "*" wildcard,
// e.g. "http://localhost:*".
type OriginPolicy struct {
	allowAny bool
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

func NewOriginPolicy(origins []string, allowAny bool) *OriginPolicy {
	p := &OriginPolicy{allowAny: allowAny, exact: map[string]struct{}{}}
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch {
		case o == "":
			continue
		case o == "*":
			p.allowAny = true
		case strings.Contains(o, "*"):
			expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(o), `\*`, `[^/]*`) + "$"
			p.patterns = append(p.patterns, regexp.MustCompile("(?i)"+expr))
		default:
			p.exact[strings.ToLower(o)] = struct{}{}
		}
	}
	return p
}

func (p *OriginPolicy) AllowAny() bool { return p.allowAny }

// Allowed reports whether a request carrying the Origin header may proceed.
// A missing origin (non-browser client) is always allowed.
func (p *OriginPolicy) Allowed(origin string) bool {
	origin = strings.TrimRight(strings.TrimSpace(origin), "/")
	if origin == "" || p.allowAny {
		return true
	}
	if _, ok := p.exact[strings.ToLower(origin)]; ok {
		return true
	}
	for _, re := range p.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
