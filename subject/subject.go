// Package subject builds and matches the dotted NATS subjects that route
// every message in the system. A concrete subject has the fixed shape
// "{env}.{app}.{topic-or-domain.resource.action}"; subscription patterns
// may additionally use the NATS wildcards "*" (exactly one token) and ">"
// (one or more tokens, final position only).
package subject

import (
	"fmt"
	"strings"
)

// MaxLength caps the full subject string, matching the broker's limit.
const MaxLength = 255

// Subject is an immutable dotted subject. Equal subjects compare equal
// as strings.
type Subject string

func (s Subject) String() string { return string(s) }

// InvalidSubjectError reports a subject that failed construction or
// validation, with the offending value and the reason.
type InvalidSubjectError struct {
	Subject string
	Reason  string
}

func (e *InvalidSubjectError) Error() string {
	return fmt.Sprintf("invalid subject %q: %s", e.Subject, e.Reason)
}

func invalid(s, reason string) error {
	return &InvalidSubjectError{Subject: s, Reason: reason}
}

// FromTopic builds the concrete subject for a topic-form envelope.
// The topic is normalized before joining (see NormalizeTopic).
func FromTopic(env, app, topic string) (Subject, error) {
	if strings.TrimSpace(topic) == "" {
		return "", invalid(topic, "empty topic")
	}
	return join(env, app, NormalizeTopic(topic))
}

// FromEvent builds the concrete subject for a legacy
// domain/resource/action envelope.
func FromEvent(env, app, domain, resource, action string) (Subject, error) {
	if domain == "" || resource == "" || action == "" {
		return "", invalid(domain+"."+resource+"."+action, "domain, resource and action are all required")
	}
	tail := NormalizeToken(domain) + "." + NormalizeToken(resource) + "." + NormalizeToken(action)
	return join(env, app, tail)
}

// Pattern builds a subscription pattern "{env}.{app}.{pattern}". The
// pattern part may contain wildcards.
func Pattern(env, app, pattern string) (Subject, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", invalid(pattern, "empty pattern")
	}
	return join(env, app, NormalizeTopic(pattern))
}

// DLQ builds the dead-letter subject "{env}.{app}.{suffix}".
func DLQ(env, app, suffix string) (Subject, error) {
	if suffix == "" {
		suffix = "dlq"
	}
	return join(env, app, NormalizeToken(suffix))
}

func join(env, app, tail string) (Subject, error) {
	if env == "" || app == "" {
		return "", invalid(env+"."+app+"."+tail, "env and app are required")
	}
	s := NormalizeToken(env) + "." + NormalizeToken(app) + "." + tail
	if err := Validate(s); err != nil {
		return "", err
	}
	return Subject(s), nil
}

// Validate checks token charset, wildcard placement and length. It
// accepts both concrete subjects and patterns.
func Validate(s string) error {
	if s == "" {
		return invalid(s, "empty subject")
	}
	if len(s) > MaxLength {
		return invalid(s, fmt.Sprintf("longer than %d characters", MaxLength))
	}
	tokens := strings.Split(s, ".")
	for i, tok := range tokens {
		switch tok {
		case "":
			return invalid(s, "empty token")
		case "*":
			continue
		case ">":
			if i != len(tokens)-1 {
				return invalid(s, `">" may appear only as the final token`)
			}
		default:
			for _, r := range tok {
				if !isTokenRune(r) {
					return invalid(s, fmt.Sprintf("character %q not allowed in token %q", r, tok))
				}
			}
		}
	}
	return nil
}

func isTokenRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	}
	return false
}

// NormalizeToken lower-cases ASCII letters and replaces anything
// outside [a-z0-9_-] with "_".
func NormalizeToken(tok string) string {
	return normalize(tok, false)
}

// NormalizeTopic normalizes a dotted topic: letters are lower-cased and
// characters outside [a-z0-9_.>*-] become "_". Dots and wildcard
// characters are preserved.
func NormalizeTopic(topic string) string {
	return normalize(topic, true)
}

func normalize(s string, keepStructure bool) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		case keepStructure && (r == '.' || r == '*' || r == '>'):
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Match reports whether a concrete subject matches a pattern under
// standard NATS wildcard semantics: "*" matches exactly one token and
// ">" matches one or more trailing tokens.
func Match(pattern, concrete string) bool {
	pt := strings.Split(pattern, ".")
	ct := strings.Split(concrete, ".")

	for i, p := range pt {
		if p == ">" {
			// ">" must consume at least one token.
			return i < len(ct)
		}
		if i >= len(ct) {
			return false
		}
		if p != "*" && p != ct[i] {
			return false
		}
	}
	return len(pt) == len(ct)
}

// Overlaps reports whether some concrete subject matches both patterns.
// It is symmetric and reflexive.
func Overlaps(a, b string) bool {
	return overlapTokens(strings.Split(a, "."), strings.Split(b, "."))
}

func overlapTokens(a, b []string) bool {
	for {
		switch {
		case len(a) == 0 && len(b) == 0:
			return true
		case len(a) == 0 || len(b) == 0:
			return false
		case a[0] == ">":
			// ">" needs one or more tokens; b still has at least one.
			return true
		case b[0] == ">":
			return true
		case a[0] == "*" || b[0] == "*" || a[0] == b[0]:
			a, b = a[1:], b[1:]
		default:
			return false
		}
	}
}
