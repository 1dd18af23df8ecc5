// Package scope implements the `service:resource.action` scope grammar and
// the wildcard-aware matching used by credentials, routes and policies.
package scope

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard matches any resource or action.
const Wildcard = "*"

// ErrMalformedScope is returned when a scope string lacks the service
// separator or the resource/action separator.
var ErrMalformedScope = errors.New("malformed-scope")

// Pattern is a parsed scope.
type Pattern struct {
	Service  string
	Resource string
	Action   string
	// Wildcard is true when Resource or Action is "*".
	Wildcard bool
}

// Parse splits a scope at the first ':' for the service and at the last '.'
// for the action, so resources may themselves contain dots.
func Parse(raw string) (Pattern, error) {
	raw = strings.TrimSpace(raw)
	service, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return Pattern{}, fmt.Errorf("%w: %q has no service separator", ErrMalformedScope, raw)
	}
	idx := strings.LastIndex(rest, ".")
	if idx < 0 {
		return Pattern{}, fmt.Errorf("%w: %q has no action separator", ErrMalformedScope, raw)
	}
	resource, action := rest[:idx], rest[idx+1:]
	if service == "" || resource == "" || action == "" {
		return Pattern{}, fmt.Errorf("%w: %q has an empty segment", ErrMalformedScope, raw)
	}
	return Pattern{
		Service:  service,
		Resource: resource,
		Action:   action,
		Wildcard: resource == Wildcard || action == Wildcard,
	}, nil
}

// MustParse is Parse for static configuration; it panics on error.
func MustParse(raw string) Pattern {
	p, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Pattern) String() string {
	return p.Service + ":" + p.Resource + "." + p.Action
}

// Covers reports whether p and other describe overlapping operations: same
// service, and resource and action each equal or wildcarded on either side.
func (p Pattern) Covers(other Pattern) bool {
	if p.Service != other.Service {
		return false
	}
	return segmentMatches(p.Resource, other.Resource) && segmentMatches(p.Action, other.Action)
}

// Matches reports whether a held scope satisfies a required scope. It fails
// closed: if either side does not parse, the answer is false.
func Matches(held, required string) bool {
	h, err := Parse(held)
	if err != nil {
		return false
	}
	r, err := Parse(required)
	if err != nil {
		return false
	}
	return h.Covers(r)
}

// MatchesAny reports whether held satisfies any of the required patterns.
func MatchesAny(held string, required []string) bool {
	for _, r := range required {
		if Matches(held, r) {
			return true
		}
	}
	return false
}

func segmentMatches(a, b string) bool {
	return a == b || a == Wildcard || b == Wildcard
}
