package policy

import (
	"strings"

	"github.com/kagehq/keys-sub000/pkg/scope"
)

func matchAnyAction(patterns []string, action string) bool {
	for _, p := range patterns {
		if p == scope.Wildcard || p == action {
			return true
		}
	}
	return false
}

func matchAnyResource(patterns []string, resource string) bool {
	for _, p := range patterns {
		if MatchResource(p, resource) {
			return true
		}
	}
	return false
}

// MatchResource reports whether pattern covers resource. Patterns are an
// exact string, "*", or a segmented glob over ":" and "." where "*" stands
// for one segment and a trailing "*" for the rest:
//
//	"res:*"            matches "res:x" and "res:x.read"
//	"openai:chat.*"    matches "openai:chat.create"
//	"github:*.read"    matches "github:repos.read" but not "github:repos.write"
func MatchResource(pattern, resource string) bool {
	if pattern == scope.Wildcard || pattern == resource {
		return true
	}
	if scope.Matches(pattern, resource) {
		return true
	}
	ps := splitSegments(pattern)
	rs := splitSegments(resource)
	for i, seg := range ps {
		if i >= len(rs) {
			return false
		}
		if seg == scope.Wildcard {
			if i == len(ps)-1 {
				return true
			}
			continue
		}
		if seg != rs[i] {
			return false
		}
	}
	return len(ps) == len(rs)
}

func splitSegments(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '.' })
}
