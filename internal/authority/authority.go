// Package authority converts validated JWT claims into the capability set
// used for authorization decisions on the resource server.
package authority

import (
	"slices"
	"strings"
)

// ScopePrefix marks authorities derived from the scope claim.
const ScopePrefix = "SCOPE_"

// Set is a collection of authority names. Identity is the full string.
type Set map[string]struct{}

// New returns a set holding the given authorities.
func New(names ...string) Set {
	s := make(Set, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether the authority is present.
func (s Set) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Sorted returns the authorities in lexical order.
func (s Set) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// FromClaims maps every scope to SCOPE_<scope> and every role to an
// authority of the same name, and returns the union. A missing claim
// contributes nothing.
func FromClaims(claims map[string]any) Set {
	s := make(Set)
	for _, scope := range stringList(claims["scope"], true) {
		s[ScopePrefix+scope] = struct{}{}
	}
	for _, role := range stringList(claims["roles"], false) {
		s[role] = struct{}{}
	}
	return s
}

// stringList reads a claim that may be a JSON array or a single string.
// Strings are split on whitespace only when split is set.
func stringList(v any, split bool) []string {
	var out []string
	add := func(s string) {
		if split {
			out = append(out, strings.Fields(s)...)
			return
		}
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch t := v.(type) {
	case string:
		add(t)
	case []string:
		for _, s := range t {
			add(s)
		}
	case []any:
		for _, e := range t {
			if s, ok := e.(string); ok {
				add(s)
			}
		}
	}
	return out
}
