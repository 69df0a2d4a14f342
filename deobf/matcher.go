package deobf

import (
	"fmt"
	"strings"
)

// DefaultTarget is the decode method matched when no targets are configured.
const DefaultTarget = "System.Convert::FromBase64String"

// Matcher selects decode targets by "Namespace.Type::Method" patterns.
//
// Supports patterns like:
//   - "System.Convert::FromBase64String" - exact match
//   - "Obf.Strings::*" - every method of a type
//   - "*::Decode" - a method name on any type
type Matcher struct {
	exact    map[string]bool // "Type::Method"
	types    map[string]bool // "Type::*"
	names    map[string]bool // "*::Method"
	patterns []string
}

// NewMatcher parses patterns. An empty list matches DefaultTarget.
func NewMatcher(patterns []string) (*Matcher, error) {
	if len(patterns) == 0 {
		patterns = []string{DefaultTarget}
	}
	m := &Matcher{
		exact: make(map[string]bool),
		types: make(map[string]bool),
		names: make(map[string]bool),
	}
	for _, p := range patterns {
		typeName, method, ok := strings.Cut(strings.TrimSpace(p), "::")
		if !ok || typeName == "" || method == "" {
			return nil, fmt.Errorf("target %q: want Namespace.Type::Method", p)
		}
		switch {
		case typeName == "*" && method == "*":
			return nil, fmt.Errorf("target %q matches every call", p)
		case method == "*":
			m.types[typeName] = true
		case typeName == "*":
			m.names[method] = true
		default:
			m.exact[typeName+"::"+method] = true
		}
		m.patterns = append(m.patterns, typeName+"::"+method)
	}
	return m, nil
}

// Match reports whether typeName::method is a decode target.
func (m *Matcher) Match(typeName, method string) bool {
	if m.types[typeName] || m.names[method] {
		return true
	}
	return m.exact[typeName+"::"+method]
}

// Patterns returns the normalized patterns.
func (m *Matcher) Patterns() []string {
	return m.patterns
}
