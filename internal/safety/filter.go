// Package safety guards the MCP tool surface and the notification fan-out:
// audit logging of tool calls, confirmation tokens for destructive tools and
// glob allow/deny filtering of notification categories.
package safety

import (
	"path/filepath"
	"strings"
)

// Filter admits names using an allowlist and a denylist of glob patterns
// (filepath.Match syntax, e.g. "battery-*").
//
// Matching is case-insensitive and blank patterns are ignored.
//
// Rules:
//   - If both lists are empty, every name is allowed.
//   - The denylist is checked first and always wins.
//   - With a non-empty allowlist, a name must match one of its patterns.
type Filter struct {
	allowlist []string
	denylist  []string
}

// NewFilter constructs a Filter from the provided allowlist and denylist
// pattern slices. Either or both may be nil or empty.
func NewFilter(allowlist, denylist []string) *Filter {
	return &Filter{
		allowlist: normalizePatterns(allowlist),
		denylist:  normalizePatterns(denylist),
	}
}

func normalizePatterns(patterns []string) []string {
	var out []string
	for _, p := range patterns {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAllowed reports whether name is permitted by this filter. A nil Filter
// allows everything.
func (f *Filter) IsAllowed(name string) bool {
	if f == nil {
		return true
	}
	name = strings.ToLower(name)
	for _, pattern := range f.denylist {
		if matchGlob(pattern, name) {
			return false
		}
	}

	if len(f.allowlist) == 0 {
		return true
	}
	for _, pattern := range f.allowlist {
		if matchGlob(pattern, name) {
			return true
		}
	}
	return false
}

// matchGlob treats malformed patterns as non-matching.
func matchGlob(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
