// Package nis implements the apcupsd Network Information Server protocol:
// the two wire framings, the KEY: VALUE status grammar and the local
// apcaccess fallback.
package nis

import (
	"strconv"
	"strings"
)

// StatusMap holds one poll's worth of daemon fields. Keys are stored upper
// case so lookups are case-insensitive.
type StatusMap map[string]string

// Parse reads KEY: VALUE lines. Lines without a colon or with an empty key
// are skipped and the last occurrence of a key wins.
func Parse(text string) StatusMap {
	m := make(StatusMap)
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		m[strings.ToUpper(key)] = strings.TrimSpace(value)
	}
	return m
}

// ParseLines splits a response into trimmed, non-blank lines.
func ParseLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// Get returns the value for key, case-insensitively.
func (m StatusMap) Get(key string) (string, bool) {
	v, ok := m[strings.ToUpper(key)]
	return v, ok
}

// Value returns the value for key or the empty string.
func (m StatusMap) Value(key string) string {
	v, _ := m.Get(key)
	return v
}

// Float returns the leading numeric token of the field, e.g. 120.3 for
// "120.3 Volts". Comma and dot are both accepted as the decimal separator.
func (m StatusMap) Float(key string) (float64, bool) {
	v, ok := m.Get(key)
	if !ok {
		return 0, false
	}
	return LeadingFloat(v)
}

// FloatPtr is Float returning nil when the field is absent or unparsable.
func (m StatusMap) FloatPtr(key string) *float64 {
	f, ok := m.Float(key)
	if !ok {
		return nil
	}
	return &f
}

// LeadingFloat parses the numeric prefix of s.
func LeadingFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && strings.IndexByte("+-0123456789.,", s[end]) >= 0 {
		end++
	}
	if end == 0 {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s[:end], ",", "."), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
