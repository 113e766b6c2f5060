// Package pvd implements Provisioning Domain (PvD) selection and process binding.
//
// A PvD is a named set of network configuration parameters, identified by a
// DNS-style domain name (e.g. "video.example.").
//
// Reference: https://datatracker.ietf.org/doc/html/rfc7556
package pvd

import (
	"slices"
	"strings"
)

// DefaultKey is the reserved mapping key holding the globally usable PvDs.
const DefaultKey = "default"

type entry struct {
	pattern string
	names   []string
}

// Mapping maps host name substrings to ordered lists of PvD names.
// Iteration order is the order in which keys were first inserted.
//
// A Mapping is built once and then only read, so concurrent reads are safe
// as long as nobody calls Set after it has been shared.
type Mapping struct {
	entries []entry
	index   map[string]int
}

func NewMapping() *Mapping {
	return &Mapping{index: make(map[string]int)}
}

// Set inserts or replaces the names for pattern.
// A replaced key keeps the position of its first insertion.
func (m *Mapping) Set(pattern string, names []string) {
	names = slices.Clone(names)
	if idx, ok := m.index[pattern]; ok {
		m.entries[idx].names = names
		return
	}

	m.index[pattern] = len(m.entries)
	m.entries = append(m.entries, entry{pattern: pattern, names: names})
}

// Get returns a copy of the names stored for pattern.
func (m *Mapping) Get(pattern string) ([]string, bool) {
	if m == nil {
		return nil, false
	}
	idx, ok := m.index[pattern]
	if !ok {
		return nil, false
	}
	return slices.Clone(m.entries[idx].names), true
}

func (m *Mapping) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}

func (m *Mapping) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		keys = append(keys, e.pattern)
	}
	return keys
}

// Range calls fn for every entry in insertion order until fn returns false.
// names must not be modified.
func (m *Mapping) Range(fn func(pattern string, names []string) bool) {
	if m == nil {
		return
	}
	for _, e := range m.entries {
		if !fn(e.pattern, e.names) {
			return
		}
	}
}

// Match returns the names of the first entry whose pattern is a substring of host.
func (m *Mapping) Match(host string) (pattern string, names []string, ok bool) {
	m.Range(func(p string, n []string) bool {
		if strings.Contains(host, p) {
			pattern, names, ok = p, n, true
			return false
		}
		return true
	})
	return pattern, slices.Clone(names), ok
}

// NormalizeName appends the DNS root label to name if it is missing.
func NormalizeName(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
