package pvd

import (
	"math/rand/v2"
	"slices"
	"sync"
)

// Selector picks the PvD a connection to a host should go through.
type Selector struct {
	intn func(n int) int
}

type SelectorOption func(*Selector)

// WithIntn replaces the random source. intn must return a value in [0, n).
func WithIntn(intn func(n int) int) SelectorOption {
	return func(s *Selector) { s.intn = intn }
}

func NewSelector(opts ...SelectorOption) *Selector {
	s := &Selector{intn: rand.IntN}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Select returns the PvD to use for host.
//
// The first entry of mapping whose pattern is a substring of host provides
// the candidates. If preferred (or, when preferred is empty, the first PvD of
// the "default" entry) is one of them it is returned, otherwise a candidate
// is picked uniformly at random.
func (s *Selector) Select(mapping *Mapping, preferred, host string) (string, bool) {
	if mapping.Len() == 0 {
		return "", false
	}

	if preferred == "" {
		if defaults, ok := mapping.Get(DefaultKey); ok && len(defaults) > 0 {
			preferred = defaults[0]
		}
	}

	_, candidates, ok := mapping.Match(host)
	if !ok || len(candidates) == 0 {
		return "", false
	}

	if preferred != "" && slices.Contains(candidates, preferred) {
		return preferred, true
	}

	return candidates[s.intn(len(candidates))], true
}

// Preferred holds an optional preferred PvD name.
// The zero value holds no preference and is ready to use.
type Preferred struct {
	mu   sync.RWMutex
	name string
}

// Set replaces the preference. An empty name clears it.
func (p *Preferred) Set(name string) {
	if name != "" {
		name = NormalizeName(name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.name = name
}

func (p *Preferred) Get() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}
