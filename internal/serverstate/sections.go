package serverstate

import (
	"slices"
	"strings"
	"sync"
)

// Section is one named part of the status document, for example the
// session list or host metrics.
type Section struct {
	ID   string
	Data func() any
}

// Sections collects the parts of the status document.
type Sections struct {
	mu      sync.RWMutex
	entries map[string]Section
}

// NewSections returns an empty collection.
func NewSections() *Sections {
	return &Sections{entries: make(map[string]Section)}
}

// Add registers a section, replacing any with the same id.
func (r *Sections) Add(s Section) {
	r.mu.Lock()
	r.entries[s.ID] = s
	r.mu.Unlock()
}

// All returns every section ordered by id.
func (r *Sections) All() []Section {
	r.mu.RLock()
	res := make([]Section, 0, len(r.entries))
	for _, s := range r.entries {
		res = append(res, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(res, func(a, b Section) int { return strings.Compare(a.ID, b.ID) })
	return res
}

// Get returns the section for id, if present.
func (r *Sections) Get(id string) (Section, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	return s, ok
}

// Collect evaluates every section into a map keyed by id.
func (r *Sections) Collect() map[string]any {
	out := make(map[string]any)
	for _, s := range r.All() {
		out[s.ID] = s.Data()
	}
	return out
}
