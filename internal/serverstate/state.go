// Package serverstate publishes the room status for operators. The status
// lives in a Store so that several processes can share it through Redis.
package serverstate

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the published room status. All fields are updated together so
// readers always observe a consistent snapshot.
type State struct {
	Status   string    `json:"status"`
	Mode     string    `json:"mode,omitempty"`
	Frame    int64     `json:"frame"`
	Peers    int       `json:"peers"`
	Ready    int       `json:"ready"`
	Draining bool      `json:"draining"`
	Instance string    `json:"instance"`
	Updated  time.Time `json:"updated"`
}

// Store defines how the state is persisted.
type Store interface {
	Load() State
	Store(State)
}

// memoryStore implements Store using an atomic.Value.
type memoryStore struct {
	v atomic.Value
}

// NewMemoryStore returns a memory-backed Store initialized to "not_ready".
func NewMemoryStore() Store {
	ms := &memoryStore{}
	ms.v.Store(State{Status: "not_ready"})
	return ms
}

func (m *memoryStore) Load() State {
	if st, ok := m.v.Load().(State); ok {
		return st
	}
	return State{Status: "unknown"}
}

func (m *memoryStore) Store(s State) {
	m.v.Store(s)
}

// Tracker updates the state of one server instance.
type Tracker struct {
	mu       sync.Mutex
	store    Store
	instance string
	now      func() time.Time
}

// NewTracker returns a Tracker writing to store, or to memory when store
// is nil. Each tracker carries a random instance id.
func NewTracker(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{store: store, instance: uuid.NewString(), now: time.Now}
}

// Instance returns the tracker's instance id.
func (t *Tracker) Instance() string { return t.instance }

// Update applies fn to the current state and stores the result. The
// draining flag survives updates.
func (t *Tracker) Update(fn func(*State)) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.store.Load()
	draining := st.Draining
	fn(&st)
	st.Draining = st.Draining || draining
	if st.Draining {
		st.Status = "draining"
	}
	st.Instance = t.instance
	st.Updated = t.now()
	t.store.Store(st)
	return st
}

// SetStatus updates the status string.
func (t *Tracker) SetStatus(status string) {
	t.Update(func(s *State) { s.Status = status })
}

// Get returns the stored state.
func (t *Tracker) Get() State {
	return t.store.Load()
}

// StartDrain marks the instance as draining.
func (t *Tracker) StartDrain() {
	t.Update(func(s *State) { s.Draining = true })
}

// IsDraining reports whether the instance is draining.
func (t *Tracker) IsDraining() bool {
	return t.store.Load().Draining
}
