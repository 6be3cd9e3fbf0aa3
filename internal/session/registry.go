package session

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/Enanyy/Frame/internal/transport"
)

// Registry maps session ids and datagram addresses to sessions. It is safe
// for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	byID   map[int32]*Session
	byAddr map[netip.AddrPort]*Session
	nextID int32
	now    func() time.Time
}

// NewRegistry returns an empty registry. Session ids start at 1.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[int32]*Session),
		byAddr: make(map[netip.AddrPort]*Session),
		now:    time.Now,
	}
}

// Add allocates a session id for a newly accepted stream.
func (r *Registry) Add(stream *transport.Stream, mode Reliability) *Session {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	s := &Session{
		ID:           r.nextID,
		Stream:       stream,
		Mode:         mode,
		Accepted:     now,
		state:        AcceptedStream,
		lastActivity: now,
	}
	if stream != nil {
		s.StreamAddr = stream.RemoteAddr()
	}
	r.byID[s.ID] = s
	return s
}

// Remove evicts the session and marks it Disconnected.
func (r *Registry) Remove(id int32) (*Session, bool) {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
		if a := s.DatagramAddr(); a.IsValid() && r.byAddr[a] == s {
			delete(r.byAddr, a)
		}
	}
	r.mu.Unlock()
	if ok {
		s.mu.Lock()
		s.state = Disconnected
		s.mu.Unlock()
	}
	return s, ok
}

// Get looks a session up by id.
func (r *Registry) Get(id int32) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// ByAddr looks a session up by learned datagram address.
func (r *Registry) ByAddr(addr netip.AddrPort) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byAddr[addr]
	return s, ok
}

// Learn records addr as id's datagram address. first is true the first
// time an address is learned for the session; later calls with a new
// address rebind it.
func (r *Registry) Learn(id int32, addr netip.AddrPort) (s *Session, first bool, ok bool) {
	if !addr.IsValid() {
		return nil, false, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok = r.byID[id]
	if !ok {
		return nil, false, false
	}
	s.mu.Lock()
	old := s.datagramAddr
	s.datagramAddr = addr
	first = !s.learned
	s.learned = true
	if s.state == AcceptedStream {
		s.state = AddressLearned
	}
	s.lastActivity = r.now()
	s.mu.Unlock()
	if old.IsValid() && old != addr && r.byAddr[old] == s {
		delete(r.byAddr, old)
	}
	if prev, taken := r.byAddr[addr]; taken && prev != s {
		prev.mu.Lock()
		prev.datagramAddr = netip.AddrPort{}
		prev.mu.Unlock()
	}
	r.byAddr[addr] = s
	return s, first, true
}

// Resolve finds the session a datagram belongs to: first by source
// address, then by the correlation id carried in the frame. A correlation
// match from a new address rebinds the session to it.
func (r *Registry) Resolve(addr netip.AddrPort, correlationID int32) (*Session, bool) {
	if s, ok := r.ByAddr(addr); ok {
		return s, true
	}
	s, ok := r.Get(correlationID)
	if !ok {
		return nil, false
	}
	if s.DatagramAddr() == addr {
		return s, true
	}
	s, _, ok = r.Learn(correlationID, addr)
	return s, ok
}

// Snapshot returns the current sessions ordered by id. The slice is a copy
// and may be iterated while the registry changes.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, s)
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int { return int(a.ID - b.ID) })
	return out
}

// Len returns the number of sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
