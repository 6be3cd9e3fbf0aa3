// Package session tracks connected peers: the stream each one arrived on
// and, once the address-learning handshake completes, the datagram address
// its unreliable traffic comes from.
package session

import (
	"net/netip"
	"sync"
	"time"

	"github.com/Enanyy/Frame/internal/transport"
)

// State is a peer's position in the connection lifecycle.
type State int

const (
	AcceptedStream State = iota
	AddressLearned
	Active
	Disconnected
)

func (s State) String() string {
	switch s {
	case AcceptedStream:
		return "accepted_stream"
	case AddressLearned:
		return "address_learned"
	case Active:
		return "active"
	case Disconnected:
		return "disconnected"
	}
	return "unknown"
}

// Reliability selects how frame traffic is carried for a peer.
type Reliability int

const (
	RawDatagram Reliability = iota
	ARQDatagram
)

func (r Reliability) String() string {
	if r == ARQDatagram {
		return "arq"
	}
	return "raw"
}

// Session is one connected peer. The registry owns it; fields behind mu
// are read from network goroutines and the main loop.
type Session struct {
	ID         int32
	Stream     *transport.Stream
	StreamAddr string
	Mode       Reliability
	Accepted   time.Time

	mu           sync.Mutex
	datagramAddr netip.AddrPort
	state        State
	lastActivity time.Time
	learned      bool

	closeOnce sync.Once
}

// DatagramAddr returns the learned datagram address, or the zero value.
func (s *Session) DatagramAddr() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.datagramAddr
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Activate moves a session whose address is known to Active. It reports
// false if the address has not been learned yet or the session is gone.
func (s *Session) Activate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != AddressLearned && s.state != Active {
		return false
	}
	s.state = Active
	return true
}

// Touch records inbound traffic.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	s.lastActivity = now
	s.mu.Unlock()
}

// LastActivity returns the time of the latest inbound traffic.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// CloseOnce runs fn the first time it is called for this session.
func (s *Session) CloseOnce(fn func()) {
	s.closeOnce.Do(fn)
}

// Info is a point-in-time copy of a session for status reporting.
type Info struct {
	ID           int32     `json:"id"`
	StreamAddr   string    `json:"stream_addr"`
	DatagramAddr string    `json:"datagram_addr,omitempty"`
	Mode         string    `json:"mode"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

// Info returns a snapshot of s.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	in := Info{
		ID:           s.ID,
		StreamAddr:   s.StreamAddr,
		Mode:         s.Mode.String(),
		State:        s.state.String(),
		LastActivity: s.lastActivity,
	}
	if s.datagramAddr.IsValid() {
		in.DatagramAddr = s.datagramAddr.String()
	}
	return in
}
