// Package netsvc binds the transports, the session registry and the pump
// into the server's network service and the client's link. Network
// goroutines only enqueue events; callbacks run from Update on the
// caller's goroutine.
package netsvc

import (
	"errors"
	"sync"
	"time"

	"github.com/Enanyy/Frame/internal/session"
	"github.com/Enanyy/Frame/internal/transport"
	"github.com/Enanyy/Frame/internal/wire"
)

var (
	ErrAddressUnknown = errors.New("netsvc: datagram address not learned")
	ErrUnknownSession = errors.New("netsvc: unknown session")
	ErrBackpressure   = errors.New("netsvc: queue full")
	ErrLiveness       = errors.New("netsvc: liveness timeout")
	ErrKicked         = errors.New("netsvc: session kicked")
)

// PingByte is the single-byte datagram echoed by the server.
const PingByte = 0xFF

// EventKind identifies a queued network event.
type EventKind int

const (
	Accepted EventKind = iota
	Learned
	Message
	Disconnected
	Notice
	Pong
)

// Event is produced by a network goroutine and consumed by Update.
type Event struct {
	Kind    EventKind
	Session *session.Session
	Frame   wire.Frame
	Err     error
	Text    string
}

// Handlers receive server events. Every callback runs inside Update.
type Handlers struct {
	OnAccept     func(*session.Session)
	OnLearned    func(*session.Session)
	OnMessage    func(*session.Session, wire.Frame)
	OnDisconnect func(*session.Session, error)
}

// Reason maps a disconnect cause to a metric label.
func Reason(err error) string {
	switch {
	case err == nil, errors.Is(err, transport.ErrClosed):
		return "closed"
	case errors.Is(err, ErrLiveness):
		return "liveness"
	case errors.Is(err, ErrKicked):
		return "kicked"
	case errors.Is(err, ErrBackpressure):
		return "backpressure"
	case transport.IsTransport(err):
		return "transport"
	}
	return "error"
}

func wait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
