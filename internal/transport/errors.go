// Package transport carries wire frames over a reliable stream (TCP or a
// websocket), a raw UDP socket, or KCP running on top of that socket.
package transport

import (
	"errors"
	"fmt"
	"net/netip"
)

var (
	// ErrClosed is returned by operations on a closed channel.
	ErrClosed = errors.New("transport: closed")
	// ErrQueueFull is returned by Stream.Enqueue when the writer has
	// fallen OutboundLimit frames behind.
	ErrQueueFull = errors.New("transport: outbound queue full")
)

// Error is a transport failure. It always ends the affected channel.
type Error struct {
	Op   string
	Addr string
	Err  error
}

func (e *Error) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *Error
	return errors.As(err, &te)
}

func addrString(a netip.AddrPort) string {
	if !a.IsValid() {
		return ""
	}
	return a.String()
}
