package transport

import (
	"errors"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Enanyy/Frame/internal/wire"
)

const maxDatagram = 64 << 10

// PacketHandler receives one datagram. p is owned by the handler.
type PacketHandler func(p []byte, from netip.AddrPort)

// Datagram is a best-effort UDP channel. A listening socket serves many
// peers; a dialed socket talks to one.
type Datagram struct {
	conn      *net.UDPConn
	connected bool
	remote    netip.AddrPort

	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenDatagram opens a UDP socket bound to addr.
func ListenDatagram(addr string) (*Datagram, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &Error{Op: "resolve", Addr: addr, Err: err}
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, &Error{Op: "listen", Addr: addr, Err: err}
	}
	return &Datagram{conn: conn}, nil
}

// DialDatagram opens a UDP socket connected to addr.
func DialDatagram(addr string) (*Datagram, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, &Error{Op: "resolve", Addr: addr, Err: err}
	}
	conn, err := net.DialUDP("udp", nil, ua)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	return &Datagram{conn: conn, connected: true, remote: unmap(ua.AddrPort())}, nil
}

// LocalAddr returns the bound address.
func (d *Datagram) LocalAddr() netip.AddrPort {
	if ua, ok := d.conn.LocalAddr().(*net.UDPAddr); ok {
		return unmap(ua.AddrPort())
	}
	return netip.AddrPort{}
}

// Remote returns the peer of a dialed socket.
func (d *Datagram) Remote() netip.AddrPort { return d.remote }

// Serve starts the receive goroutine. Each datagram is copied and passed
// to h. The goroutine exits when the socket closes.
func (d *Datagram) Serve(h PacketHandler) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		buf := make([]byte, maxDatagram)
		for {
			n, from, err := d.conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				if d.closed.Load() || errors.Is(err, net.ErrClosed) {
					return
				}
				// ICMP port unreachable surfaces here on some platforms; the
				// socket itself is still usable.
				continue
			}
			p := make([]byte, n)
			copy(p, buf[:n])
			h(p, unmap(from))
		}
	}()
}

// WriteTo sends p to addr. Dialed sockets ignore addr.
func (d *Datagram) WriteTo(p []byte, addr netip.AddrPort) error {
	if d.closed.Load() {
		return ErrClosed
	}
	var err error
	if d.connected {
		_, err = d.conn.Write(p)
	} else {
		_, err = d.conn.WriteToUDPAddrPort(p, addr)
	}
	if err != nil {
		return &Error{Op: "write", Addr: addrString(addr), Err: err}
	}
	return nil
}

// Send writes one frame as one datagram.
func (d *Datagram) Send(f wire.Frame, addr netip.AddrPort) error {
	return d.WriteTo(f.Bytes(), addr)
}

// Close closes the socket and waits up to timeout for the receive goroutine.
func (d *Datagram) Close(timeout time.Duration) error {
	var err error
	d.closeOnce.Do(func() {
		d.closed.Store(true)
		err = d.conn.Close()
		waitTimeout(&d.wg, timeout)
	})
	return err
}

func unmap(a netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(a.Addr().Unmap(), a.Port())
}

// waitTimeout waits for wg, giving up after timeout. It reports whether
// the wait completed.
func waitTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
