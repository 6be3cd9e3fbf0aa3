package transport

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Enanyy/Frame/internal/pump"
	"github.com/Enanyy/Frame/internal/wire"
)

const sessionIDSize = 4

// OutboundLimit is how many frames Enqueue buffers ahead of RunWriter.
const OutboundLimit = 1024

// KeepAlivePeriod is the TCP keepalive period set on accepted streams.
const KeepAlivePeriod = 15 * time.Second

// Stream is a reliable, ordered frame channel over a net.Conn. Reads are
// expected from one goroutine; writes may come from any.
type Stream struct {
	conn         net.Conn
	r            *bufio.Reader
	bounds       wire.Bounds
	remote       string
	WriteTimeout time.Duration

	wmu       sync.Mutex
	out       *pump.Queue[wire.Frame]
	wake      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// NewStream wraps conn. remote names the peer in errors and logs; when
// empty the connection's remote address is used.
func NewStream(conn net.Conn, bounds wire.Bounds, remote string) *Stream {
	if remote == "" && conn.RemoteAddr() != nil {
		remote = conn.RemoteAddr().String()
	}
	return &Stream{
		conn:         conn,
		r:            bufio.NewReaderSize(conn, 16<<10),
		bounds:       bounds,
		remote:       remote,
		WriteTimeout: 5 * time.Second,
		out:          pump.NewQueue[wire.Frame](OutboundLimit),
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}
}

// DialStream opens a TCP stream to addr.
func DialStream(ctx context.Context, addr string, bounds wire.Bounds) (*Stream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Op: "dial", Addr: addr, Err: err}
	}
	return NewStream(conn, bounds, addr), nil
}

// RemoteAddr names the peer.
func (s *Stream) RemoteAddr() string { return s.remote }

// Alive reports whether the stream has not been closed.
func (s *Stream) Alive() bool { return !s.closed.Load() }

// Done is closed when the stream closes.
func (s *Stream) Done() <-chan struct{} { return s.done }

// ReadFrame reads the next frame. A frame whose id or version is rejected
// comes back as a *wire.FrameError and the stream remains usable. Every
// other failure, including a body shorter than announced, is an *Error and
// the stream must be closed.
func (s *Stream) ReadFrame() (wire.Frame, error) {
	f, err := wire.ReadFrame(s.r, s.bounds)
	if err == nil {
		return f, nil
	}
	if errors.Is(err, wire.ErrOutOfRange) {
		return wire.Frame{}, err
	}
	if s.closed.Load() {
		return wire.Frame{}, ErrClosed
	}
	return wire.Frame{}, &Error{Op: "read", Addr: s.remote, Err: err}
}

// WriteFrame writes f as one unit, blocking until the write completes or
// WriteTimeout passes.
func (s *Stream) WriteFrame(f wire.Frame) error {
	return s.write(f.Bytes())
}

// Enqueue hands f to the goroutine running RunWriter and returns at once.
// It fails with ErrQueueFull when OutboundLimit frames are already waiting.
func (s *Stream) Enqueue(f wire.Frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.out.Push(f) {
		return ErrQueueFull
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of enqueued frames not yet written.
func (s *Stream) Pending() int { return s.out.Len() }

// RunWriter writes enqueued frames in order until the stream closes, when
// it returns nil, or a write fails, when it returns the failure. Run it on
// its own goroutine.
func (s *Stream) RunWriter() error {
	for {
		select {
		case <-s.done:
			return nil
		case <-s.wake:
		}
		for _, f := range s.out.Take() {
			if err := s.WriteFrame(f); err != nil {
				if s.closed.Load() {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Stream) write(b []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
	}
	if _, err := s.conn.Write(b); err != nil {
		return &Error{Op: "write", Addr: s.remote, Err: err}
	}
	return nil
}

// WriteSessionID sends the 4-byte little-endian session id that opens
// every server stream.
func (s *Stream) WriteSessionID(id int32) error {
	var b [sessionIDSize]byte
	wire.PutSessionID(b[:], id)
	return s.write(b[:])
}

// ReadSessionID reads the session id written by the server, waiting at most
// timeout.
func (s *Stream) ReadSessionID(timeout time.Duration) (int32, error) {
	if timeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
		defer func() { _ = s.conn.SetReadDeadline(time.Time{}) }()
	}
	var b [sessionIDSize]byte
	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, &Error{Op: "read session id", Addr: s.remote, Err: err}
	}
	return wire.SessionID(b[:]), nil
}

// Close closes the connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		err = s.conn.Close()
		close(s.done)
	})
	return err
}

// StreamListener accepts TCP streams.
type StreamListener struct {
	ln     net.Listener
	bounds wire.Bounds
}

// ListenStream listens for TCP streams on addr.
func ListenStream(addr string, bounds wire.Bounds) (*StreamListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, &Error{Op: "listen", Addr: addr, Err: err}
	}
	return &StreamListener{ln: ln, bounds: bounds}, nil
}

// Addr returns the listening address.
func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }

// Accept waits for the next stream. After Close it returns ErrClosed.
func (l *StreamListener) Accept() (*Stream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, &Error{Op: "accept", Addr: l.ln.Addr().String(), Err: err}
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
		_ = tc.SetKeepAlivePeriod(KeepAlivePeriod)
	}
	return NewStream(conn, l.bounds, ""), nil
}

// Close stops accepting.
func (l *StreamListener) Close() error { return l.ln.Close() }
