package netsvc

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/protocol"
	"github.com/Enanyy/Frame/internal/pump"
	"github.com/Enanyy/Frame/internal/session"
	"github.com/Enanyy/Frame/internal/transport"
	"github.com/Enanyy/Frame/internal/wire"
)

// LinkOptions configures a client Link.
type LinkOptions struct {
	// StreamAddr is the server's TCP address. WSURL, when set, is used
	// instead and the stream runs over a websocket.
	StreamAddr   string
	WSURL        string
	DatagramAddr string
	Reliability  session.Reliability
	Bounds       wire.Bounds
	ARQInterval  time.Duration
	// Keepalive is the ping period that keeps an idle session from being
	// timed out by the server. Negative disables it.
	Keepalive        time.Duration
	QueueSize        int
	HandshakeTimeout time.Duration
	CloseTimeout     time.Duration
}

func (o *LinkOptions) setDefaults() {
	if o.Bounds.Max == 0 {
		o.Bounds = protocol.Bounds(0)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 2 * time.Second
	}
	if o.Keepalive == 0 {
		o.Keepalive = 2 * time.Second
	}
}

// LinkHandlers receive client events. Every callback runs inside Update.
type LinkHandlers struct {
	OnMessage func(wire.Frame)
	OnPong    func(rtt time.Duration)
	OnClosed  func(error)
}

type linkEvent struct {
	kind  EventKind
	frame wire.Frame
	rtt   time.Duration
	err   error
}

// Link is a client's connection to one server: a stream for control
// traffic and a datagram socket, raw or ARQ, for frames.
type Link struct {
	opts LinkOptions
	h    LinkHandlers
	log  zerolog.Logger

	id     int32
	stream *transport.Stream
	dg     *transport.Datagram
	arq    *transport.ARQ
	events *pump.Queue[linkEvent]

	pingSent  atomic.Int64
	rtt       atomic.Int64
	closed    atomic.Bool
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial connects the stream, reads the session id the server assigns,
// opens the datagram channel and completes the address handshake by
// sending that id once over it.
func Dial(ctx context.Context, opts LinkOptions, h LinkHandlers) (*Link, error) {
	opts.setDefaults()
	var (
		st  *transport.Stream
		err error
	)
	if opts.WSURL != "" {
		st, err = transport.DialWebSocket(ctx, opts.WSURL, opts.Bounds)
	} else {
		st, err = transport.DialStream(ctx, opts.StreamAddr, opts.Bounds)
	}
	if err != nil {
		return nil, err
	}
	id, err := st.ReadSessionID(opts.HandshakeTimeout)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	dg, err := transport.DialDatagram(opts.DatagramAddr)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	l := &Link{
		opts:   opts,
		h:      h,
		log:    logx.Component("link").With().Int32("session_id", id).Logger(),
		id:     id,
		stream: st,
		dg:     dg,
		events: pump.NewQueue[linkEvent](opts.QueueSize),
	}
	if opts.Reliability == session.ARQDatagram {
		l.arq = transport.NewARQ(dg, transport.ARQConfig{
			Interval: opts.ARQInterval,
			Bounds:   opts.Bounds,
			OnFrame: func(_ uint32, f wire.Frame, _ netip.AddrPort) {
				l.enqueue(f)
			},
			OnDrop: func(_ uint32, err error) {
				metrics.RecordDatagramDropped("malformed")
			},
		})
		if err := l.arq.Open(uint32(id), dg.Remote()); err != nil {
			l.shutdown(err)
			return nil, err
		}
	}
	dg.Serve(l.onDatagram)

	if l.arq != nil {
		err = l.arq.SendProbe(uint32(id), id)
	} else {
		var b [4]byte
		wire.PutSessionID(b[:], id)
		err = dg.WriteTo(b[:], dg.Remote())
	}
	if err != nil {
		l.shutdown(err)
		return nil, err
	}

	l.wg.Add(2)
	go l.read()
	go l.write()
	if opts.Keepalive > 0 {
		l.wg.Add(1)
		go l.keepalive()
	}
	l.log.Info().Str("stream", st.RemoteAddr()).Str("datagram", dg.Remote().String()).Str("datagram_mode", opts.Reliability.String()).Msg("linked")
	return l, nil
}

// SessionID returns the id the server assigned.
func (l *Link) SessionID() int32 { return l.id }

// LocalDatagramAddr returns the local end of the datagram socket.
func (l *Link) LocalDatagramAddr() netip.AddrPort { return l.dg.LocalAddr() }

// Closed reports whether the link has shut down.
func (l *Link) Closed() bool { return l.closed.Load() }

// Done is closed when the stream closes.
func (l *Link) Done() <-chan struct{} { return l.stream.Done() }

// RTT returns the last measured ping round trip, or 0.
func (l *Link) RTT() time.Duration { return time.Duration(l.rtt.Load()) }

func (l *Link) read() {
	defer l.wg.Done()
	for {
		f, err := l.stream.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrOutOfRange) {
				continue
			}
			l.shutdown(err)
			return
		}
		l.enqueue(f)
	}
}

func (l *Link) write() {
	defer l.wg.Done()
	if err := l.stream.RunWriter(); err != nil {
		l.shutdown(err)
	}
}

func (l *Link) keepalive() {
	defer l.wg.Done()
	t := time.NewTicker(l.opts.Keepalive)
	defer t.Stop()
	for {
		select {
		case <-l.stream.Done():
			return
		case <-t.C:
			_ = l.Ping()
		}
	}
}

func (l *Link) onDatagram(p []byte, from netip.AddrPort) {
	if len(p) == 1 && p[0] == PingByte {
		if sent := l.pingSent.Load(); sent != 0 {
			rtt := time.Duration(time.Now().UnixNano() - sent)
			l.rtt.Store(int64(rtt))
			l.events.Push(linkEvent{kind: Pong, rtt: rtt})
		}
		return
	}
	if l.arq != nil && l.arq.Input(p, from) {
		return
	}
	f, err := wire.Decode(p, l.opts.Bounds)
	if err != nil {
		metrics.RecordDatagramDropped("malformed")
		return
	}
	l.enqueue(f)
}

func (l *Link) enqueue(f wire.Frame) {
	if !l.events.Push(linkEvent{kind: Message, frame: f}) {
		metrics.RecordQueueDropped("link")
		l.log.Warn().Err(ErrBackpressure).Str("message", protocol.Name(f.MessageID)).Msg("message dropped")
	}
}

// Ping sends a one-byte probe over the datagram channel. The echo is
// reported through OnPong.
func (l *Link) Ping() error {
	l.pingSent.Store(time.Now().UnixNano())
	return l.dg.WriteTo([]byte{PingByte}, l.dg.Remote())
}

// Send encodes m and sends it on the channel its id calls for.
func (l *Link) Send(id protocol.ID, m codec.Message) error {
	if l.closed.Load() {
		return transport.ErrClosed
	}
	f, err := protocol.Encode(l.opts.Bounds, id, l.id, m)
	if err != nil {
		return err
	}
	switch {
	case protocol.Reliable(id):
		if err = l.stream.Enqueue(f); errors.Is(err, transport.ErrQueueFull) {
			metrics.RecordQueueDropped("stream")
			l.shutdown(ErrBackpressure)
			err = ErrBackpressure
		}
	case l.arq != nil:
		err = l.arq.Send(uint32(l.id), f)
	default:
		err = l.dg.Send(f, l.dg.Remote())
	}
	if err == nil {
		metrics.RecordMessage(protocol.Name(id), "out")
	}
	return err
}

// Update delivers queued events in arrival order.
func (l *Link) Update() int {
	return l.events.Drain(func(e linkEvent) {
		switch e.kind {
		case Message:
			metrics.RecordMessage(protocol.Name(e.frame.MessageID), "in")
			if l.h.OnMessage != nil {
				l.h.OnMessage(e.frame)
			}
		case Pong:
			if l.h.OnPong != nil {
				l.h.OnPong(e.rtt)
			}
		case Disconnected:
			l.log.Info().Err(e.err).Str("reason", Reason(e.err)).Msg("link closed")
			if l.h.OnClosed != nil {
				l.h.OnClosed(e.err)
			}
		}
	})
}

// shutdown closes every channel once and queues the close notification.
func (l *Link) shutdown(cause error) {
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		_ = l.stream.Close()
		if l.arq != nil {
			l.arq.Close(l.opts.CloseTimeout)
		}
		_ = l.dg.Close(l.opts.CloseTimeout)
		l.events.Put(linkEvent{kind: Disconnected, err: cause})
	})
}

// Close shuts the link down and waits for its goroutines.
func (l *Link) Close() error {
	l.shutdown(transport.ErrClosed)
	wait(&l.wg, l.opts.CloseTimeout)
	return nil
}
