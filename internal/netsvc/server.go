package netsvc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/netip"
	"sync"
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

// Options configures a Server.
type Options struct {
	StreamAddr   string
	DatagramAddr string
	Reliability  session.Reliability
	Bounds       wire.Bounds
	// Liveness is how often sessions are checked. One that has been
	// silent for longer than LivenessTimeout is torn down.
	Liveness        time.Duration
	LivenessTimeout time.Duration
	ARQInterval     time.Duration
	QueueSize       int
	CloseTimeout    time.Duration
	AllowedOrigins  []string
}

func (o *Options) setDefaults() {
	if o.Bounds.Max == 0 {
		o.Bounds = protocol.Bounds(0)
	}
	if o.Liveness <= 0 {
		o.Liveness = time.Second
	}
	if o.LivenessTimeout <= 0 {
		o.LivenessTimeout = 15 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 4096
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
}

// Server owns the listening stream and datagram sockets and every session
// accepted on them.
type Server struct {
	opts Options
	h    Handlers
	log  zerolog.Logger

	reg    *session.Registry
	ln     *transport.StreamListener
	dg     *transport.Datagram
	arq    *transport.ARQ
	events *pump.Queue[Event]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Listen binds both sockets and starts receiving datagrams. Streams are
// accepted once Serve runs.
func Listen(opts Options, h Handlers) (*Server, error) {
	opts.setDefaults()
	ln, err := transport.ListenStream(opts.StreamAddr, opts.Bounds)
	if err != nil {
		return nil, err
	}
	dg, err := transport.ListenDatagram(opts.DatagramAddr)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts:   opts,
		h:      h,
		log:    logx.Component("netsvc").With().Str("datagram_mode", opts.Reliability.String()).Logger(),
		reg:    session.NewRegistry(),
		ln:     ln,
		dg:     dg,
		events: pump.NewQueue[Event](opts.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
	if opts.Reliability == session.ARQDatagram {
		s.arq = transport.NewARQ(dg, transport.ARQConfig{
			Interval: opts.ARQInterval,
			Bounds:   opts.Bounds,
			OnFrame:  s.onARQFrame,
			OnProbe:  s.onProbe,
			OnDrop: func(conv uint32, err error) {
				metrics.RecordDatagramDropped("malformed")
				s.notice(nil, "arq message dropped: "+err.Error())
			},
		})
	}
	dg.Serve(s.onDatagram)
	s.log.Info().Str("stream", ln.Addr().String()).Str("datagram", dg.LocalAddr().String()).Msg("listening")
	return s, nil
}

// Serve accepts streams and runs the liveness watchdog until ctx is done
// or the server is closed.
func (s *Server) Serve(ctx context.Context) error {
	s.wg.Add(2)
	go s.liveness(ctx)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
			_ = s.ln.Close()
		case <-s.ctx.Done():
		}
	}()
	for {
		st, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, transport.ErrClosed) || ctx.Err() != nil || s.ctx.Err() != nil {
				return nil
			}
			s.log.Warn().Err(err).Msg("accept failed")
			select {
			case <-time.After(50 * time.Millisecond):
			case <-s.ctx.Done():
				return nil
			}
			continue
		}
		s.Adopt(st)
	}
}

// Adopt registers an accepted stream as a new session, sends it its id and
// starts its reader and writer.
func (s *Server) Adopt(st *transport.Stream) *session.Session {
	sess := s.reg.Add(st, s.opts.Reliability)
	metrics.SessionOpened()
	if s.arq != nil {
		if err := s.arq.Open(uint32(sess.ID), netip.AddrPort{}); err != nil {
			s.log.Error().Err(err).Int32("session_id", sess.ID).Msg("arq open failed")
		}
		metrics.SetARQPeers(s.arq.Len())
	}
	s.events.Put(Event{Kind: Accepted, Session: sess})
	if err := st.WriteSessionID(sess.ID); err != nil {
		s.teardown(sess, err)
		return sess
	}
	s.wg.Add(2)
	go s.read(sess)
	go s.write(sess)
	return sess
}

// HandleWebSocket upgrades the request and serves it as a stream session.
// It returns when the session ends.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	st, err := transport.AcceptWebSocket(w, r, s.opts.AllowedOrigins, s.opts.Bounds)
	if err != nil {
		s.log.Debug().Err(err).Str("addr", r.RemoteAddr).Msg("websocket accept failed")
		return
	}
	s.Adopt(st)
	select {
	case <-st.Done():
	case <-s.ctx.Done():
	}
}

func (s *Server) read(sess *session.Session) {
	defer s.wg.Done()
	for {
		f, err := sess.Stream.ReadFrame()
		if err != nil {
			if errors.Is(err, wire.ErrOutOfRange) {
				s.notice(sess, "stream frame rejected: "+err.Error())
				continue
			}
			s.teardown(sess, err)
			return
		}
		sess.Touch(time.Now())
		s.enqueue(sess, f)
	}
}

func (s *Server) write(sess *session.Session) {
	defer s.wg.Done()
	if err := sess.Stream.RunWriter(); err != nil {
		s.teardown(sess, err)
	}
}

func (s *Server) liveness(ctx context.Context) {
	defer s.wg.Done()
	t := time.NewTicker(s.opts.Liveness)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.ctx.Done():
			return
		case now := <-t.C:
			for _, sess := range s.reg.Snapshot() {
				if !sess.Stream.Alive() || now.Sub(sess.LastActivity()) > s.opts.LivenessTimeout {
					s.teardown(sess, ErrLiveness)
				}
			}
		}
	}
}

func (s *Server) onDatagram(p []byte, from netip.AddrPort) {
	switch len(p) {
	case 1:
		if p[0] == PingByte {
			if sess, ok := s.reg.ByAddr(from); ok {
				sess.Touch(time.Now())
			}
			_ = s.dg.WriteTo(p, from)
			metrics.RecordPing()
			return
		}
	case 4:
		s.learn(wire.SessionID(p), from)
		return
	}
	if s.arq != nil && s.arq.Input(p, from) {
		return
	}
	f, err := wire.Decode(p, s.opts.Bounds)
	if err != nil {
		metrics.RecordDatagramDropped("malformed")
		return
	}
	sess, ok := s.reg.Resolve(from, f.CorrelationID)
	if !ok {
		metrics.RecordDatagramDropped("unknown_peer")
		s.notice(nil, "datagram from unknown peer "+from.String())
		return
	}
	sess.Touch(time.Now())
	s.enqueue(sess, f)
}

func (s *Server) onProbe(conv uint32, id int32, from netip.AddrPort) {
	if uint32(id) != conv {
		metrics.RecordDatagramDropped("conv_mismatch")
		return
	}
	s.learn(id, from)
}

func (s *Server) onARQFrame(conv uint32, f wire.Frame, from netip.AddrPort) {
	sess, ok := s.reg.Get(int32(conv))
	if !ok {
		metrics.RecordDatagramDropped("unknown_peer")
		return
	}
	if sess.DatagramAddr() != from {
		s.learn(sess.ID, from)
	}
	sess.Touch(time.Now())
	s.enqueue(sess, f)
}

func (s *Server) learn(id int32, from netip.AddrPort) {
	sess, first, ok := s.reg.Learn(id, from)
	if !ok {
		metrics.RecordDatagramDropped("unknown_session")
		return
	}
	if s.arq != nil {
		s.arq.SetAddr(uint32(id), from)
	}
	if first {
		s.events.Put(Event{Kind: Learned, Session: sess})
	}
}

func (s *Server) enqueue(sess *session.Session, f wire.Frame) {
	if !s.events.Push(Event{Kind: Message, Session: sess, Frame: f}) {
		metrics.RecordQueueDropped("server")
		s.log.Warn().Err(ErrBackpressure).Int32("session_id", sess.ID).Str("message", protocol.Name(f.MessageID)).Msg("message dropped")
	}
}

func (s *Server) notice(sess *session.Session, text string) {
	s.events.Push(Event{Kind: Notice, Session: sess, Text: text})
}

// teardown closes the session's channels and queues its disconnect. Only
// the first call for a session has any effect.
func (s *Server) teardown(sess *session.Session, cause error) {
	sess.CloseOnce(func() {
		_ = sess.Stream.Close()
		if s.arq != nil {
			s.arq.Remove(uint32(sess.ID))
			metrics.SetARQPeers(s.arq.Len())
		}
		s.reg.Remove(sess.ID)
		metrics.SessionClosed(Reason(cause))
		s.events.Put(Event{Kind: Disconnected, Session: sess, Err: cause})
	})
}

// Update delivers queued events to the handlers in arrival order and
// returns how many were processed.
func (s *Server) Update() int {
	return s.events.Drain(func(e Event) {
		switch e.Kind {
		case Accepted:
			s.log.Info().Int32("session_id", e.Session.ID).Str("addr", e.Session.StreamAddr).Msg("session accepted")
			if s.h.OnAccept != nil {
				s.h.OnAccept(e.Session)
			}
		case Learned:
			e.Session.Activate()
			s.log.Debug().Int32("session_id", e.Session.ID).Str("addr", e.Session.DatagramAddr().String()).Msg("datagram address learned")
			if s.h.OnLearned != nil {
				s.h.OnLearned(e.Session)
			}
		case Message:
			metrics.RecordMessage(protocol.Name(e.Frame.MessageID), "in")
			if s.h.OnMessage != nil {
				s.h.OnMessage(e.Session, e.Frame)
			}
		case Disconnected:
			s.log.Info().Int32("session_id", e.Session.ID).Str("reason", Reason(e.Err)).Err(e.Err).Msg("session closed")
			if s.h.OnDisconnect != nil {
				s.h.OnDisconnect(e.Session, e.Err)
			}
		case Notice:
			ev := s.log.Debug()
			if e.Session != nil {
				ev = ev.Int32("session_id", e.Session.ID)
			}
			ev.Msg(e.Text)
		}
	})
}

// Send encodes m and delivers it to the session over the channel its id
// calls for. The frame's correlation id is the session id.
func (s *Server) Send(sessionID int32, id protocol.ID, m codec.Message) error {
	sess, ok := s.reg.Get(sessionID)
	if !ok {
		return ErrUnknownSession
	}
	f, err := protocol.Encode(s.opts.Bounds, id, sessionID, m)
	if err != nil {
		return err
	}
	return s.SendFrame(sess, f)
}

// SendFrame delivers an encoded frame to sess. Stream frames are queued for
// the session's writer; a session whose queue is full is torn down with
// ErrBackpressure.
func (s *Server) SendFrame(sess *session.Session, f wire.Frame) error {
	var err error
	switch {
	case protocol.Reliable(f.MessageID):
		if err = sess.Stream.Enqueue(f); errors.Is(err, transport.ErrQueueFull) {
			metrics.RecordQueueDropped("stream")
			s.teardown(sess, ErrBackpressure)
			err = ErrBackpressure
		}
	case s.arq != nil:
		err = s.arq.Send(uint32(sess.ID), f)
	default:
		addr := sess.DatagramAddr()
		if !addr.IsValid() {
			return ErrAddressUnknown
		}
		err = s.dg.Send(f, addr)
	}
	if err == nil {
		metrics.RecordMessage(protocol.Name(f.MessageID), "out")
	}
	return err
}

// Kick closes the session. Its disconnect is delivered by the next Update.
func (s *Server) Kick(sessionID int32) bool {
	sess, ok := s.reg.Get(sessionID)
	if !ok {
		return false
	}
	s.teardown(sess, ErrKicked)
	return true
}

// Registry exposes the session registry for status reporting.
func (s *Server) Registry() *session.Registry { return s.reg }

// StreamAddr returns the stream listener's address.
func (s *Server) StreamAddr() net.Addr { return s.ln.Addr() }

// DatagramAddr returns the datagram socket's address.
func (s *Server) DatagramAddr() netip.AddrPort { return s.dg.LocalAddr() }

// Reliability returns how frame traffic is carried.
func (s *Server) Reliability() session.Reliability { return s.opts.Reliability }

// Pending returns the number of queued events.
func (s *Server) Pending() int { return s.events.Len() }

// Close stops accepting, closes every session and both sockets, and waits
// up to the configured timeout for network goroutines.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		if e := s.ln.Close(); e != nil && !errors.Is(e, net.ErrClosed) {
			err = e
		}
		for _, sess := range s.reg.Snapshot() {
			s.teardown(sess, transport.ErrClosed)
		}
		if s.arq != nil {
			s.arq.Close(s.opts.CloseTimeout)
		}
		_ = s.dg.Close(s.opts.CloseTimeout)
		if !wait(&s.wg, s.opts.CloseTimeout) {
			s.log.Warn().Dur("timeout", s.opts.CloseTimeout).Msg("network goroutines still running after close")
		}
	})
	return err
}
