package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Enanyy/Frame/internal/api"
	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/config"
	"github.com/Enanyy/Frame/internal/framesync"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/netsvc"
	"github.com/Enanyy/Frame/internal/protocol"
	"github.com/Enanyy/Frame/internal/serverstate"
	"github.com/Enanyy/Frame/internal/session"
	"github.com/Enanyy/Frame/internal/wire"
)

// statusInterval is how often the published room status is refreshed
// while nothing else changes it.
const statusInterval = time.Second

// Server owns every subsystem of a frame server process.
type Server struct {
	cfg config.ServerConfig
	log zerolog.Logger

	net      *netsvc.Server
	room     *framesync.Server
	msgs     *protocol.Dispatcher[*session.Session]
	events   *Events
	tracker  *serverstate.Tracker
	sections *serverstate.Sections

	httpLn  net.Listener
	httpSrv *http.Server
}

// NewServer binds the stream, datagram and HTTP sockets described by cfg.
// A nil tracker keeps the room status in memory; a nil gatherer disables
// /metrics.
func NewServer(cfg config.ServerConfig, tracker *serverstate.Tracker, gatherer prometheus.Gatherer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if tracker == nil {
		tracker = serverstate.NewTracker(nil)
	}
	s := &Server{
		cfg:      cfg,
		log:      logx.Component("server"),
		msgs:     protocol.NewDispatcher[*session.Session](),
		events:   NewEvents(),
		tracker:  tracker,
		sections: serverstate.NewSections(),
	}

	reliability := session.RawDatagram
	if cfg.DatagramMode == config.DatagramARQ {
		reliability = session.ARQDatagram
	}
	ns, err := netsvc.Listen(netsvc.Options{
		StreamAddr:      hostPort(cfg.BindHost, cfg.StreamPort),
		DatagramAddr:    hostPort(cfg.BindHost, cfg.DatagramPort),
		Reliability:     reliability,
		Bounds:          protocol.Bounds(cfg.MessageMax),
		Liveness:        cfg.LivenessInterval,
		LivenessTimeout: cfg.LivenessTimeout,
		ARQInterval:     cfg.ARQInterval,
		QueueSize:       cfg.QueueSize,
		CloseTimeout:    cfg.ShutdownTimeout,
		AllowedOrigins:  cfg.AllowedOrigins,
	}, netsvc.Handlers{
		OnMessage:    s.onMessage,
		OnDisconnect: s.onDisconnect,
	})
	if err != nil {
		return nil, err
	}
	s.net = ns

	s.room = framesync.NewServer(framesync.ServerConfig{
		Mode:          protocol.ParseMode(cfg.SyncMode),
		FrameInterval: cfg.FrameInterval,
		SpawnCount:    cfg.SpawnCount,
		OnFrameExecuted: func(frame int64, cmds []framesync.Command) {
			s.events.Emit(EventFrameExecuted, Executed{Frame: frame, Commands: cmds})
		},
		OnStateChange: func(st framesync.State) {
			s.events.Emit(EventStateChanged, st)
		},
	}, ns)

	s.bindMessages()
	On(s.events, EventStateChanged, func(st framesync.State) {
		s.log.Info().Str("state", st.String()).Msg("room state changed")
		s.publish()
	})

	s.sections.Add(serverstate.Section{ID: "room", Data: func() any { return s.room.Snapshot() }})
	s.sections.Add(serverstate.Section{ID: "sessions", Data: func() any {
		all := s.net.Registry().Snapshot()
		out := make([]session.Info, 0, len(all))
		for _, sess := range all {
			out = append(out, sess.Info())
		}
		return out
	}})
	s.sections.Add(serverstate.Section{ID: "network", Data: func() any {
		return map[string]any{
			"stream":        s.net.StreamAddr().String(),
			"datagram":      s.net.DatagramAddr().String(),
			"datagram_mode": s.net.Reliability().String(),
			"pending":       s.net.Pending(),
		}
	}})
	s.sections.Add(serverstate.Section{ID: "host", Data: func() any { return api.Host() }})

	if cfg.HTTPAddr != "" {
		ln, err := net.Listen("tcp", cfg.HTTPAddr)
		if err != nil {
			_ = ns.Close()
			return nil, err
		}
		s.httpLn = ln
		s.httpSrv = &http.Server{
			Handler: api.New(api.Options{
				Tracker:        tracker,
				Sections:       s.sections,
				Gatherer:       gatherer,
				AllowedOrigins: cfg.AllowedOrigins,
				WSPath:         cfg.WSPath,
				WebSocket:      ns.HandleWebSocket,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	s.publish()
	return s, nil
}

func hostPort(host string, port int) string {
	return net.JoinHostPort(host, fmt.Sprint(port))
}

func (s *Server) bindMessages() {
	protocol.Handle(s.msgs, protocol.ConnectRequest, func(sess *session.Session, m *protocol.Connect) {
		p, err := s.room.Join(sess.ID, m)
		if err != nil {
			s.log.Debug().Err(err).Int32("session_id", sess.ID).Msg("connect refused")
			return
		}
		s.events.Emit(EventPeerJoined, PeerEvent{SessionID: sess.ID, RoleID: p.RoleID, Name: p.Name})
		s.publish()
	})
	protocol.Handle(s.msgs, protocol.ReadyRequest, func(sess *session.Session, m *protocol.Ready) {
		if err := s.room.Ready(sess.ID, m); err != nil {
			s.log.Debug().Err(err).Int32("session_id", sess.ID).Msg("ready refused")
			return
		}
		s.publish()
	})
	protocol.Handle(s.msgs, protocol.FrameSubmit, func(sess *session.Session, m *protocol.Frame) {
		_ = s.room.Submit(sess.ID, m)
	})
}

func (s *Server) onMessage(sess *session.Session, f wire.Frame) {
	if _, err := s.msgs.Dispatch(sess, f); err != nil {
		var se *codec.SerializationError
		if errors.As(err, &se) {
			metrics.RecordSerializationError(protocol.Name(se.ID))
		}
		s.log.Warn().Err(err).Int32("session_id", sess.ID).Str("message", protocol.Name(f.MessageID)).Msg("message dropped")
	}
}

func (s *Server) onDisconnect(sess *session.Session, _ error) {
	p, joined := s.room.Peer(sess.ID)
	if s.room.Leave(sess.ID) && joined {
		s.events.Emit(EventPeerLeft, PeerEvent{SessionID: sess.ID, RoleID: p.RoleID, Name: p.Name})
	}
	s.publish()
}

func (s *Server) publish() {
	snap := s.room.Snapshot()
	s.tracker.Update(func(st *serverstate.State) {
		st.Status = snap.State
		st.Mode = snap.Mode
		st.Frame = snap.Frame
		st.Peers = len(snap.Peers)
		st.Ready = snap.Ready
	})
}

// Events returns the server's event bus.
func (s *Server) Events() *Events { return s.events }

// Room returns the frame synchronizer.
func (s *Server) Room() *framesync.Server { return s.room }

// Net returns the network service.
func (s *Server) Net() *netsvc.Server { return s.net }

// Tracker returns the published status tracker.
func (s *Server) Tracker() *serverstate.Tracker { return s.tracker }

// HTTPAddr returns the bound status API address, or "" when disabled.
func (s *Server) HTTPAddr() string {
	if s.httpLn == nil {
		return ""
	}
	return s.httpLn.Addr().String()
}

// Step drains the network queue and advances the room once.
func (s *Server) Step(now time.Time) {
	s.net.Update()
	s.room.Tick(now)
}

// Run serves until ctx is done, then shuts every subsystem down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.net.Serve(ctx) })
	g.Go(func() error {
		s.loop(ctx)
		return nil
	})
	if s.httpSrv != nil {
		g.Go(func() error {
			s.log.Info().Str("addr", s.HTTPAddr()).Msg("status api listening")
			if err := s.httpSrv.Serve(s.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
			defer cancel()
			if err := s.httpSrv.Shutdown(sctx); err != nil {
				s.log.Error().Err(err).Msg("status api shutdown")
			}
			return nil
		})
	}
	err := g.Wait()
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) loop(ctx context.Context) {
	tick := time.NewTicker(s.cfg.TickInterval)
	defer tick.Stop()
	status := time.NewTicker(statusInterval)
	defer status.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.Step(now)
		case <-status.C:
			s.publish()
		}
	}
}

// Close marks the instance as draining and releases the network sockets.
// The last queued disconnects are delivered before it returns.
func (s *Server) Close() error {
	s.tracker.StartDrain()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	err := s.net.Close()
	s.net.Update()
	return err
}
