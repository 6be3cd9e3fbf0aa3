package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
	"github.com/Enanyy/Frame/internal/config"
	"github.com/Enanyy/Frame/internal/framesync"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/netsvc"
	"github.com/Enanyy/Frame/internal/protocol"
	"github.com/Enanyy/Frame/internal/session"
	"github.com/Enanyy/Frame/internal/wire"
)

// ErrLinkClosed is returned by a bot session that ended because the
// server went away.
var ErrLinkClosed = errors.New("app: link closed")

// Bot is a headless client: it joins the room, readies at once, issues
// synthetic move commands and executes every released frame.
type Bot struct {
	cfg    config.BotConfig
	log    zerolog.Logger
	events *Events
	world  *World
	cmds   *command.Dispatcher
	rng    *rand.Rand

	mu     sync.Mutex
	client *framesync.Client
}

// NewBot returns a bot for cfg. Nothing is dialed until Run.
func NewBot(cfg config.BotConfig) *Bot {
	b := &Bot{
		cfg:    cfg,
		log:    logx.Component("bot").With().Str("name", cfg.Name).Logger(),
		events: NewEvents(),
		world:  NewWorld(),
		cmds:   command.NewDispatcher(),
		rng:    rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0)),
	}
	b.world.Bind(b.cmds)
	return b
}

// Events returns the bot's event bus.
func (b *Bot) Events() *Events { return b.events }

// World returns the simulation the bot executes frames into.
func (b *Bot) World() *World { return b.world }

// Status returns the synchronizer status of the current connection.
func (b *Bot) Status() framesync.ClientStatus {
	b.mu.Lock()
	c := b.client
	b.mu.Unlock()
	if c == nil {
		return framesync.ClientStatus{State: framesync.Stopped.String()}
	}
	return c.Status()
}

// Run plays until ctx is done, reconnecting with backoff when enabled.
func (b *Bot) Run(ctx context.Context) error {
	err := RunWithReconnect(ctx, b.cfg.Reconnect, b.session)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// session runs one connection to the server.
func (b *Bot) session(ctx context.Context) error {
	reliability := session.RawDatagram
	if b.cfg.DatagramMode == config.DatagramARQ {
		reliability = session.ARQDatagram
	}
	var client *framesync.Client
	msgs := protocol.NewDispatcher[struct{}]()
	link, err := netsvc.Dial(ctx, netsvc.LinkOptions{
		StreamAddr:   b.cfg.StreamAddr(),
		WSURL:        b.cfg.WSURL,
		DatagramAddr: b.cfg.DatagramAddr(),
		Reliability:  reliability,
		Bounds:       protocol.Bounds(b.cfg.MessageMax),
		ARQInterval:  b.cfg.ARQInterval,
	}, netsvc.LinkHandlers{
		OnMessage: func(f wire.Frame) {
			if _, err := msgs.Dispatch(struct{}{}, f); err != nil {
				var se *codec.SerializationError
				if errors.As(err, &se) {
					metrics.RecordSerializationError(protocol.Name(se.ID))
				}
				b.log.Warn().Err(err).Str("message", protocol.Name(f.MessageID)).Msg("message dropped")
			}
		},
		OnClosed: func(err error) {
			client.OnDisconnected()
			b.events.Emit(EventLinkClosed, err)
		},
	})
	if err != nil {
		return err
	}
	defer link.Close()

	client = framesync.NewClient(framesync.ClientConfig{
		OnFrameExecuted: b.execute,
		OnStateChange: func(st framesync.State) {
			b.events.Emit(EventStateChanged, st)
		},
		OnPeer: func(p protocol.Connect, joined bool) {
			id := EventPeerLeft
			if joined {
				id = EventPeerJoined
			}
			b.events.Emit(id, PeerEvent{RoleID: p.RoleID, Name: p.Name})
		},
	}, link)
	b.bindMessages(msgs, client)

	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	spawn := b.randomPoint()
	if err := client.Connect(b.cfg.Name, spawn, codec.Vec3{Z: 1}); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.loop(ctx, link, client) })
	g.Go(func() error {
		b.report(ctx, link, client)
		return nil
	})
	return g.Wait()
}

func (b *Bot) bindMessages(msgs *protocol.Dispatcher[struct{}], c *framesync.Client) {
	protocol.Handle(msgs, protocol.ConnectAccept, func(_ struct{}, m *protocol.Connect) {
		c.OnConnectAccept(m)
		if err := c.Ready(m.Position, m.Direction); err != nil {
			b.log.Warn().Err(err).Msg("ready failed")
		}
	})
	protocol.Handle(msgs, protocol.ConnectBroadcast, func(_ struct{}, m *protocol.Connect) {
		c.OnConnectBroadcast(m)
	})
	protocol.Handle(msgs, protocol.DisconnectBroadcast, func(_ struct{}, m *protocol.Disconnect) {
		c.OnDisconnectBroadcast(m)
	})
	protocol.Handle(msgs, protocol.ReadyBroadcast, func(_ struct{}, m *protocol.Ready) {
		c.OnReadyBroadcast(m)
	})
	protocol.Handle(msgs, protocol.BeginBroadcast, func(_ struct{}, m *protocol.Begin) {
		c.OnBegin(m)
	})
	protocol.Handle(msgs, protocol.FrameBroadcast, func(_ struct{}, m *protocol.Frame) {
		_ = c.OnFrameBroadcast(m)
	})
}

func (b *Bot) execute(frame int64, cmds []framesync.Command) {
	for _, c := range cmds {
		b.world.Record(c)
	}
	if err := b.cmds.DispatchAll(cmds); err != nil {
		b.log.Warn().Err(err).Int64("frame", frame).Msg("command decode failed")
	}
	b.events.Emit(EventFrameExecuted, Executed{Frame: frame, Commands: cmds})
}

func (b *Bot) randomPoint() codec.Vec3 {
	return codec.VecFromFloat(b.rng.Float64()*100-50, 0, b.rng.Float64()*100-50)
}

func (b *Bot) loop(ctx context.Context, link *netsvc.Link, c *framesync.Client) error {
	tick := time.NewTicker(b.cfg.TickInterval)
	defer tick.Stop()
	var lastCommand time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-tick.C:
			link.Update()
			if link.Closed() {
				link.Update()
				return ErrLinkClosed
			}
			if c.State() == framesync.Ticking && now.Sub(lastCommand) >= b.cfg.CommandInterval {
				lastCommand = now
				cmd := command.New(command.TypeMoveTo, &command.MoveTo{RoleID: c.RoleID(), Target: b.randomPoint()})
				if err := c.Submit(cmd); err != nil {
					b.log.Debug().Err(err).Msg("submit failed")
				}
			}
			if err := c.Tick(now); err != nil {
				b.log.Debug().Err(err).Msg("frame submit failed")
			}
		}
	}
}

func (b *Bot) report(ctx context.Context, link *netsvc.Link, c *framesync.Client) {
	t := time.NewTicker(b.cfg.StatusInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-link.Done():
			return
		case <-t.C:
			_ = link.Ping()
			st := c.Status()
			ws := b.world.Status()
			b.log.Info().
				Str("state", st.State).
				Int32("role", st.RoleID).
				Int64("frame", st.Frame).
				Int64("executed", st.Executed).
				Int("peers", st.Peers).
				Dur("rtt", link.RTT()).
				Int("entities", ws.Entities).
				Uint64("digest", ws.Digest).
				Msg("status")
		}
	}
}
