package framesync

import (
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/protocol"
	"github.com/Enanyy/Frame/internal/pump"
)

// ClientOutbox delivers a message to the server.
type ClientOutbox interface {
	Send(id protocol.ID, m codec.Message) error
}

// ClientConfig configures a Client.
type ClientConfig struct {
	Now func() time.Time
	// QueueSize bounds the lockstep command queue.
	QueueSize int

	OnFrameExecuted ExecutedFunc
	OnStateChange   func(State)
	// OnPeer is called when another player joins (joined true) or leaves.
	OnPeer func(p protocol.Connect, joined bool)
}

// ClientStatus is a point-in-time view of the client.
type ClientStatus struct {
	State      string `json:"state"`
	Mode       string `json:"mode"`
	RoleID     int32  `json:"role_id"`
	Frame      int64  `json:"frame"`
	Executed   int64  `json:"executed"`
	ReadyCount int32  `json:"ready_count"`
	PeerCount  int32  `json:"peer_count"`
	Queued     int    `json:"queued"`
	Peers      int    `json:"peers"`
}

// Client is the peer side of the synchronizer. It stamps and submits local
// commands and executes the server's frame broadcasts in order.
type Client struct {
	cfg ClientConfig
	out ClientOutbox
	log zerolog.Logger

	queue *pump.Queue[Command]

	mu         sync.Mutex
	state      State
	mode       protocol.Mode
	interval   time.Duration
	role       int32
	ready      bool
	readyCount int32
	peerCount  int32
	peers      map[int32]protocol.Connect
	current    int64
	sent       int64
	executed   int64
	serverTime int64
	anchor     time.Time
	lastSubmit time.Time
}

// NewClient returns an idle Client sending through out.
func NewClient(cfg ClientConfig, out ClientOutbox) *Client {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Client{
		cfg:      cfg,
		out:      out,
		log:      logx.Component("framesync.client"),
		queue:    pump.NewQueue[Command](cfg.QueueSize),
		state:    Idle,
		interval: 100 * time.Millisecond,
		peers:    make(map[int32]protocol.Connect),
	}
}

// Connect asks the server to admit this client as a player.
func (c *Client) Connect(name string, pos, dir codec.Vec3) error {
	return c.out.Send(protocol.ConnectRequest, &protocol.Connect{Name: name, Position: pos, Direction: dir})
}

// OnConnectAccept adopts the role, mode and frame interval granted by the
// server.
func (c *Client) OnConnectAccept(m *protocol.Connect) {
	c.mu.Lock()
	c.role = m.RoleID
	c.mode = m.Mode
	if m.FrameInterval > 0 {
		c.interval = time.Duration(m.FrameInterval) * time.Millisecond
	}
	c.state = AwaitingReady
	c.mu.Unlock()
	c.log.Info().Int32("role", m.RoleID).Str("mode", m.Mode.String()).Int64("interval_ms", m.FrameInterval).Msg("connected")
	c.notify([]State{AwaitingReady})
}

// OnConnectBroadcast records another player.
func (c *Client) OnConnectBroadcast(m *protocol.Connect) {
	c.mu.Lock()
	c.peers[m.RoleID] = *m
	c.mu.Unlock()
	if c.cfg.OnPeer != nil {
		c.cfg.OnPeer(*m, true)
	}
}

// OnDisconnectBroadcast forgets a player that left.
func (c *Client) OnDisconnectBroadcast(m *protocol.Disconnect) {
	c.mu.Lock()
	p, ok := c.peers[m.RoleID]
	delete(c.peers, m.RoleID)
	c.mu.Unlock()
	if ok && c.cfg.OnPeer != nil {
		c.cfg.OnPeer(p, false)
	}
}

// Ready signals readiness once.
func (c *Client) Ready(pos, dir codec.Vec3) error {
	c.mu.Lock()
	role := c.role
	if c.ready {
		c.mu.Unlock()
		return c.violate(&Violation{Kind: ErrDuplicateReady, RoleID: role})
	}
	c.ready = true
	c.mu.Unlock()
	return c.out.Send(protocol.ReadyRequest, &protocol.Ready{RoleID: role, Position: pos, Direction: dir})
}

// OnReadyBroadcast records the live ready counts.
func (c *Client) OnReadyBroadcast(m *protocol.Ready) {
	c.mu.Lock()
	c.readyCount = m.ReadyCount
	c.peerCount = m.PeerCount
	if p, ok := c.peers[m.RoleID]; ok {
		p.Ready = true
		c.peers[m.RoleID] = p
	}
	c.mu.Unlock()
	c.log.Debug().Int32("role", m.RoleID).Int32("ready", m.ReadyCount).Int32("peers", m.PeerCount).Msg("ready")
}

// OnBegin starts the local frame loop at the frame the server names.
func (c *Client) OnBegin(m *protocol.Begin) {
	now := c.cfg.Now()
	c.mu.Lock()
	c.current = m.Frame
	c.sent = m.Frame - 1
	c.serverTime = m.FrameTime
	c.anchor = now
	c.lastSubmit = time.Time{}
	c.state = Ticking
	c.mu.Unlock()
	c.log.Info().Int64("frame", m.Frame).Msg("frame loop started")
	c.notify([]State{AllReady, Ticking})
}

// FrameTime estimates the server's frame time in milliseconds: the last
// time the server reported plus local time elapsed since.
func (c *Client) FrameTime() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameTime(c.cfg.Now())
}

func (c *Client) frameTime(now time.Time) int64 {
	if c.anchor.IsZero() {
		return c.serverTime
	}
	return c.serverTime + now.Sub(c.anchor).Milliseconds()
}

// Submit schedules commands. In lockstep they are queued until the next
// frame submission; in optimistic mode each command is sent at once,
// stamped with the current frame and estimated server time.
func (c *Client) Submit(cmds ...Command) error {
	c.mu.Lock()
	if c.state != Ticking {
		c.mu.Unlock()
		return ErrNotTicking
	}
	ft := c.frameTime(c.cfg.Now())
	for i := range cmds {
		cmds[i].Stamp(c.current, ft)
	}
	if c.mode == protocol.ModeOptimistic {
		role, frame := c.role, c.current
		c.mu.Unlock()
		for _, cmd := range cmds {
			msg := &protocol.Frame{RoleID: role, Frame: frame, FrameTime: ft, Commands: []Command{cmd}}
			if err := c.out.Send(protocol.FrameSubmit, msg); err != nil {
				return err
			}
		}
		return nil
	}
	c.mu.Unlock()
	for _, cmd := range cmds {
		if !c.queue.Push(cmd) {
			metrics.RecordQueueDropped("commands")
			return ErrQueueFull
		}
	}
	return nil
}

// Tick sends the lockstep submission for the current frame once the frame
// interval has elapsed. Only one submission is sent per frame; the next is
// due after the server broadcasts the current one. An empty submission is
// still sent so the server can release the frame.
func (c *Client) Tick(now time.Time) error {
	c.mu.Lock()
	if c.state != Ticking || c.mode != protocol.ModeLockStep || c.sent >= c.current {
		c.mu.Unlock()
		return nil
	}
	if !c.lastSubmit.IsZero() && now.Sub(c.lastSubmit) < c.interval {
		c.mu.Unlock()
		return nil
	}
	cmds := c.queue.Take()
	for i := range cmds {
		cmds[i].Frame = c.current
	}
	msg := &protocol.Frame{RoleID: c.role, Frame: c.current, FrameTime: c.frameTime(now), Commands: cmds}
	c.sent = c.current
	c.lastSubmit = now
	c.mu.Unlock()
	return c.out.Send(protocol.FrameSubmit, msg)
}

// OnFrameBroadcast executes a frame released by the server.
//
// In lockstep the frame must be exactly the one expected next; anything
// else is a protocol violation, reported and otherwise ignored. In
// optimistic mode the client adopts the server's frame number.
func (c *Client) OnFrameBroadcast(m *protocol.Frame) error {
	now := c.cfg.Now()
	c.mu.Lock()
	if c.state != Ticking {
		v := &Violation{Kind: ErrNotTicking, RoleID: c.role, Frame: m.Frame}
		c.mu.Unlock()
		return c.violate(v)
	}
	if c.mode == protocol.ModeLockStep && m.Frame != c.current {
		v := &Violation{Kind: ErrFrameMismatch, RoleID: c.role, Frame: m.Frame}
		v.Detail = "expected frame " + strconv.FormatInt(c.current, 10)
		c.mu.Unlock()
		return c.violate(v)
	}
	cmds := slices.Clone(m.Commands)
	command.Sort(cmds)
	c.serverTime = m.FrameTime
	c.anchor = now
	c.executed = m.Frame
	if c.mode == protocol.ModeLockStep {
		c.current++
	} else {
		c.current = m.Frame
	}
	c.mu.Unlock()

	if c.cfg.OnFrameExecuted != nil {
		c.cfg.OnFrameExecuted(m.Frame, cmds)
	}
	return nil
}

// OnDisconnected stops the frame loop and drops queued commands.
func (c *Client) OnDisconnected() {
	c.mu.Lock()
	if c.state == Stopped {
		c.mu.Unlock()
		return
	}
	c.state = Stopped
	c.mu.Unlock()
	c.queue.Take()
	c.notify([]State{Stopped})
}

// Status returns a copy of the client's state.
func (c *Client) Status() ClientStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStatus{
		State:      c.state.String(),
		Mode:       c.mode.String(),
		RoleID:     c.role,
		Frame:      c.current,
		Executed:   c.executed,
		ReadyCount: c.readyCount,
		PeerCount:  c.peerCount,
		Queued:     c.queue.Len(),
		Peers:      len(c.peers),
	}
}

// State returns the client state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RoleID returns the role granted by the server.
func (c *Client) RoleID() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) notify(states []State) {
	if c.cfg.OnStateChange == nil {
		return
	}
	for _, st := range states {
		c.cfg.OnStateChange(st)
	}
}

func (c *Client) violate(v *Violation) error {
	c.log.Warn().Err(v.Kind).Int32("role", v.RoleID).Int64("frame", v.Frame).Str("detail", v.Detail).Msg("protocol violation")
	metrics.RecordViolation(KindName(v))
	return v
}
