package framesync

import (
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/protocol"
)

// MaxLead is how far ahead of the pending frame a lockstep submission may
// be before it is rejected.
const MaxLead = 32

// maxCatchUp bounds the frames an optimistic tick releases at once after
// the loop was delayed.
const maxCatchUp = 8

// ServerOutbox delivers a message to one session. Implementations pick the
// channel from the message id.
type ServerOutbox interface {
	Send(sessionID int32, id protocol.ID, m codec.Message) error
}

// ServerConfig configures a Server.
type ServerConfig struct {
	Mode          protocol.Mode
	FrameInterval time.Duration
	// SpawnCount entities are injected under the server role when the
	// frame loop starts.
	SpawnCount int
	Now        func() time.Time

	OnFrameExecuted ExecutedFunc
	OnStateChange   func(State)
}

// Peer is a connected player as seen by the synchronizer.
type Peer struct {
	SessionID int32      `json:"session_id"`
	RoleID    int32      `json:"role_id"`
	Name      string     `json:"name"`
	Ready     bool       `json:"ready"`
	JoinFrame int64      `json:"join_frame"`
	Position  codec.Vec3 `json:"-"`
	Direction codec.Vec3 `json:"-"`
}

// Snapshot is a point-in-time view of the room.
type Snapshot struct {
	State    string  `json:"state"`
	Mode     string  `json:"mode"`
	Frame    int64   `json:"frame"`
	Released int64   `json:"released"`
	Ready    int     `json:"ready"`
	Pending  int     `json:"pending_buckets"`
	Peers    []Peer  `json:"peers"`
	Missing  []int32 `json:"missing,omitempty"`
}

type outMsg struct {
	session int32
	id      protocol.ID
	m       codec.Message
}

type releasedFrame struct {
	frame int64
	cmds  []Command
}

// effects are collected under the lock and emitted after it is released so
// that callbacks may call back into the Server.
type effects struct {
	out      []outMsg
	executed []releasedFrame
	states   []State
}

// Server is the authoritative frame synchronizer. It aggregates submitted
// commands into per-frame buckets and broadcasts each bucket, in
// deterministic order, once the mode's release policy is met.
type Server struct {
	cfg ServerConfig
	out ServerOutbox
	log zerolog.Logger

	mu         sync.Mutex
	state      State
	peers      map[int32]*Peer
	order      []int32
	nextRole   int32
	nextEntity int64
	buckets    map[int64]*Bucket
	current    int64
	released   int64
	began      time.Time
	lastFrame  time.Time
	nextTick   time.Time
}

// NewServer returns an idle Server sending through out.
func NewServer(cfg ServerConfig, out ServerOutbox) *Server {
	if cfg.Mode == protocol.ModeUnknown {
		cfg.Mode = protocol.ModeLockStep
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 100 * time.Millisecond
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	s := &Server{
		cfg: cfg,
		out: out,
		log: logx.Component("framesync").With().Str("mode", cfg.Mode.String()).Logger(),
	}
	s.reset()
	return s
}

func (s *Server) reset() {
	s.state = Idle
	s.peers = make(map[int32]*Peer)
	s.order = nil
	s.nextRole = FirstRoleID
	s.nextEntity = FirstEntityID
	s.buckets = make(map[int64]*Bucket)
	s.current = 0
	s.released = 0
	s.began = time.Time{}
}

// Mode returns the synchronization discipline.
func (s *Server) Mode() protocol.Mode { return s.cfg.Mode }

// State returns the room state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frame returns the frame currently collecting commands, or 0 before the
// loop starts.
func (s *Server) Frame() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Join admits the session as a new player. The newcomer receives its
// accept and one broadcast per existing player; existing players receive
// a broadcast for the newcomer.
func (s *Server) Join(sessionID int32, req *protocol.Connect) (Peer, error) {
	var fx effects
	s.mu.Lock()
	if _, ok := s.peers[sessionID]; ok {
		s.mu.Unlock()
		return Peer{}, s.violate(&Violation{Kind: ErrDuplicateConnect, Detail: "session already joined"})
	}
	p := &Peer{SessionID: sessionID, RoleID: s.nextRole}
	if req != nil {
		p.Name = req.Name
		p.Position = req.Position
		p.Direction = req.Direction
	}
	s.nextRole++

	fx.send(sessionID, protocol.ConnectAccept, &protocol.Connect{
		RoleID:        p.RoleID,
		Name:          p.Name,
		FrameInterval: s.cfg.FrameInterval.Milliseconds(),
		Mode:          s.cfg.Mode,
		Position:      p.Position,
		Direction:     p.Direction,
	})
	for _, id := range s.order {
		other := s.peers[id]
		fx.send(sessionID, protocol.ConnectBroadcast, other.connectMsg())
		fx.send(id, protocol.ConnectBroadcast, p.connectMsg())
	}
	s.peers[sessionID] = p
	s.order = append(s.order, sessionID)
	if s.state == Idle {
		s.setState(&fx, AwaitingReady)
	}
	joined := *p
	s.mu.Unlock()

	s.log.Info().Int32("session", sessionID).Int32("role", joined.RoleID).Str("name", joined.Name).Msg("peer joined")
	s.emit(&fx)
	return joined, nil
}

// Leave removes the session's player. Remaining players receive a
// disconnect broadcast and a pending lockstep frame is re-evaluated
// without it. The room resets once the last player leaves.
func (s *Server) Leave(sessionID int32) bool {
	var fx effects
	s.mu.Lock()
	p, ok := s.peers[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.peers, sessionID)
	s.order = slices.DeleteFunc(s.order, func(id int32) bool { return id == sessionID })
	for _, id := range s.order {
		fx.send(id, protocol.DisconnectBroadcast, &protocol.Disconnect{RoleID: p.RoleID})
	}

	switch {
	case len(s.peers) == 0:
		wasRunning := s.state == Ticking
		s.reset()
		s.setState(&fx, Idle)
		if wasRunning {
			metrics.ResetFrame()
		}
	case s.state == AwaitingReady && s.allReady():
		s.begin(&fx)
	case s.state == Ticking && s.cfg.Mode == protocol.ModeLockStep:
		s.releaseComplete(&fx)
	}
	s.mu.Unlock()

	s.log.Info().Int32("session", sessionID).Int32("role", p.RoleID).Msg("peer left")
	s.emit(&fx)
	return true
}

// Ready marks the session's player ready and broadcasts the signal with
// live counts. The frame loop begins once every player is ready; a player
// readying after that joins the running loop at the current frame.
func (s *Server) Ready(sessionID int32, m *protocol.Ready) error {
	var fx effects
	s.mu.Lock()
	p, ok := s.peers[sessionID]
	if !ok {
		s.mu.Unlock()
		return s.violate(&Violation{Kind: ErrUnknownPeer, Detail: "ready from unjoined session"})
	}
	if p.Ready {
		role := p.RoleID
		s.mu.Unlock()
		return s.violate(&Violation{Kind: ErrDuplicateReady, RoleID: role})
	}
	p.Ready = true
	if m != nil {
		p.Position = m.Position
		p.Direction = m.Direction
	}
	ready, total := s.counts()
	for _, id := range s.order {
		fx.send(id, protocol.ReadyBroadcast, &protocol.Ready{
			RoleID:     p.RoleID,
			Position:   p.Position,
			Direction:  p.Direction,
			ReadyCount: int32(ready),
			PeerCount:  int32(total),
		})
	}
	switch s.state {
	case Ticking:
		p.JoinFrame = s.current
		fx.send(sessionID, protocol.BeginBroadcast, &protocol.Begin{
			Frame:     s.current,
			FrameTime: s.frameTime(s.cfg.Now()),
		})
	case AwaitingReady:
		if s.allReady() {
			s.begin(&fx)
		}
	}
	s.mu.Unlock()

	s.log.Debug().Int32("role", p.RoleID).Int("ready", ready).Int("peers", total).Msg("peer ready")
	s.emit(&fx)
	return nil
}

// Submit accepts a frame submission from the session's player.
//
// In lockstep the submission fills the player's entry in the bucket for
// m.Frame, and complete buckets are released in order. In optimistic mode
// the commands join whatever frame is currently collecting.
func (s *Server) Submit(sessionID int32, m *protocol.Frame) error {
	var fx effects
	s.mu.Lock()
	p, ok := s.peers[sessionID]
	if !ok {
		s.mu.Unlock()
		return s.violate(&Violation{Kind: ErrUnknownPeer, Frame: m.Frame, Detail: "frame from unjoined session"})
	}
	if s.state != Ticking || !p.Ready {
		s.mu.Unlock()
		return s.violate(&Violation{Kind: ErrNotTicking, RoleID: p.RoleID, Frame: m.Frame})
	}
	p.Position = m.Position
	p.Direction = m.Direction

	if s.cfg.Mode == protocol.ModeLockStep {
		switch {
		case m.Frame < s.current || m.Frame < p.JoinFrame:
			v := &Violation{Kind: ErrLateSubmission, RoleID: p.RoleID, Frame: m.Frame}
			s.mu.Unlock()
			return s.violate(v)
		case m.Frame > s.current+MaxLead:
			v := &Violation{Kind: ErrFrameMismatch, RoleID: p.RoleID, Frame: m.Frame, Detail: "too far ahead"}
			s.mu.Unlock()
			return s.violate(v)
		}
		b := s.bucket(m.Frame)
		if b.Has(p.RoleID) {
			v := &Violation{Kind: ErrDuplicateSubmission, RoleID: p.RoleID, Frame: m.Frame}
			s.mu.Unlock()
			return s.violate(v)
		}
		cmds := slices.Clone(m.Commands)
		for i := range cmds {
			cmds[i].Frame = m.Frame
		}
		b.Set(p.RoleID, cmds)
		metrics.RecordCommands("client", len(cmds))
		s.releaseComplete(&fx)
	} else {
		s.bucket(s.current).Add(p.RoleID, m.Commands...)
		metrics.RecordCommands("client", len(m.Commands))
	}
	s.mu.Unlock()

	s.emit(&fx)
	return nil
}

// Inject schedules server-authored commands into the current frame under
// the server role. Commands are stamped with the current frame and time.
func (s *Server) Inject(cmds ...Command) error {
	var fx effects
	s.mu.Lock()
	if s.state != Ticking {
		s.mu.Unlock()
		return ErrNotTicking
	}
	s.inject(cmds)
	if s.cfg.Mode == protocol.ModeLockStep {
		s.releaseComplete(&fx)
	}
	s.mu.Unlock()
	s.emit(&fx)
	return nil
}

func (s *Server) inject(cmds []Command) {
	ft := s.frameTime(s.cfg.Now())
	for i := range cmds {
		cmds[i].Stamp(s.current, ft)
	}
	s.bucket(s.current).Add(ServerRoleID, cmds...)
	metrics.RecordCommands("server", len(cmds))
}

// Tick drives the optimistic release clock. It releases one frame per
// elapsed interval, each frame exactly once. In lockstep it does nothing;
// release there is driven by submissions.
func (s *Server) Tick(now time.Time) {
	if s.cfg.Mode != protocol.ModeOptimistic {
		return
	}
	var fx effects
	s.mu.Lock()
	if s.state == Ticking {
		n := 0
		for !now.Before(s.nextTick) && n < maxCatchUp {
			s.release(&fx, s.current, now)
			s.current++
			s.nextTick = s.nextTick.Add(s.cfg.FrameInterval)
			n++
		}
		if n == maxCatchUp && !now.Before(s.nextTick) {
			s.log.Warn().Int64("frame", s.current).Msg("frame loop behind, skipping ahead")
			s.nextTick = now.Add(s.cfg.FrameInterval)
		}
	}
	s.mu.Unlock()
	s.emit(&fx)
}

// Snapshot returns a copy of the room state.
func (s *Server) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:    s.state.String(),
		Mode:     s.cfg.Mode.String(),
		Frame:    s.current,
		Released: s.released,
		Pending:  len(s.buckets),
		Peers:    make([]Peer, 0, len(s.order)),
	}
	for _, id := range s.order {
		p := s.peers[id]
		snap.Peers = append(snap.Peers, *p)
		if p.Ready {
			snap.Ready++
		}
	}
	if s.state == Ticking && s.cfg.Mode == protocol.ModeLockStep {
		if b, ok := s.buckets[s.current]; ok {
			snap.Missing = b.Missing(s.participants(s.current))
		} else {
			snap.Missing = s.participants(s.current)
		}
	}
	return snap
}

// Peer returns the player bound to sessionID.
func (s *Server) Peer(sessionID int32) (Peer, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.peers[sessionID]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

func (s *Server) begin(fx *effects) {
	now := s.cfg.Now()
	s.setState(fx, AllReady)
	s.current = 1
	s.began = now
	s.lastFrame = now
	s.nextTick = now.Add(s.cfg.FrameInterval)
	for _, id := range s.order {
		p := s.peers[id]
		p.JoinFrame = s.current
		fx.send(id, protocol.BeginBroadcast, &protocol.Begin{Frame: s.current})
	}
	s.setState(fx, Ticking)
	s.log.Info().Int("peers", len(s.order)).Msg("frame loop started")

	if s.cfg.SpawnCount > 0 {
		spawns := make([]Command, 0, s.cfg.SpawnCount)
		for i := 0; i < s.cfg.SpawnCount; i++ {
			spawns = append(spawns, command.New(command.TypeSpawnEntity, &command.SpawnEntity{
				EntityID:  s.nextEntity,
				Kind:      int32(i % 3),
				Position:  codec.VecFromFloat(float64(i)*2, 0, 0),
				Direction: codec.VecFromFloat(0, 0, 1),
			}))
			s.nextEntity++
		}
		s.inject(spawns)
	}
}

// participants returns the roles whose submission frame needs: every
// player that was ready when the frame began, in join order.
func (s *Server) participants(frame int64) []int32 {
	roles := make([]int32, 0, len(s.order))
	for _, id := range s.order {
		p := s.peers[id]
		if p.Ready && p.JoinFrame <= frame {
			roles = append(roles, p.RoleID)
		}
	}
	return roles
}

// releaseComplete releases consecutive complete lockstep buckets.
func (s *Server) releaseComplete(fx *effects) {
	for s.state == Ticking {
		roles := s.participants(s.current)
		if len(roles) == 0 {
			return
		}
		if !s.bucket(s.current).Complete(roles) {
			return
		}
		s.release(fx, s.current, s.cfg.Now())
		s.current++
	}
}

func (s *Server) release(fx *effects, frame int64, now time.Time) {
	b := s.bucket(frame)
	delete(s.buckets, frame)
	cmds := b.Ordered()
	ft := s.frameTime(now)
	msg := &protocol.Frame{Frame: frame, FrameTime: ft, Commands: cmds}
	for _, id := range s.order {
		if s.peers[id].Ready {
			fx.send(id, protocol.FrameBroadcast, msg)
		}
	}
	metrics.RecordFrameReleased(s.cfg.Mode.String(), frame, b.Contributors(), now.Sub(s.lastFrame))
	s.lastFrame = now
	s.released = frame
	fx.executed = append(fx.executed, releasedFrame{frame: frame, cmds: cmds})
}

func (s *Server) bucket(frame int64) *Bucket {
	b, ok := s.buckets[frame]
	if !ok {
		b = NewBucket(frame)
		s.buckets[frame] = b
	}
	return b
}

func (s *Server) counts() (ready, total int) {
	for _, p := range s.peers {
		if p.Ready {
			ready++
		}
	}
	return ready, len(s.peers)
}

func (s *Server) allReady() bool {
	ready, total := s.counts()
	return total > 0 && ready == total
}

func (s *Server) frameTime(now time.Time) int64 {
	if s.began.IsZero() {
		return 0
	}
	return now.Sub(s.began).Milliseconds()
}

func (s *Server) setState(fx *effects, st State) {
	if s.state == st && st != Idle {
		return
	}
	s.state = st
	fx.states = append(fx.states, st)
}

func (s *Server) violate(v *Violation) error {
	s.log.Warn().Err(v.Kind).Int32("role", v.RoleID).Int64("frame", v.Frame).Str("detail", v.Detail).Msg("protocol violation")
	metrics.RecordViolation(KindName(v))
	return v
}

func (s *Server) emit(fx *effects) {
	for _, o := range fx.out {
		if err := s.out.Send(o.session, o.id, o.m); err != nil {
			s.log.Debug().Err(err).Int32("session", o.session).Str("message", protocol.Name(o.id)).Msg("send failed")
		}
	}
	for _, st := range fx.states {
		if s.cfg.OnStateChange != nil {
			s.cfg.OnStateChange(st)
		}
	}
	for _, r := range fx.executed {
		if s.cfg.OnFrameExecuted != nil {
			s.cfg.OnFrameExecuted(r.frame, r.cmds)
		}
	}
}

func (fx *effects) send(session int32, id protocol.ID, m codec.Message) {
	fx.out = append(fx.out, outMsg{session: session, id: id, m: m})
}

func (p *Peer) connectMsg() *protocol.Connect {
	return &protocol.Connect{
		RoleID:    p.RoleID,
		Name:      p.Name,
		Position:  p.Position,
		Direction: p.Direction,
		Ready:     p.Ready,
	}
}
