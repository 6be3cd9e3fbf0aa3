package framesync

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
	"github.com/Enanyy/Frame/internal/protocol"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Unix(1700000000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
	return c.t
}

type sent struct {
	session int32
	id      protocol.ID
	m       codec.Message
}

type recorder struct {
	mu   sync.Mutex
	msgs []sent
}

func (r *recorder) Send(session int32, id protocol.ID, m codec.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, sent{session, id, m})
	return nil
}

func (r *recorder) to(session int32, id protocol.ID) []codec.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []codec.Message
	for _, s := range r.msgs {
		if s.session == session && s.id == id {
			out = append(out, s.m)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	r.msgs = nil
	r.mu.Unlock()
}

type executed struct {
	frame int64
	cmds  []Command
}

type harness struct {
	srv   *Server
	out   *recorder
	clk   *clock
	mu    sync.Mutex
	execs []executed
}

func newHarness(t *testing.T, mode protocol.Mode, spawn int) *harness {
	t.Helper()
	h := &harness{out: &recorder{}, clk: newClock()}
	h.srv = NewServer(ServerConfig{
		Mode:          mode,
		FrameInterval: 100 * time.Millisecond,
		SpawnCount:    spawn,
		Now:           h.clk.Now,
		OnFrameExecuted: func(frame int64, cmds []Command) {
			h.mu.Lock()
			h.execs = append(h.execs, executed{frame, cmds})
			h.mu.Unlock()
		},
	}, h.out)
	return h
}

func (h *harness) frames() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []int64
	for _, e := range h.execs {
		out = append(out, e.frame)
	}
	return out
}

func (h *harness) last() executed {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.execs[len(h.execs)-1]
}

func (h *harness) join(t *testing.T, session int32, name string) Peer {
	t.Helper()
	p, err := h.srv.Join(session, &protocol.Connect{Name: name})
	if err != nil {
		t.Fatalf("join %d: %v", session, err)
	}
	return p
}

func (h *harness) ready(t *testing.T, session int32) {
	t.Helper()
	if err := h.srv.Ready(session, &protocol.Ready{}); err != nil {
		t.Fatalf("ready %d: %v", session, err)
	}
}

func (h *harness) submit(t *testing.T, session int32, frame int64, cmds ...Command) {
	t.Helper()
	if err := h.srv.Submit(session, &protocol.Frame{Frame: frame, Commands: cmds}); err != nil {
		t.Fatalf("submit %d frame %d: %v", session, frame, err)
	}
}

func TestJoinAssignsRolesAndBroadcasts(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	a := h.join(t, 1, "a")
	b := h.join(t, 2, "b")
	if a.RoleID != FirstRoleID || b.RoleID != FirstRoleID+1 {
		t.Fatalf("roles = %d, %d", a.RoleID, b.RoleID)
	}
	acc := h.out.to(2, protocol.ConnectAccept)
	if len(acc) != 1 {
		t.Fatalf("accepts to b = %d", len(acc))
	}
	m := acc[0].(*protocol.Connect)
	if m.RoleID != b.RoleID || m.Mode != protocol.ModeLockStep || m.FrameInterval != 100 {
		t.Fatalf("accept = %+v", m)
	}
	if got := h.out.to(2, protocol.ConnectBroadcast); len(got) != 1 || got[0].(*protocol.Connect).RoleID != a.RoleID {
		t.Fatalf("b should learn about a: %+v", got)
	}
	if got := h.out.to(1, protocol.ConnectBroadcast); len(got) != 1 || got[0].(*protocol.Connect).RoleID != b.RoleID {
		t.Fatalf("a should learn about b: %+v", got)
	}
	if h.srv.State() != AwaitingReady {
		t.Fatalf("state = %v", h.srv.State())
	}
	_, err := h.srv.Join(1, nil)
	if !errors.Is(err, ErrDuplicateConnect) {
		t.Fatalf("duplicate join err = %v", err)
	}
}

func TestReadyBroadcastsCountsAndBegins(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)

	rb := h.out.to(2, protocol.ReadyBroadcast)
	if len(rb) != 1 {
		t.Fatalf("ready broadcasts to b = %d", len(rb))
	}
	if r := rb[0].(*protocol.Ready); r.ReadyCount != 1 || r.PeerCount != 2 || r.RoleID != FirstRoleID {
		t.Fatalf("ready broadcast = %+v", r)
	}
	if h.srv.State() != AwaitingReady {
		t.Fatalf("began before everyone was ready")
	}
	if err := h.srv.Ready(1, nil); !errors.Is(err, ErrDuplicateReady) {
		t.Fatalf("duplicate ready err = %v", err)
	}
	if err := h.srv.Ready(9, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown ready err = %v", err)
	}

	h.ready(t, 2)
	if h.srv.State() != Ticking || h.srv.Frame() != 1 {
		t.Fatalf("state = %v frame = %d", h.srv.State(), h.srv.Frame())
	}
	for _, s := range []int32{1, 2} {
		got := h.out.to(s, protocol.BeginBroadcast)
		if len(got) != 1 || got[0].(*protocol.Begin).Frame != 1 {
			t.Fatalf("begin to %d = %+v", s, got)
		}
	}
}

func TestLockStepHoldsUntilEveryPeerSubmits(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.ready(t, 2)

	h.submit(t, 1, 1, command.Command{ID: 1, Type: 2})
	if len(h.frames()) != 0 {
		t.Fatalf("frame released with a missing peer")
	}
	snap := h.srv.Snapshot()
	if diff := cmp.Diff([]int32{FirstRoleID + 1}, snap.Missing); diff != "" {
		t.Fatalf("missing (-want +got):\n%s", diff)
	}

	h.submit(t, 2, 1)
	if diff := cmp.Diff([]int64{1}, h.frames()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
	if h.srv.Frame() != 2 {
		t.Fatalf("frame = %d", h.srv.Frame())
	}
	for _, s := range []int32{1, 2} {
		fb := h.out.to(s, protocol.FrameBroadcast)
		if len(fb) != 1 {
			t.Fatalf("broadcasts to %d = %d", s, len(fb))
		}
		if f := fb[0].(*protocol.Frame); f.Frame != 1 || len(f.Commands) != 1 {
			t.Fatalf("broadcast = %+v", f)
		}
	}
}

func TestLockStepBroadcastOrder(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.ready(t, 2)
	for f := int64(1); f < 5; f++ {
		h.submit(t, 1, f)
		h.submit(t, 2, f)
	}

	c1 := command.Command{ID: 11, Frame: 5, Type: 2, Payload: []byte{0x01}}
	c2 := command.Command{ID: 12, Frame: 5, Type: 1, Payload: []byte{0x02}}
	h.submit(t, 1, 5, c1, c2)
	h.submit(t, 2, 5)

	got := h.last()
	if got.frame != 5 {
		t.Fatalf("last frame = %d", got.frame)
	}
	if diff := cmp.Diff([]Command{c2, c1}, got.cmds); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
	fb := h.out.to(2, protocol.FrameBroadcast)
	if diff := cmp.Diff([]Command{c2, c1}, fb[len(fb)-1].(*protocol.Frame).Commands); diff != "" {
		t.Fatalf("broadcast order (-want +got):\n%s", diff)
	}
}

func TestLockStepOrderIgnoresArrival(t *testing.T) {
	cmds := []Command{
		{ID: 1, Type: 3, Payload: []byte{9}},
		{ID: 2, Type: 1, Payload: []byte{1, 2}},
		{ID: 3, Type: 1, Payload: []byte{1}},
	}
	run := func(first, second int32) []Command {
		h := newHarness(t, protocol.ModeLockStep, 0)
		h.join(t, 1, "a")
		h.join(t, 2, "b")
		h.ready(t, 1)
		h.ready(t, 2)
		byPeer := map[int32][]Command{1: {cmds[0], cmds[2]}, 2: {cmds[1]}}
		h.submit(t, first, 1, byPeer[first]...)
		h.submit(t, second, 1, byPeer[second]...)
		return h.last().cmds
	}
	if diff := cmp.Diff(run(1, 2), run(2, 1)); diff != "" {
		t.Fatalf("order depends on arrival (-a +b):\n%s", diff)
	}
}

func TestLockStepSubmissionViolations(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	if err := h.srv.Submit(1, &protocol.Frame{Frame: 1}); !errors.Is(err, ErrNotTicking) {
		t.Fatalf("submit before begin err = %v", err)
	}
	h.ready(t, 1)
	h.ready(t, 2)

	h.submit(t, 1, 1)
	err := h.srv.Submit(1, &protocol.Frame{Frame: 1})
	var v *Violation
	if !errors.As(err, &v) || !errors.Is(err, ErrDuplicateSubmission) || v.RoleID != FirstRoleID {
		t.Fatalf("duplicate err = %v", err)
	}
	h.submit(t, 2, 1)

	if err := h.srv.Submit(2, &protocol.Frame{Frame: 1}); !errors.Is(err, ErrLateSubmission) {
		t.Fatalf("late err = %v", err)
	}
	if err := h.srv.Submit(2, &protocol.Frame{Frame: 2 + MaxLead + 1}); !errors.Is(err, ErrFrameMismatch) {
		t.Fatalf("far ahead err = %v", err)
	}
	if err := h.srv.Submit(7, &protocol.Frame{Frame: 2}); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("unknown err = %v", err)
	}
}

func TestLockStepBuffersFutureFrames(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.ready(t, 2)

	h.submit(t, 1, 1)
	h.submit(t, 1, 2)
	h.submit(t, 2, 2)
	if len(h.frames()) != 0 {
		t.Fatalf("frame 2 released before frame 1")
	}
	h.submit(t, 2, 1)
	if diff := cmp.Diff([]int64{1, 2}, h.frames()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
}

func TestLeaveReleasesPendingFrame(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.ready(t, 2)
	h.submit(t, 1, 1)

	if !h.srv.Leave(2) {
		t.Fatalf("leave returned false")
	}
	if diff := cmp.Diff([]int64{1}, h.frames()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
	db := h.out.to(1, protocol.DisconnectBroadcast)
	if len(db) != 1 || db[0].(*protocol.Disconnect).RoleID != FirstRoleID+1 {
		t.Fatalf("disconnect broadcast = %+v", db)
	}
	if h.srv.Leave(2) {
		t.Fatalf("second leave returned true")
	}
}

func TestLeaveOfUnreadyPeerBegins(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.srv.Leave(2)
	if h.srv.State() != Ticking {
		t.Fatalf("state = %v", h.srv.State())
	}
}

func TestRoomResetsWhenEmpty(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	var states []State
	h.srv.cfg.OnStateChange = func(s State) { states = append(states, s) }
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.srv.Leave(1)

	want := []State{AwaitingReady, AllReady, Ticking, Idle}
	if diff := cmp.Diff(want, states); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
	if h.srv.Frame() != 0 {
		t.Fatalf("frame = %d", h.srv.Frame())
	}
	if p := h.join(t, 3, "c"); p.RoleID != FirstRoleID {
		t.Fatalf("role after reset = %d", p.RoleID)
	}
}

func TestLateReadyJoinsAtCurrentFrame(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.submit(t, 1, 1)
	h.submit(t, 1, 2)

	h.join(t, 2, "b")
	h.submit(t, 1, 3)
	if diff := cmp.Diff([]int64{1, 2, 3}, h.frames()); diff != "" {
		t.Fatalf("unready peer held the room (-want +got):\n%s", diff)
	}
	if got := h.out.to(2, protocol.FrameBroadcast); len(got) != 0 {
		t.Fatalf("unready peer received %d frames", len(got))
	}

	h.clk.Advance(250 * time.Millisecond)
	h.ready(t, 2)
	begin := h.out.to(2, protocol.BeginBroadcast)
	if len(begin) != 1 {
		t.Fatalf("begin to late peer = %d", len(begin))
	}
	if b := begin[0].(*protocol.Begin); b.Frame != 4 || b.FrameTime != 250 {
		t.Fatalf("late begin = %+v", b)
	}
	if p, _ := h.srv.Peer(2); p.JoinFrame != 4 {
		t.Fatalf("join frame = %d", p.JoinFrame)
	}

	h.submit(t, 1, 4)
	if len(h.frames()) != 3 {
		t.Fatalf("frame 4 released without the late peer")
	}
	h.submit(t, 2, 4)
	if h.last().frame != 4 {
		t.Fatalf("last = %d", h.last().frame)
	}
}

func TestSpawnCommandsInFirstFrame(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 3)
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.submit(t, 1, 1)

	got := h.last()
	if got.frame != 1 || len(got.cmds) != 3 {
		t.Fatalf("first frame = %+v", got)
	}
	var ids []int64
	for _, c := range got.cmds {
		if c.Type != command.TypeSpawnEntity || c.Frame != 1 {
			t.Fatalf("command = %+v", c)
		}
		var p command.SpawnEntity
		if err := p.Unmarshal(c.Payload); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		ids = append(ids, p.EntityID)
	}
	for _, want := range []int64{FirstEntityID, FirstEntityID + 1, FirstEntityID + 2} {
		found := false
		for _, id := range ids {
			found = found || id == want
		}
		if !found {
			t.Fatalf("entity %d missing from %v", want, ids)
		}
	}
}

func TestInjectRequiresTicking(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	if err := h.srv.Inject(command.Command{Type: 1}); !errors.Is(err, ErrNotTicking) {
		t.Fatalf("inject err = %v", err)
	}
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.clk.Advance(30 * time.Millisecond)
	if err := h.srv.Inject(command.Command{ID: 5, Type: 1}); err != nil {
		t.Fatalf("inject: %v", err)
	}
	h.submit(t, 1, 1)
	c := h.last().cmds[0]
	if c.ID != 5 || c.Frame != 1 || c.IssuedAt != 30 {
		t.Fatalf("injected = %+v", c)
	}
}

func TestOptimisticReleasesEveryTick(t *testing.T) {
	h := newHarness(t, protocol.ModeOptimistic, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 1)
	h.ready(t, 2)

	h.submit(t, 1, 1, command.Command{ID: 1, Frame: 1, Type: 2})
	h.srv.Tick(h.clk.Advance(50 * time.Millisecond))
	if len(h.frames()) != 0 {
		t.Fatalf("released before the interval")
	}

	now := h.clk.Advance(50 * time.Millisecond)
	h.srv.Tick(now)
	h.srv.Tick(now)
	if diff := cmp.Diff([]int64{1}, h.frames()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
	if len(h.last().cmds) != 1 {
		t.Fatalf("frame 1 commands = %d", len(h.last().cmds))
	}

	// Nobody contributes; frames still go out, each once.
	h.srv.Tick(h.clk.Advance(200 * time.Millisecond))
	if diff := cmp.Diff([]int64{1, 2, 3}, h.frames()); diff != "" {
		t.Fatalf("released (-want +got):\n%s", diff)
	}
	if n := len(h.out.to(2, protocol.FrameBroadcast)); n != 3 {
		t.Fatalf("broadcasts to b = %d", n)
	}
}

func TestOptimisticLateCommandsLandInNextFrame(t *testing.T) {
	h := newHarness(t, protocol.ModeOptimistic, 0)
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.srv.Tick(h.clk.Advance(100 * time.Millisecond))

	// Stamped for frame 1, which is already out.
	h.submit(t, 1, 1, command.Command{ID: 9, Frame: 1, Type: 2})
	h.srv.Tick(h.clk.Advance(100 * time.Millisecond))
	got := h.last()
	if got.frame != 2 || len(got.cmds) != 1 || got.cmds[0].ID != 9 {
		t.Fatalf("frame = %+v", got)
	}
}

func TestOptimisticCatchUpIsBounded(t *testing.T) {
	h := newHarness(t, protocol.ModeOptimistic, 0)
	h.join(t, 1, "a")
	h.ready(t, 1)
	h.srv.Tick(h.clk.Advance(10 * time.Second))
	if n := len(h.frames()); n != maxCatchUp {
		t.Fatalf("released %d frames, want %d", n, maxCatchUp)
	}
	h.srv.Tick(h.clk.Advance(100 * time.Millisecond))
	if n := len(h.frames()); n != maxCatchUp+1 {
		t.Fatalf("released %d frames after catch-up", n)
	}
}

func TestSnapshot(t *testing.T) {
	h := newHarness(t, protocol.ModeLockStep, 0)
	h.join(t, 1, "a")
	h.join(t, 2, "b")
	h.ready(t, 2)
	snap := h.srv.Snapshot()
	if snap.State != "awaiting_ready" || snap.Mode != "lockstep" || snap.Ready != 1 || len(snap.Peers) != 2 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Peers[0].Name != "a" || !snap.Peers[1].Ready {
		t.Fatalf("peers = %+v", snap.Peers)
	}
}
