package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/Enanyy/Frame/internal/codec"
	"github.com/Enanyy/Frame/internal/command"
	"github.com/Enanyy/Frame/internal/config"
	"github.com/Enanyy/Frame/internal/framesync"
	"github.com/Enanyy/Frame/internal/metrics"
	"github.com/Enanyy/Frame/internal/serverstate"
)

func TestDelaySchedule(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{2, time.Second},
		{3, 5 * time.Second},
		{8, 15 * time.Second},
		{9, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v; want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestRunWithReconnect(t *testing.T) {
	fail := errors.New("boom")
	fast := func(int) time.Duration { return time.Millisecond }

	calls := 0
	err := runWithReconnect(context.Background(), true, fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return fail
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}

	calls = 0
	err = runWithReconnect(context.Background(), false, fast, func(context.Context) error {
		calls++
		return fail
	})
	if !errors.Is(err, fail) || calls != 1 {
		t.Fatalf("without reconnect: err = %v, calls = %d", err, calls)
	}

	ctx, cancel := context.WithCancel(context.Background())
	calls = 0
	err = runWithReconnect(ctx, true, func(int) time.Duration { return time.Hour }, func(context.Context) error {
		calls++
		cancel()
		return fail
	})
	if !errors.Is(err, fail) || calls != 1 {
		t.Fatalf("after cancel: err = %v, calls = %d", err, calls)
	}
}

func TestEvents(t *testing.T) {
	e := NewEvents()
	var got []framesync.State
	cb, ok := On(e, EventStateChanged, func(st framesync.State) { got = append(got, st) })
	if !ok {
		t.Fatalf("subscribe failed")
	}
	if _, ok := On(e, EventStateChanged, func(s string) {}); ok {
		t.Fatalf("subscribed a second payload type to one event")
	}
	if n := e.Emit(EventStateChanged, framesync.Ticking); n != 1 {
		t.Fatalf("emit ran %d subscribers", n)
	}
	if n := e.Emit(EventStateChanged, "ticking"); n != 0 {
		t.Fatalf("mismatched payload ran %d subscribers", n)
	}
	Off(e, EventStateChanged, cb)
	e.Emit(EventStateChanged, framesync.Stopped)
	if diff := cmp.Diff([]framesync.State{framesync.Ticking}, got); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
}

func TestWorldDigest(t *testing.T) {
	cmds := []command.Command{
		command.New(command.TypeSpawnEntity, &command.SpawnEntity{EntityID: 100000, Position: codec.Vec3{X: 1}}),
		command.New(command.TypeMoveTo, &command.MoveTo{RoleID: 100, Target: codec.Vec3{X: 5, Z: 2}}),
		command.New(command.TypeAction, &command.Action{RoleID: 101, ActionID: 3}),
	}
	apply := func(order []command.Command) *World {
		w := NewWorld()
		d := command.NewDispatcher()
		w.Bind(d)
		for _, c := range order {
			w.Record(c)
		}
		if err := d.DispatchAll(order); err != nil {
			t.Fatalf("dispatch: %v", err)
		}
		return w
	}
	a := apply(cmds)
	b := apply(cmds)
	if a.Status() != b.Status() {
		t.Fatalf("same commands, different worlds: %+v %+v", a.Status(), b.Status())
	}
	st := a.Status()
	if st.Entities != 1 || st.Actors != 1 || st.Actions != 1 || st.Applied != 3 {
		t.Fatalf("status = %+v", st)
	}
	if got, ok := a.Actor(100); !ok || got != (codec.Vec3{X: 5, Z: 2}) {
		t.Fatalf("actor = %v %v", got, ok)
	}
	if diff := cmp.Diff([]int64{100000}, a.Entities()); diff != "" {
		t.Fatalf("entities (-want +got):\n%s", diff)
	}

	c := apply([]command.Command{cmds[1], cmds[0], cmds[2]})
	if c.Status().Digest == a.Status().Digest {
		t.Fatalf("digest ignores command order")
	}
}

// frameLog records what a bot executed, per frame.
type frameLog struct {
	mu     sync.Mutex
	frames map[int64][]command.Command
}

func watch(b *Bot) *frameLog {
	l := &frameLog{frames: map[int64][]command.Command{}}
	On(b.Events(), EventFrameExecuted, func(e Executed) {
		l.mu.Lock()
		l.frames[e.Frame] = append([]command.Command(nil), e.Commands...)
		l.mu.Unlock()
	})
	return l
}

// common returns the frames both logs executed.
func common(a, b *frameLog) map[int64][2][]command.Command {
	a.mu.Lock()
	defer a.mu.Unlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := map[int64][2][]command.Command{}
	for f, cmds := range a.frames {
		if other, ok := b.frames[f]; ok {
			out[f] = [2][]command.Command{cmds, other}
		}
	}
	return out
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testServerConfig(datagram, sync string) config.ServerConfig {
	var cfg config.ServerConfig
	cfg.SetDefaults()
	cfg.BindHost = "127.0.0.1"
	cfg.StreamPort = 0
	cfg.DatagramPort = 0
	cfg.DatagramMode = datagram
	cfg.SyncMode = sync
	cfg.FrameInterval = 20 * time.Millisecond
	cfg.TickInterval = 2 * time.Millisecond
	cfg.ARQInterval = 5 * time.Millisecond
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second
	return cfg
}

func startServer(t *testing.T, cfg config.ServerConfig) *Server {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics.Register(reg)
	srv, err := NewServer(cfg, serverstate.NewTracker(nil), reg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return srv
}

func startBot(t *testing.T, srv *Server, cfg config.BotConfig) *Bot {
	t.Helper()
	cfg.ServerHost = "127.0.0.1"
	cfg.StreamPort = srv.Net().StreamAddr().(*net.TCPAddr).Port
	cfg.DatagramPort = int(srv.Net().DatagramAddr().Port())
	cfg.TickInterval = 2 * time.Millisecond
	cfg.CommandInterval = 10 * time.Millisecond
	cfg.ARQInterval = 5 * time.Millisecond
	cfg.StatusInterval = 50 * time.Millisecond
	b := NewBot(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("bot did not stop")
		}
	})
	return b
}

func botConfig(name, datagram string) config.BotConfig {
	var cfg config.BotConfig
	cfg.SetDefaults()
	cfg.Name = name
	cfg.DatagramMode = datagram
	return cfg
}

func assertSameFrames(t *testing.T, a, b *frameLog, min int) {
	t.Helper()
	eventually(t, "common frames", func() bool { return len(common(a, b)) >= min })
	for f, pair := range common(a, b) {
		if diff := cmp.Diff(pair[0], pair[1]); diff != "" {
			t.Fatalf("frame %d diverged (-a +b):\n%s", f, diff)
		}
	}
}

func TestLockStepBotsOverARQ(t *testing.T) {
	srv := startServer(t, testServerConfig(config.DatagramARQ, config.SyncLockStep))
	a := startBot(t, srv, botConfig("a", config.DatagramARQ))
	la := watch(a)
	b := startBot(t, srv, botConfig("b", config.DatagramARQ))
	lb := watch(b)

	assertSameFrames(t, la, lb, 10)

	eventually(t, "published status", func() bool {
		st := srv.Tracker().Get()
		return st.Status == "ticking" && st.Peers == 2 && st.Ready == 2
	})
	resp, err := http.Get("http://" + srv.HTTPAddr() + "/api/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	var env struct {
		State    serverstate.State `json:"state"`
		Sections struct {
			Room     framesync.Snapshot `json:"room"`
			Sessions []json.RawMessage  `json:"sessions"`
		} `json:"sections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if env.State.Mode != "lockstep" || len(env.Sections.Room.Peers) != 2 || len(env.Sections.Sessions) != 2 {
		t.Fatalf("state = %+v", env)
	}
}

func TestOptimisticBotsOverWebSocket(t *testing.T) {
	srv := startServer(t, testServerConfig(config.DatagramRaw, config.SyncOptimistic))
	ca := botConfig("a", config.DatagramRaw)
	ca.WSURL = "ws://" + srv.HTTPAddr() + "/ws"
	a := startBot(t, srv, ca)
	la := watch(a)
	b := startBot(t, srv, botConfig("b", config.DatagramRaw))
	lb := watch(b)

	assertSameFrames(t, la, lb, 10)
	eventually(t, "spawned entities", func() bool { return a.World().Status().Entities == 3 })
}

func TestPeerLeaveIsPublished(t *testing.T) {
	srv := startServer(t, testServerConfig(config.DatagramRaw, config.SyncLockStep))
	var (
		mu   sync.Mutex
		left []PeerEvent
	)
	On(srv.Events(), EventPeerLeft, func(p PeerEvent) {
		mu.Lock()
		left = append(left, p)
		mu.Unlock()
	})

	cfg := botConfig("solo", config.DatagramRaw)
	cfg.ServerHost = "127.0.0.1"
	cfg.StreamPort = srv.Net().StreamAddr().(*net.TCPAddr).Port
	cfg.DatagramPort = int(srv.Net().DatagramAddr().Port())
	cfg.TickInterval = 2 * time.Millisecond
	bot := NewBot(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	eventually(t, "room ticking", func() bool { return srv.Room().State() == framesync.Ticking })
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("bot run: %v", err)
	}
	eventually(t, "room reset", func() bool { return srv.Room().State() == framesync.Idle })
	mu.Lock()
	defer mu.Unlock()
	if len(left) != 1 || left[0].Name != "solo" || left[0].RoleID != framesync.FirstRoleID {
		t.Fatalf("left = %+v", left)
	}
}
