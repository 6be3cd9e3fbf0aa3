package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Enanyy/Frame/internal/serverstate"
)

func newTestRouter(t *testing.T) (http.Handler, *serverstate.Tracker) {
	t.Helper()
	tr := serverstate.NewTracker(nil)
	tr.Update(func(s *serverstate.State) {
		s.Status = "ticking"
		s.Mode = "lockstep"
		s.Frame = 12
		s.Peers = 2
	})
	sections := serverstate.NewSections()
	sections.Add(serverstate.Section{ID: "room", Data: func() any {
		return map[string]int{"frame": 12}
	}})
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "frame_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()
	h := New(Options{
		Tracker:        tr,
		Sections:       sections,
		Gatherer:       reg,
		AllowedOrigins: []string{"http://example.com"},
		WSPath:         "/ws",
		WebSocket: func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		},
	})
	return h, tr
}

func TestGetState(t *testing.T) {
	h, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var env struct {
		State    serverstate.State         `json:"state"`
		Sections map[string]map[string]int `json:"sections"`
	}
	if err := json.NewDecoder(w.Body).Decode(&env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.State.Status != "ticking" || env.State.Frame != 12 || env.State.Peers != 2 {
		t.Fatalf("state = %+v", env.State)
	}
	if env.Sections["room"]["frame"] != 12 {
		t.Fatalf("sections = %v", env.Sections)
	}
}

func TestGetSection(t *testing.T) {
	h, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/state/room", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"frame":12`) {
		t.Fatalf("room section = %d %s", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/state/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing section status = %d", w.Code)
	}
}

func TestHealthzDraining(t *testing.T) {
	h, tr := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("healthz = %d", w.Code)
	}
	tr.StartDrain()
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("healthz while draining = %d", w.Code)
	}
}

func TestMetricsAndWebSocketRoutes(t *testing.T) {
	h, _ := newTestRouter(t)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "frame_test_total 1") {
		t.Fatalf("metrics = %d %s", w.Code, w.Body.String())
	}
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if w.Code != http.StatusTeapot {
		t.Fatalf("ws route status = %d", w.Code)
	}
}

func TestCORS(t *testing.T) {
	h, _ := newTestRouter(t)
	r := httptest.NewRequest(http.MethodGet, "/api/state", nil)
	r.Header.Set("Origin", "http://example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestGetStateStream(t *testing.T) {
	tr := serverstate.NewTracker(nil)
	tr.SetStatus("idle")
	h := &StateHandler{Tracker: tr, Sections: serverstate.NewSections(), Interval: 10 * time.Millisecond}
	srv := httptest.NewServer(http.HandlerFunc(h.GetStateStream))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	rd := bufio.NewReader(resp.Body)
	line, err := rd.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.HasPrefix(line, "data: ") {
		t.Fatalf("line = %q", line)
	}
	var env Envelope
	if err := json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(line), "data: ")), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.State.Status != "idle" {
		t.Fatalf("state = %+v", env.State)
	}
}

func TestHost(t *testing.T) {
	h := Host()
	if h.CPUs <= 0 || h.Goroutines <= 0 {
		t.Fatalf("host = %+v", h)
	}
}
