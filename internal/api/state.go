package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/Enanyy/Frame/internal/logx"
	"github.com/Enanyy/Frame/internal/serverstate"
)

// Envelope is the body of /api/state.
type Envelope struct {
	State    serverstate.State `json:"state"`
	Sections map[string]any    `json:"sections"`
}

// StateHandler serves state snapshots and streams.
type StateHandler struct {
	Tracker  *serverstate.Tracker
	Sections *serverstate.Sections
	// Interval is the period of the event stream; zero means two seconds.
	Interval time.Duration
}

func (h *StateHandler) snapshot() Envelope {
	env := Envelope{Sections: map[string]any{}}
	if h.Tracker != nil {
		env.State = h.Tracker.Get()
	}
	if h.Sections != nil {
		env.Sections = h.Sections.Collect()
	}
	return env
}

// GetState returns a JSON snapshot of the room and every section.
func (h *StateHandler) GetState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(h.snapshot()); err != nil {
		logx.Log.Error().Err(err).Msg("encode state")
	}
}

// GetStateStream streams state snapshots as Server-Sent Events.
func (h *StateHandler) GetStateStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	interval := h.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	send := func() bool {
		b, _ := json.Marshal(h.snapshot())
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send() {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}

// GetHealthz reports ok until the server starts draining.
func (h *StateHandler) GetHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if h.Tracker != nil && h.Tracker.IsDraining() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"draining"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logx.Log.Error().Err(err).Msg("encode section")
	}
}
