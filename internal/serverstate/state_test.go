package serverstate

import (
	"testing"
	"time"
)

func TestTrackerMemory(t *testing.T) {
	tr := NewTracker(nil)
	if got := tr.Get().Status; got != "not_ready" {
		t.Fatalf("initial status = %q; want %q", got, "not_ready")
	}
	if tr.IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	st := tr.Update(func(s *State) {
		s.Status = "ticking"
		s.Frame = 42
		s.Peers = 2
	})
	if st.Instance == "" || st.Instance != tr.Instance() {
		t.Fatalf("instance = %q; want %q", st.Instance, tr.Instance())
	}
	if got := tr.Get(); got.Status != "ticking" || got.Frame != 42 || got.Peers != 2 {
		t.Fatalf("state after update = %+v", got)
	}

	tr.StartDrain()
	tr.SetStatus("idle")
	if got := tr.Get(); got.Status != "draining" || !got.Draining {
		t.Fatalf("state after drain = %+v", got)
	}
}

func TestTrackerStampsUpdated(t *testing.T) {
	tr := NewTracker(NewMemoryStore())
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	tr.now = func() time.Time { return at }
	tr.SetStatus("idle")
	if got := tr.Get().Updated; !got.Equal(at) {
		t.Fatalf("updated = %v; want %v", got, at)
	}
}

func TestSections(t *testing.T) {
	r := NewSections()
	r.Add(Section{ID: "room", Data: func() any { return 1 }})
	r.Add(Section{ID: "host", Data: func() any { return "h" }})
	r.Add(Section{ID: "room", Data: func() any { return 2 }})

	all := r.All()
	if len(all) != 2 || all[0].ID != "host" || all[1].ID != "room" {
		t.Fatalf("sections = %+v", all)
	}
	got := r.Collect()
	if got["room"] != 2 || got["host"] != "h" {
		t.Fatalf("collect = %v", got)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("unexpected section")
	}
}
