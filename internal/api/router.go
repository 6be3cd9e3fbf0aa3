// Package api serves the operator surface of the frame server: health,
// room state, Prometheus metrics and the websocket stream endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Enanyy/Frame/internal/serverstate"
)

// Options configures the router.
type Options struct {
	Tracker        *serverstate.Tracker
	Sections       *serverstate.Sections
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// WSPath mounts WebSocket at that path when both are set.
	WSPath    string
	WebSocket http.HandlerFunc
}

// New constructs the HTTP handler for the server.
func New(opts Options) http.Handler {
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	for _, m := range MiddlewareChain() {
		r.Use(m)
	}

	sections := opts.Sections
	if sections == nil {
		sections = serverstate.NewSections()
	}
	h := &StateHandler{Tracker: opts.Tracker, Sections: sections}

	r.Get("/healthz", h.GetHealthz)
	r.Route("/api", func(ar chi.Router) {
		ar.Get("/state", h.GetState)
		ar.Get("/state/stream", h.GetStateStream)
		ar.Get("/state/{id}", func(w http.ResponseWriter, r *http.Request) {
			s, ok := sections.Get(chi.URLParam(r, "id"))
			if !ok {
				http.NotFound(w, r)
				return
			}
			writeJSON(w, s.Data())
		})
	})

	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if opts.WSPath != "" && opts.WebSocket != nil {
		r.Get(opts.WSPath, opts.WebSocket)
	}
	return r
}
