package main

import (
	"encoding/json"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hostcall/memory"
)

type sessionHealth struct {
	Session   string `json:"session"`
	Device    uint32 `json:"device"`
	Addr      string `json:"addr,omitempty"`
	Live      int    `json:"live_buffers"`
	Allocated string `json:"allocated"`
}

type health struct {
	Status   string          `json:"status"`
	Sessions []sessionHealth `json:"sessions"`
}

// newOpsRouter serves the Prometheus registry on /metrics and session state on /healthz.
func newOpsRouter(reg *prometheus.Registry, domain *memory.Domain, sessions []*session) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h := health{Status: "ok"}
		for _, s := range sessions {
			h.Sessions = append(h.Sessions, sessionHealth{
				Session:   s.server.Session(),
				Device:    uint32(s.device),
				Addr:      s.addr,
				Live:      domain.LiveOn(s.device),
				Allocated: humanize.IBytes(domain.Allocated(s.device)),
			})
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(h)
	})
	return r
}
