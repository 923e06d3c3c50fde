// Package web serves the operational side of a binary: Prometheus metrics, health probes, a JSON
// state snapshot and a small HTML dashboard.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/matst80/httpssh/internal/obs"
)

// Counter is one named value shown on the dashboard.
type Counter struct {
	Name  string `json:"name"`
	Value any    `json:"value"`
}

// Stats represents current process state for dashboards & API.
type Stats struct {
	Service  string    `json:"service"`
	Instance string    `json:"instance,omitempty"`
	Ready    bool      `json:"ready"`
	Uptime   float64   `json:"uptime_s"`
	Counters []Counter `json:"counters"`
	Now      string    `json:"now"`
}

// ToTemplateMap returns a map suited for html/template rendering with expected capitalized keys.
func (s Stats) ToTemplateMap() map[string]any {
	return map[string]any{
		"Service":  s.Service,
		"Instance": s.Instance,
		"Ready":    s.Ready,
		"Uptime":   s.Uptime,
		"Counters": s.Counters,
	}
}

// Status describes the process behind the endpoints.
type Status struct {
	Service  string
	Instance string
	// Collect returns the current counters; keys are sorted for display.
	Collect func() map[string]any

	started time.Time
	ready   atomic.Bool
}

func NewStatus(service, instance string, collect func() map[string]any) *Status {
	return &Status{Service: service, Instance: instance, Collect: collect, started: time.Now()}
}

// SetReady flips /readyz. Binaries set it once listeners are up and clear it when shutdown begins.
func (s *Status) SetReady(v bool) { s.ready.Store(v) }

func (s *Status) Ready() bool { return s.ready.Load() }

func (s *Status) Snapshot() Stats {
	st := Stats{
		Service:  s.Service,
		Instance: s.Instance,
		Ready:    s.Ready(),
		Uptime:   time.Since(s.started).Seconds(),
		Counters: []Counter{},
		Now:      time.Now().UTC().Format(time.RFC3339),
	}
	if s.Collect != nil {
		values := s.Collect()
		for k, v := range values {
			st.Counters = append(st.Counters, Counter{Name: k, Value: v})
		}
		sort.Slice(st.Counters, func(i, j int) bool { return st.Counters[i].Name < st.Counters[j].Name })
	}
	return st
}

// Handler serves /metrics, /api/state, /dashboard, /healthz and /readyz.
func (s *Status) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/state", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Snapshot())
	})
	mux.HandleFunc("/dashboard", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := Render(w, "dashboard", s.Snapshot().ToTemplateMap()); err != nil {
			w.WriteHeader(http.StatusNotImplemented)
			_, _ = w.Write([]byte("dashboard template missing"))
		}
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// Serve runs the status endpoints on addr until ctx ends.
func (s *Status) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	defer stop()
	obs.Info("metrics.listen", obs.Fields{"addr": ln.Addr().String(), "service": s.Service})
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		obs.Error("metrics.server", obs.Fields{"err": err, "addr": addr})
		return err
	}
	return nil
}
