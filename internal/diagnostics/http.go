// Package diagnostics exposes the executive's debug HTTP surface (§4.M):
// a connection/queue/sync snapshot, a triggered service dump, and
// Prometheus metrics. It is the one ambient surface allowed to do real I/O
// outside the reactor thread — it only reads snapshots the reactor
// publishes through atomics, never calls back into service handlers.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot is a point-in-time view of reactor state, published by the
// reactor loop and read only by HTTP handlers on another goroutine.
type Snapshot struct {
	ConnectionCount int
	QueueDepths     []int
	SyncInProcess   bool
}

// ServiceDump is one service's exec_dump_fn output (§4.M /debug/dump).
type ServiceDump struct {
	Service string `json:"service"`
	Data    any    `json:"data"`
}

// DumpFunc triggers every registered service's dump hook and collects the
// results; invoked from the HTTP goroutine but must itself only read
// already-published state (never block on or re-enter the reactor).
type DumpFunc func() []ServiceDump

// Metrics are the Prometheus collectors the reactor updates as it runs.
type Metrics struct {
	ActiveConnections     prometheus.Gauge
	OutqDepth             prometheus.Histogram
	SyncDuration          prometheus.Histogram
	FlowControlRejections prometheus.Counter
}

// NewMetrics registers the executive's gauges/histograms/counters with reg.
// Callers share one *prometheus.Registry between NewMetrics and the
// /metrics handler (see NewServer) so each process has exactly one
// registration of each collector.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ActiveConnections: f.NewGauge(prometheus.GaugeOpts{
			Name: "execd_active_connections",
			Help: "Number of active local IPC connections.",
		}),
		OutqDepth: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "execd_outq_depth",
			Help:    "Per-connection outbound queue depth, sampled every executive tick.",
			Buckets: prometheus.LinearBuckets(0, 2, 10),
		}),
		SyncDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "execd_sync_duration_seconds",
			Help:    "Wall-clock duration of a configuration-change sync barrier.",
			Buckets: prometheus.DefBuckets,
		}),
		FlowControlRejections: f.NewCounter(prometheus.CounterOpts{
			Name: "execd_flow_control_rejections_total",
			Help: "Requests gated out by the flow-control admission check (TRY_AGAIN).",
		}),
	}
}

// Server is the debug HTTP listener, run on its own goroutine (§5).
type Server struct {
	addr     string
	snapshot atomic.Pointer[Snapshot]
	dump     DumpFunc
	httpSrv  *http.Server
	logger   *slog.Logger
}

// NewServer builds the mux. addr == "" means the caller should not Start
// it (§4.M: DebugAddr "" disables the surface). reg is the same registry
// passed to NewMetrics.
func NewServer(addr string, reg *prometheus.Registry, dump DumpFunc, logger *slog.Logger) *Server {
	s := &Server{addr: addr, dump: dump, logger: logger}

	r := chi.NewRouter()
	r.Get("/debug/dump", s.handleDump)
	r.Get("/debug/stats", s.handleStats)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	s.httpSrv = &http.Server{Addr: addr, Handler: r}
	return s
}

// PublishSnapshot is called by the reactor loop after each tick; the HTTP
// handlers read whatever was last published here.
func (s *Server) PublishSnapshot(snap Snapshot) {
	s.snapshot.Store(&snap)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	snap := s.snapshot.Load()
	if snap == nil {
		snap = &Snapshot{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	var dumps []ServiceDump
	if s.dump != nil {
		dumps = s.dump()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(dumps)
}

// Start runs the HTTP server in the background. A no-op if addr is empty.
func (s *Server) Start() {
	if s.addr == "" {
		return
	}
	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("diagnostics: server stopped", "err", err)
		}
	}()
}

// Stop shuts the HTTP server down with a bounded grace period.
func (s *Server) Stop() error {
	if s.addr == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
