// Package telemetry wires structured logging (zerolog) and process
// metrics (Prometheus) for the worker process. It is a read-only
// consumer of internal/stats (C6); nothing here mutates core state.
package telemetry

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// NewLogger builds the process logger: pretty console output for an
// interactive terminal, JSON lines otherwise, matching zerolog's standard
// two-mode setup (grounded in the other_examples AI-dispatcher worker).
func NewLogger(level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	var out zerolog.Logger
	if pretty {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	} else {
		out = zerolog.New(os.Stdout).With().Timestamp().Logger()
	}
	return out.Level(lvl)
}

// Metrics holds the Prometheus collectors exposed over /metrics (spec.md
// §AMBIENT STACK / A2).
type Metrics struct {
	KudosPerHour    *prometheus.GaugeVec
	JobsPerHour     *prometheus.GaugeVec
	RunningJobs     *prometheus.GaugeVec
	PopLatency      *prometheus.HistogramVec
	SoftRestarts    *prometheus.CounterVec
	OutOfMemoryJobs *prometheus.CounterVec
}

// NewMetrics registers and returns the collector set against its own
// registry so a worker process can be embedded in tests without polluting
// the global default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		KudosPerHour: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridgeworker_kudos_per_hour",
			Help: "Kudos earned per hour, per worker.",
		}, []string{"worker"}),
		JobsPerHour: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridgeworker_jobs_per_hour",
			Help: "Jobs completed per hour, per worker.",
		}, []string{"worker"}),
		RunningJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "bridgeworker_running_jobs",
			Help: "Jobs currently in flight, per worker.",
		}, []string{"worker"}),
		PopLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "bridgeworker_pop_latency_seconds",
			Help:    "Dispatcher pop round-trip latency, per responding horde node.",
			Buckets: prometheus.DefBuckets,
		}, []string{"horde_node"}),
		SoftRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeworker_soft_restarts_total",
			Help: "Soft restarts triggered by the escalation ladder, per worker.",
		}, []string{"worker"}),
		OutOfMemoryJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridgeworker_out_of_memory_jobs_total",
			Help: "Jobs that faulted with an out-of-memory backend error, per worker.",
		}, []string{"worker"}),
	}
	reg.MustRegister(m.KudosPerHour, m.JobsPerHour, m.RunningJobs, m.PopLatency, m.SoftRestarts, m.OutOfMemoryJobs)
	return m
}

// Serve starts the Prometheus /metrics HTTP listener on addr and blocks
// until ctx is cancelled, then shuts the server down. Intended to run in
// its own goroutine from the Supervisor.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics listener exited")
		}
		return err
	}
}
