// Package supervisor implements the Supervisor (spec.md §4.5, C5): takes
// an already loaded configuration, instantiates one Worker per (Endpoint,
// ModelEntry) pair, and aggregates shutdown through the context that
// cmd/bridgeworker cancels on SIGINT/SIGTERM (the teacher's
// signalCancelContext pattern from cmd/kilroy/main.go).
package supervisor

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/aipowergrid/gridbridge/internal/backend"
	"github.com/aipowergrid/gridbridge/internal/backend/koboldai"
	"github.com/aipowergrid/gridbridge/internal/backend/openaicompat"
	"github.com/aipowergrid/gridbridge/internal/bridge"
	"github.com/aipowergrid/gridbridge/internal/config"
	"github.com/aipowergrid/gridbridge/internal/horde"
	"github.com/aipowergrid/gridbridge/internal/stats"
	"github.com/aipowergrid/gridbridge/internal/telemetry"
	"github.com/aipowergrid/gridbridge/internal/version"
	"github.com/aipowergrid/gridbridge/internal/worker"
)

// Options configures a Supervisor run beyond what's in the Configuration
// file itself — the ambient CLI flags (spec.md §6).
type Options struct {
	Only        string // doublestar glob restricting launched worker names; empty means all
	MetricsAddr string // overrides cfg.MetricsAddr when non-empty
	LogLevel    string // overrides cfg.LogLevel when non-empty
}

// Supervisor owns the set of Workers launched from one Configuration.
type Supervisor struct {
	cfg       *config.Config
	overrides config.EnvOverrides
	opts      Options
	logger    zerolog.Logger
	stats     *stats.Stats
	registry  *prometheus.Registry
	metrics   *telemetry.Metrics
	runID     string
}

// New constructs a Supervisor from a loaded Configuration.
func New(cfg *config.Config, overrides config.EnvOverrides, opts Options) *Supervisor {
	level := cfg.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger := telemetry.NewLogger(level, true)
	reg := prometheus.NewRegistry()

	return &Supervisor{
		cfg:       cfg,
		overrides: overrides,
		opts:      opts,
		logger:    logger,
		stats:     stats.New(),
		registry:  reg,
		metrics:   telemetry.NewMetrics(reg),
		runID:     ulid.Make().String(),
	}
}

// Run constructs and launches one Worker per (Endpoint, ModelEntry) pair,
// blocks until every Worker stops or ctx is cancelled, and returns the
// process exit code: 0 on clean stop, 1 if any Worker reported failure.
func (s *Supervisor) Run(ctx context.Context) int {
	s.logger.Info().Str("run_id", s.runID).Str("version", version.Version).Msg("supervisor starting")

	metricsAddr := s.cfg.MetricsAddr
	if s.opts.MetricsAddr != "" {
		metricsAddr = s.opts.MetricsAddr
	}
	if metricsAddr != "" {
		go func() {
			if err := telemetry.Serve(ctx, metricsAddr, s.registry, s.logger); err != nil {
				s.logger.Warn().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	workers := s.buildWorkers(ctx)
	if len(workers) == 0 {
		s.logger.Error().Msg("no workers could be started; check endpoint configuration")
		return 1
	}

	var wg sync.WaitGroup
	exitCodes := make([]int, len(workers))
	for i, w := range workers {
		wg.Add(1)
		go func(i int, w *worker.Worker) {
			defer wg.Done()
			exitCodes[i] = w.Run(ctx)
		}(i, w)
	}
	wg.Wait()

	for _, code := range exitCodes {
		if code != 0 {
			return 1
		}
	}
	return 0
}

// buildWorkers constructs a Worker for each (Endpoint, ModelEntry) pair,
// skipping and logging endpoints that are unreachable or misconfigured
// (spec.md §4.5): openai without an api_key, or koboldai whose host:port
// doesn't accept a TCP connection.
func (s *Supervisor) buildWorkers(ctx context.Context) []*worker.Worker {
	var only func(string) bool
	if s.opts.Only != "" {
		only = func(name string) bool {
			matched, err := doublestar.Match(s.opts.Only, name)
			return err == nil && matched
		}
	}

	var workers []*worker.Worker
	for _, ep := range s.cfg.Endpoints {
		if ep.Type == config.EndpointOpenAI && ep.APIKey == "" {
			s.logger.Warn().Str("endpoint", ep.Name).Msg("skipping openai endpoint with no api_key")
			continue
		}
		if ep.Type == config.EndpointKoboldAI && !tcpReachable(ep.URL) {
			s.logger.Warn().Str("endpoint", ep.Name).Str("url", ep.URL).Msg("skipping unreachable koboldai endpoint")
			continue
		}

		client := backendClientFor(ep.Type)
		for _, model := range ep.Models {
			if only != nil && !only(model.Name) {
				continue
			}
			bd := s.buildBridgeData(ep, model)
			if err := client.Validate(ctx, bd); err != nil {
				s.logger.Warn().Err(err).Str("worker", model.Name).Msg("initial backend validation failed; worker will retry on its own schedule")
			}
			w := worker.New(model.Name, bd, client, s.hordeClientFor(), s.stats, s.metrics, s.logger, s.runID, s.cfg.QueueSize)
			workers = append(workers, w)
		}
	}
	return workers
}

func (s *Supervisor) buildBridgeData(ep config.Endpoint, model config.ModelEntry) *bridge.Data {
	bd := &bridge.Data{
		WorkerName:       model.Name,
		APIType:          bridge.APIType(ep.Type),
		HordeURL:         s.cfg.HordeURL,
		HordeAPIKey:      s.cfg.APIKey,
		MaxThreads:       model.MaxThreads,
		MaxLength:        model.MaxLength,
		MaxContextLength: model.MaxContextLength,
		BackendURL:       ep.URL,
		BackendAPIKey:    ep.APIKey,
		Model:            model.Model,
		BrandedModel:     s.overrides.BrandedModel,
		NSFW:             s.overrides.NSFW,
		Blacklist:        s.overrides.Blacklist,
	}
	if model.Model == "" {
		bd.Model = model.Name
	}
	return bd
}

func (s *Supervisor) hordeClientFor() *horde.Client {
	c := horde.New(&http.Client{}, s.cfg.HordeURL, s.cfg.APIKey, s.stats)
	c.SetLogger(s.logger)
	c.SetMetrics(s.metrics)
	return c
}

func backendClientFor(t config.EndpointType) backend.Client {
	if t == config.EndpointOpenAI {
		return openaicompat.New(nil)
	}
	return koboldai.New(nil)
}

// tcpReachable reports whether rawURL's host:port accepts a TCP
// connection within a short timeout, per spec.md §4.5's reachability
// skip check for koboldai endpoints.
func tcpReachable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(u.Hostname(), port), 3*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
