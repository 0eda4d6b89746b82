// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package concierge assembles the resume assistant service.
//
// # Description
//
// New wires the rate limiter, session store, compactor, retrieval gateway,
// security filter, LLM client and orchestrator behind a gin router, and
// Run serves it until the context is cancelled.
//
//	POST /api/chat ──▶ RequestLog ─▶ ClientKey ─▶ CORS ─▶ HandleChat
//	                                                         │
//	                                                         ▼
//	                                                   Orchestrator.Handle
//	                                     ┌────────┬─────────┼──────────┬─────────┐
//	                                     ▼        ▼         ▼          ▼         ▼
//	                                  Limiter  Security  Sessions  Retrieval    LLM
//
// # Thread Safety
//
// Router and Run may be called from any goroutine. Run must be called once.
package concierge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianConcierge/services/concierge/compaction"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/conversation"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/knowledge"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/llm"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/middleware"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/observability"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/ratelimit"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/retrieval"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/routes"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/security"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/sessions"
	"github.com/AleutianAI/AleutianConcierge/services/concierge/ttl"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName is reported to tracing and the health endpoint.
const ServiceName = "aleutian-concierge"

// Service is a runnable concierge.
type Service interface {
	// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
	Run(ctx context.Context) error

	// Router exposes the handler tree (tests).
	Router() *gin.Engine

	// Close releases the store, sweepers and telemetry. Run calls it.
	Close(ctx context.Context) error
}

// Options injects collaborators that New would otherwise build from
// Config. Zero values are fine.
type Options struct {
	// Client replaces the configured LLM provider.
	Client llm.Client

	// Knowledge replaces loading from Config.Knowledge.DataDir.
	Knowledge *knowledge.Store

	// Registry receives all metrics. Default: a fresh registry with Go
	// and process collectors.
	Registry *prometheus.Registry

	// Now replaces time.Now for the limiter and session store.
	Now func() time.Time

	Version string
}

// Compile-time interface check.
var _ Service = (*service)(nil)

type service struct {
	config  Config
	version string
	started time.Time
	now     func() time.Time

	registry          *prometheus.Registry
	metrics           *observability.Metrics
	telemetryShutdown func(context.Context) error

	knowledge *knowledge.Store
	watcher   *knowledge.Watcher
	filter    *security.Filter
	limiter   *ratelimit.Limiter
	store     sessions.Store
	client    llm.Client
	gateway   *retrieval.Gateway
	orch      *conversation.Orchestrator
	admin     *middleware.AdminGate

	sweepers []*ttl.Sweeper
	router   *gin.Engine

	closeOnce sync.Once
	closeErr  error
}

// New builds a Service from a validated cfg.
//
// # Description
//
// Construction order follows the dependency graph: telemetry, knowledge,
// security and limiter, LLM, compactor and sessions, retrieval,
// orchestrator, router. Any failure releases what was already built.
//
// # Inputs
//
//   - cfg: Validated configuration.
//   - opts: Optional injected collaborators.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if a required collaborator could not be built.
func New(cfg Config, opts Options) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	s := &service{
		config:    cfg,
		version:   opts.Version,
		started:   time.Now(),
		now:       opts.Now,
		registry:  opts.Registry,
		knowledge: opts.Knowledge,
		client:    opts.Client,
	}
	if s.version == "" {
		s.version = "dev"
	}
	if s.now == nil {
		s.now = time.Now
	}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"telemetry", s.initTelemetry},
		{"knowledge", s.initKnowledge},
		{"security", s.initSecurity},
		{"llm", s.initLLM},
		{"sessions", s.initSessions},
		{"retrieval", s.initRetrieval},
		{"orchestrator", s.initOrchestrator},
		{"router", s.initRouter},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			_ = s.Close(context.Background())
			return nil, fmt.Errorf("init %s: %w", step.name, err)
		}
	}
	slog.Info("Concierge initialized",
		"version", s.version,
		"environment", cfg.Server.Environment,
		"provider", s.client.Name(),
		"retrieval", s.gateway.Enabled(),
		"session_backend", cfg.Sessions.Backend)
	return s, nil
}

// =============================================================================
// Initialization
// =============================================================================

func (s *service) initTelemetry() error {
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	s.metrics = observability.NewMetrics(s.registry)

	tcfg := s.config.Telemetry
	if tcfg.ServiceName == "" {
		tcfg.ServiceName = ServiceName
	}
	tcfg.ServiceVersion = s.version
	tcfg.Environment = s.config.Server.Environment
	shutdown, err := observability.Init(context.Background(), tcfg, s.registry)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown
	return nil
}

func (s *service) initKnowledge() error {
	if s.knowledge != nil {
		return nil
	}
	store, err := knowledge.NewStore(s.config.Knowledge.DataDir)
	if err != nil {
		return err
	}
	s.knowledge = store
	if !s.config.Knowledge.Watch {
		return nil
	}
	watcher, err := knowledge.NewWatcher(store, 0, func(snap *knowledge.Snapshot) {
		slog.Info("Knowledge reloaded", "version", snap.Version, "chunks", len(snap.Chunks))
	})
	if err != nil {
		slog.Warn("Knowledge hot reload disabled", "error", err)
		return nil
	}
	s.watcher = watcher
	return nil
}

func (s *service) initSecurity() error {
	filter, err := security.New("")
	if err != nil {
		return err
	}
	s.filter = filter
	s.limiter = ratelimit.New(ratelimit.Config{
		Limit:  s.config.RateLimit.RequestsPerWindow,
		Window: s.config.RateLimit.Window,
	}, ratelimit.WithObserver(s.metrics), ratelimit.WithClock(s.now))
	return nil
}

func (s *service) initSessions() error {
	var summarizer compaction.Summarizer = compaction.ExtractiveSummarizer{}
	if s.config.Compaction.Summarizer == "llm" {
		summarizer = compaction.NewLLMSummarizer(s.client, s.config.Conversation.CallTimeout)
	}
	compactor := compaction.New(compaction.Config{
		Budget:       s.config.Compaction.Budget,
		KeepRecent:   s.config.Compaction.KeepRecent,
		SummaryLimit: s.config.Compaction.SummaryLimit,
	}, summarizer)

	scfg := sessions.Config{
		MaxIdle:     s.config.Sessions.MaxAge,
		MaxSessions: s.config.Sessions.MaxSessions,
	}
	opts := []sessions.Option{
		sessions.WithCompactor(compactor),
		sessions.WithObserver(s.metrics),
		sessions.WithClock(s.now),
	}
	switch s.config.Sessions.Backend {
	case "badger":
		if err := os.MkdirAll(filepath.Clean(s.config.Sessions.Path), 0o750); err != nil {
			return fmt.Errorf("create session directory: %w", err)
		}
		store, err := sessions.NewBadgerStore(sessions.BadgerConfig{
			Path:       s.config.Sessions.Path,
			SyncWrites: s.config.Sessions.SyncWrites,
			GCInterval: s.config.Sessions.GCInterval,
		}, scfg, opts...)
		if err != nil {
			return err
		}
		s.store = store
	default:
		s.store = sessions.NewMemoryStore(scfg, opts...)
	}
	return nil
}

func (s *service) initLLM() error {
	if s.client != nil {
		return nil
	}
	client, err := llm.New(llm.Config{
		Provider:  s.config.LLM.Provider,
		Model:     s.config.LLM.Model,
		APIKey:    s.config.LLM.APIKey,
		BaseURL:   s.config.LLM.BaseURL,
		MaxTokens: s.config.LLM.MaxTokens,
	})
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *service) initRetrieval() error {
	rcfg := retrieval.Config{
		Enabled:  s.config.Retrieval.Enabled,
		TopK:     s.config.Retrieval.TopK,
		MinScore: s.config.Retrieval.MinScore,
		Timeout:  s.config.Retrieval.Timeout,
	}
	fallback := func() string {
		if snap := s.knowledge.Current(); snap != nil {
			return snap.Context
		}
		return ""
	}
	if !rcfg.Enabled {
		s.gateway = retrieval.NewGateway(rcfg, nil, nil, fallback, retrieval.WithObserver(s.metrics))
		return nil
	}
	embedder, index, err := buildRetrieval(s.config.Retrieval)
	if err != nil {
		// Retrieval degrades to the static context rather than blocking start.
		slog.Warn("Retrieval unavailable, serving static context", "error", err)
		s.gateway = retrieval.NewGateway(rcfg, nil, nil, fallback, retrieval.WithObserver(s.metrics))
		return nil
	}
	s.gateway = retrieval.NewGateway(rcfg, embedder, index, fallback, retrieval.WithObserver(s.metrics))
	return nil
}

func (s *service) initOrchestrator() error {
	orch, err := conversation.New(conversation.Config{
		MaxMessageChars: s.config.Conversation.MaxMessageChars,
		MaxIterations:   s.config.Conversation.MaxIterations,
		CallTimeout:     s.config.Conversation.CallTimeout,
		TurnTimeout:     s.config.Conversation.TurnTimeout,
		ToolTimeout:     s.config.Conversation.ToolTimeout,
		TopK:            s.config.Retrieval.TopK,
		MaxTokens:       s.config.LLM.MaxTokens,
		ContactLine:     s.config.Conversation.ContactLine,
	}, conversation.Deps{
		Limiter:   s.limiter,
		Sessions:  s.store,
		Retrieval: s.gateway,
		Client:    s.client,
		Security:  s.filter,
		Knowledge: s.knowledge,
		Observer:  s.metrics,
	})
	if err != nil {
		return err
	}
	s.orch = orch
	s.admin = middleware.NewAdminGate([]byte(s.config.AdminToken))
	if !s.admin.Enabled() {
		slog.Warn("Admin token not set, admin routes will reject every request")
	}

	s.sweepers = []*ttl.Sweeper{
		ttl.NewSweeper("ratelimit", s.config.RateLimit.SweepInterval, func(ctx context.Context, now time.Time) (int, error) {
			n, err := s.limiter.Sweep(ctx, now)
			s.metrics.SetRateLimitBuckets(s.limiter.Len())
			return n, err
		}, nil),
		ttl.NewSweeper("sessions", s.config.Sessions.SweepInterval, func(ctx context.Context, now time.Time) (int, error) {
			n, err := s.store.ExpireSweep(ctx, now)
			s.metrics.SetActiveSessions(s.store.Len())
			return n, err
		}, nil),
	}
	return nil
}

func (s *service) initRouter() error {
	if !s.config.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	if err := router.SetTrustedProxies(s.config.Server.TrustedProxies); err != nil {
		return fmt.Errorf("trusted proxies: %w", err)
	}
	router.Use(
		gin.Recovery(),
		otelgin.Middleware(ServiceName),
		middleware.RequestLog(s.metrics),
		middleware.ClientKey(),
		middleware.CORS(!s.config.IsProduction(), s.config.Server.CORSOrigins),
	)
	routes.SetupRoutes(router, routes.Deps{
		Chatter:      s.orch,
		Sessions:     s.store,
		Health:       s.gateway,
		Admin:        s.admin,
		Config:       s.config.Redacted,
		Metrics:      promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}),
		Sockets:      s.metrics,
		CheckOrigin:  s.checkOrigin,
		MaxBodyBytes: s.config.Server.MaxBodyBytes,
		Version:      s.version,
		Started:      s.started,
	})
	s.router = router
	return nil
}

// checkOrigin admits any origin outside production and the configured
// list inside it. Non-browser clients send no Origin and are admitted.
func (s *service) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.config.IsProduction() {
		return true
	}
	return slices.Contains(s.config.Server.CORSOrigins, origin)
}

// buildRetrieval connects the embedder and the vector index.
func buildRetrieval(cfg RetrievalConfig) (*retrieval.OpenAIEmbedder, *retrieval.WeaviateIndex, error) {
	embedder, err := retrieval.NewOpenAIEmbedder(retrieval.EmbedderConfig{
		APIKey:            cfg.OpenAIKey,
		Model:             cfg.EmbeddingModel,
		RequestsPerSecond: cfg.EmbeddingRPS,
		Timeout:           cfg.Timeout,
	})
	if err != nil {
		return nil, nil, err
	}
	client, err := retrieval.NewWeaviateClient(cfg.WeaviateURL)
	if err != nil {
		return nil, nil, err
	}
	return embedder, retrieval.NewWeaviateIndex(client, cfg.ClassName), nil
}

// =============================================================================
// Lifecycle
// =============================================================================

// Router returns the gin engine.
func (s *service) Router() *gin.Engine { return s.router }

// Run starts the sweepers and the knowledge watcher, serves HTTP and
// shuts everything down when ctx ends or the listener fails.
func (s *service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, sw := range s.sweepers {
		if err := sw.Start(ctx); err != nil {
			return err
		}
	}
	if s.watcher != nil {
		go s.watcher.Run(ctx)
	}

	srv := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(s.config.Server.Port)),
		Handler:           s.router,
		ReadHeaderTimeout: s.config.Server.ReadTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("Concierge listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	slog.Info("Concierge shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("http shutdown: %w", err))
	}
	return errors.Join(runErr, s.Close(shutdownCtx))
}

// Close stops the sweepers and the knowledge watcher and releases the
// store and telemetry. Safe to call more than once, with or without Run.
func (s *service) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		var errs []error
		for _, sw := range s.sweepers {
			sw.Stop()
		}
		if s.watcher != nil {
			if err := s.watcher.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close knowledge watcher: %w", err))
			}
		}
		if s.store != nil {
			if err := s.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close sessions: %w", err))
			}
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}
