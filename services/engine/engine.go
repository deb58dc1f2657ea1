// Copyright (C) 2026 Coralbridge Pte. Ltd. (engineering@coralbridge.sg)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package engine assembles the request engine from its subpackages:
// configuration, logging, telemetry, the session and cache stores, the
// model clients, the chat pipeline, the retention sweeper, and the HTTP
// surface. Everything is wired once in New; after that the service is
// immutable and safe to serve from concurrently.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"

	"github.com/coralbridge/orderdesk/pkg/extensions"
	"github.com/coralbridge/orderdesk/pkg/logging"
	"github.com/coralbridge/orderdesk/services/engine/cache"
	"github.com/coralbridge/orderdesk/services/engine/config"
	"github.com/coralbridge/orderdesk/services/engine/generation"
	"github.com/coralbridge/orderdesk/services/engine/health"
	"github.com/coralbridge/orderdesk/services/engine/intent"
	"github.com/coralbridge/orderdesk/services/engine/knowledge"
	"github.com/coralbridge/orderdesk/services/engine/middleware"
	"github.com/coralbridge/orderdesk/services/engine/observability"
	"github.com/coralbridge/orderdesk/services/engine/orders"
	"github.com/coralbridge/orderdesk/services/engine/ratelimit"
	"github.com/coralbridge/orderdesk/services/engine/routes"
	"github.com/coralbridge/orderdesk/services/engine/services"
	"github.com/coralbridge/orderdesk/services/engine/session"
	"github.com/coralbridge/orderdesk/services/engine/ttl"
	"github.com/coralbridge/orderdesk/services/engine/validation"
	"github.com/coralbridge/orderdesk/services/engine/vector"
	"github.com/coralbridge/orderdesk/services/guardrails"
	"github.com/coralbridge/orderdesk/services/llm"
)

// meterName scopes every engine metric instrument.
const meterName = "orderdesk.engine"

// closeTimeout bounds the shutdown of the sweeper and the telemetry
// pipeline. Past it, remaining spans and a mid-flight sweep cycle are
// abandoned.
const closeTimeout = 10 * time.Second

// =============================================================================
// Service Interface
// =============================================================================

// Service is the running request engine.
//
// # Description
//
// A Service owns every component the chat pipeline needs: the badger
// session store, the cache hierarchy, the vector store, the model
// clients, the orchestrator, and the gin router that exposes them.
// Construct one with New, then either Run it as a standalone HTTP
// server or mount Router() inside a larger process.
//
// # Examples
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := engine.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := svc.Run(); err != nil {
//	    log.Fatal(err)
//	}
type Service interface {
	// Run starts the HTTP server and blocks until it stops. Resources
	// are released when Run returns.
	Run() error

	// Router returns the configured gin engine for integration tests
	// and for deployments that embed the engine in their own server.
	Router() *gin.Engine

	// Close releases everything the engine holds: the retention
	// sweeper, cache layers, session database, and telemetry pipeline.
	// Redundant calls are no-ops. Run calls Close on exit; call it
	// directly only when the router is embedded elsewhere.
	Close() error
}

// service is the concrete engine. Fields are written during New and
// read-only afterwards.
type service struct {
	cfg  *config.Config
	opts extensions.ServiceOptions

	logger  *logging.Logger
	metrics *observability.Metrics

	db        *badger.DB
	store     *session.Store
	provider  *vector.Provider
	hierarchy *cache.Hierarchy
	limiter   *ratelimit.Limiter

	intentClient llm.LLMClient
	breaker      *llm.BreakerClient
	embedder     llm.Embedder

	dispatcher *orders.Dispatcher
	orch       *services.Orchestrator
	prober     *health.Prober
	sweeper    *ttl.Sweeper
	router     *gin.Engine

	telemetryShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// =============================================================================
// Construction
// =============================================================================

// New wires a ready-to-run engine from cfg.
//
// # Description
//
// Initialization order is logging, telemetry, storage, model clients,
// pipeline, sweeper, router. A failure at any step tears down what was
// already built and returns the error; no goroutines or file locks
// survive a failed New.
//
// Model providers are not contacted during construction. An engine
// boots with an unreachable provider and serves degraded replies until
// it recovers; only local resources (the session database, guardrail
// rules, the cron schedule) fail construction.
//
// # Inputs
//
//   - cfg: Engine configuration, typically from config.Load(). Must
//     not be nil.
//   - opts: Extension points. Nil takes the standalone defaults: the
//     built-in PII filter over persistence and a discard audit logger.
//
// # Outputs
//
//   - Service: The wired engine.
//   - error: Non-nil when a local resource cannot be initialized.
func New(cfg *config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if cfg == nil {
		return nil, errors.New("engine: config must not be nil")
	}

	s := &service{cfg: cfg}
	s.initLogging()

	if opts != nil {
		s.opts = *opts
	} else {
		s.opts = extensions.DefaultOptions()
	}

	if err := s.initTelemetry(); err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	if err := s.initStorage(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.initModels(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.initPipeline(); err != nil {
		_ = s.Close()
		return nil, err
	}
	if err := s.initSweeper(); err != nil {
		_ = s.Close()
		return nil, err
	}
	s.initRouter()

	slog.Info("Request engine ready",
		"llm_backend", cfg.LLMBackend,
		"vector_backend", cfg.VectorBackend,
		"redis", cfg.CacheURL != "",
		"order_agent", s.dispatcher != nil)
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run starts the HTTP server and blocks until it stops.
func (s *service) Run() error {
	defer func() { _ = s.Close() }()

	addr := fmt.Sprintf(":%d", s.cfg.Port)
	slog.Info("Starting request engine server", "port", s.cfg.Port)
	return s.router.Run(addr)
}

// Router returns the configured gin engine.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close releases all engine resources. Shutdown order reverses
// construction: the sweeper stops first so no cycle runs against a
// closing database, the database closes last before telemetry so final
// writes land.
func (s *service) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		if s.sweeper != nil {
			s.sweeper.Stop(ctx)
		}
		if s.dispatcher != nil {
			if err := s.dispatcher.Close(); err != nil {
				slog.Warn("Order dispatcher close error", "error", err)
			}
		}
		if s.hierarchy != nil {
			if err := s.hierarchy.Close(); err != nil {
				slog.Warn("Cache close error", "error", err)
			}
		}
		if s.provider != nil {
			if err := s.provider.Close(); err != nil {
				slog.Warn("Vector store close error", "error", err)
			}
		}
		if s.db != nil {
			if err := s.db.Close(); err != nil {
				s.closeErr = fmt.Errorf("close session database: %w", err)
			}
		}
		if s.telemetryShutdown != nil {
			if err := s.telemetryShutdown(ctx); err != nil {
				slog.Warn("Telemetry shutdown error", "error", err)
			}
		}
		if s.logger != nil {
			_ = s.logger.Close()
		}
	})
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// initLogging builds the process logger and installs it as the slog
// default, so every subpackage logging through slog inherits the level,
// format, and optional file destination.
func (s *service) initLogging() {
	s.logger = logging.New(logging.Config{
		Level:   logLevel(s.cfg.LogLevel),
		LogDir:  s.cfg.LogDir,
		Service: "engine",
	})
	slog.SetDefault(s.logger.Slog())
}

// initTelemetry starts the OpenTelemetry pipeline and creates the
// engine's metric instruments. An empty OTel endpoint disables trace
// export; spans are still created but never leave the process.
func (s *service) initTelemetry() error {
	tcfg := observability.DefaultConfig()
	if s.cfg.OTelEndpoint == "" {
		tcfg.TraceExporter = "none"
	} else {
		tcfg.OTLPEndpoint = s.cfg.OTelEndpoint
	}
	if !s.cfg.EnableMetrics {
		tcfg.MetricExporter = "none"
	}

	shutdown, err := observability.Init(context.Background(), tcfg)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown

	s.metrics, err = observability.NewMetrics(otel.Meter(meterName))
	if err != nil {
		return fmt.Errorf("create metric instruments: %w", err)
	}
	return nil
}

// initStorage opens the session database and builds the vector store
// provider and cache hierarchy on top of it. The vector store itself is
// opened lazily on first use.
func (s *service) initStorage() error {
	db, err := session.OpenDB(session.DefaultDBConfig(s.cfg.DatabasePath))
	if err != nil {
		return fmt.Errorf("open session database: %w", err)
	}
	s.db = db

	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	s.store = session.NewStore(db, s.cfg.SessionInactivity, retention)

	s.provider = vector.NewProvider(s.cfg)

	s.hierarchy, err = cache.NewHierarchy(s.cfg, s.provider, s.metrics)
	if err != nil {
		return fmt.Errorf("build cache hierarchy: %w", err)
	}
	return nil
}

// initModels builds the two LLM clients and the embedder. The
// generation client is wrapped in the circuit breaker whose state feeds
// the health endpoint; classification keeps a direct client because the
// classifier has its own keyword fallback.
func (s *service) initModels() error {
	intentClient, err := llm.NewClient(s.cfg, s.cfg.IntentModel)
	if err != nil {
		return fmt.Errorf("build intent client: %w", err)
	}
	s.intentClient = intentClient

	genClient, err := llm.NewClient(s.cfg, s.cfg.GenerationModel)
	if err != nil {
		return fmt.Errorf("build generation client: %w", err)
	}
	s.breaker = llm.NewBreakerClient("generation", genClient)

	embedder, err := llm.NewEmbedder(s.cfg)
	if err != nil {
		slog.Warn("Embedder unavailable, semantic cache and retrieval run degraded",
			"error", err)
		return nil
	}
	s.embedder = embedder
	return nil
}

// initPipeline assembles the orchestrator's container and the health
// prober.
func (s *service) initPipeline() error {
	guard, err := guardrails.NewEngine()
	if err != nil {
		return fmt.Errorf("load guardrail rules: %w", err)
	}

	s.limiter = ratelimit.NewLimiter(ratelimit.Limits{
		UserPerMinute:   s.cfg.RateUserPerMinute,
		UserPerHour:     s.cfg.RateUserPerHour,
		UserPerDay:      s.cfg.RateUserPerDay,
		BurstCapacity:   s.cfg.RateBurstCapacity,
		BurstPerMinute:  s.cfg.RateBurstRefill,
		GlobalPerMinute: s.cfg.RateGlobalPerMinute,
		IPPerMinute:     s.cfg.RateIPPerMinute,
	})

	classifier, err := intent.NewClassifier(s.intentClient, s.hierarchy, s.metrics, intent.DefaultConfig())
	if err != nil {
		return fmt.Errorf("build intent classifier: %w", err)
	}

	generator, err := generation.NewGenerator(s.breaker, s.cfg.GenerationModel, s.metrics, generation.DefaultConfig())
	if err != nil {
		return fmt.Errorf("build response generator: %w", err)
	}

	retriever := knowledge.NewRetriever(s.embedder, s.provider, s.hierarchy, s.metrics)

	if s.embedder != nil {
		s.dispatcher, err = orders.NewDispatcher(s.embedder, s.provider, s.intentClient, nil, s.store, s.metrics, orders.DefaultConfig())
		if err != nil {
			return fmt.Errorf("build order dispatcher: %w", err)
		}
	} else {
		slog.Warn("Order agent disabled: catalog matching needs an embedder")
	}

	scrubber := s.opts.MessageFilter
	if scrubber == nil {
		scrubber = extensions.NewPIIFilter(guard)
	}
	audit := s.opts.AuditLogger
	if audit == nil {
		audit = extensions.NopAuditLogger{}
	}

	container := &services.Container{
		Validator:  validation.NewValidator(guard),
		Limiter:    s.limiter,
		Sessions:   s.store,
		Cache:      s.hierarchy,
		Classifier: classifier,
		Retriever:  retriever,
		Generator:  generator,
		Embedder:   s.embedder,
		Scrubber:   scrubber,
		Audit:      audit,
		Metrics:    s.metrics,
	}
	// Leave Dispatcher unset rather than storing a typed nil the
	// orchestrator's nil check cannot see.
	if s.dispatcher != nil {
		container.Dispatcher = s.dispatcher
	}

	s.orch, err = services.New(container, services.DefaultConfig())
	if err != nil {
		return fmt.Errorf("build orchestrator: %w", err)
	}

	s.prober = &health.Prober{
		Sessions: s.store,
		Cache:    s.hierarchy,
		Vector:   s.provider,
		Breaker:  s.breaker.State,
	}

	if _, err := s.metrics.RegisterLLMCircuitState(otel.Meter(meterName), s.circuitState); err != nil {
		slog.Warn("Circuit state gauge registration failed", "error", err)
	}
	return nil
}

// initSweeper starts the retention sweeper on the configured cron
// schedule. A schedule that does not parse fails construction; a
// deployment that silently never sweeps would hold expired
// conversations past their retention window.
func (s *service) initSweeper() error {
	s.sweeper = ttl.New(s.store, s.limiter, s.metrics)
	if err := s.sweeper.Start(s.cfg.SweepSchedule); err != nil {
		return fmt.Errorf("start retention sweeper: %w", err)
	}
	return nil
}

// initRouter builds the gin engine with recovery, request id, and
// tracing middleware, then mounts the engine routes.
func (s *service) initRouter() {
	if s.cfg.GinMode != "" {
		gin.SetMode(s.cfg.GinMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(otelgin.Middleware("orderdesk-engine"))

	routes.SetupRoutes(router, s.orch, s.store, s.prober)
	s.router = router
}

// circuitState maps the generation breaker onto the gauge encoding
// (0=closed, 1=open, 2=half-open).
func (s *service) circuitState() int64 {
	switch s.breaker.State() {
	case gobreaker.StateOpen:
		return 1
	case gobreaker.StateHalfOpen:
		return 2
	default:
		return 0
	}
}

// logLevel maps the configured level name onto the logging package's
// levels. Unknown names take info.
func logLevel(name string) logging.Level {
	switch strings.ToLower(name) {
	case "debug":
		return logging.LevelDebug
	case "warn":
		return logging.LevelWarn
	case "error":
		return logging.LevelError
	default:
		return logging.LevelInfo
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
