// Package main is the entry point for the procyon execution engine daemon.
// It wires all dependencies together and serves the operational HTTP
// endpoints (health, readiness, metrics). The engine itself is consumed as a
// library by the surrounding platform.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/procyon/internal/analytics"
	"github.com/pitabwire/procyon/internal/config"
	"github.com/pitabwire/procyon/internal/definition"
	"github.com/pitabwire/procyon/internal/discovery"
	"github.com/pitabwire/procyon/internal/engine"
	"github.com/pitabwire/procyon/internal/observability"
	"github.com/pitabwire/procyon/internal/storage"
	"github.com/pitabwire/procyon/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "procyon", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Load template graphs from YAML directories when configured. Postgres
	// deployments may instead manage templates in the database, in which case
	// the registry stays empty.
	registry := definition.NewRegistry(nil)
	if len(cfg.Templates.Directories) > 0 {
		loader := definition.NewLoader()
		templates, err := loader.LoadAll(cfg.Templates.Directories)
		if err != nil {
			logger.Error("template loading failed", zap.Error(err))
			return 1
		}

		validator := definition.NewValidator()
		verrs := validator.Validate(templates)
		if len(verrs) > 0 {
			for _, ve := range verrs {
				logger.Error("template validation error", zap.String("error", ve.Error()))
			}
			logger.Error("template validation failed", zap.Int("errors", len(verrs)))
			return 1
		}

		registry.Replace(templates)
	}

	stores, storeCloser, err := buildStores(ctx, cfg, registry, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	appender, appenderCloser, err := buildDiscoveryAppender(ctx, cfg.Discovery, stores.discovery, logger)
	if err != nil {
		logger.Error("discovery sink initialization failed", zap.Error(err))
		return 1
	}

	aggregator := analytics.NewAggregator(stores.graphs, stores.executions, logger)
	worker := analytics.NewWorker(aggregator, logger,
		analytics.WithQueueSize(cfg.Analytics.QueueSize),
		analytics.WithWorkers(cfg.Analytics.Workers),
		analytics.WithWorkerMetrics(metrics),
	)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	worker.Start(bgCtx)

	app := &application{
		registry: registry,
		worker:   worker,
		engine: engine.NewEngine(stores.graphs, stores.executions, appender, worker, logger,
			engine.WithMetrics(metrics)),
	}

	readinessChecks := observability.ReadinessChecks{
		TemplatesLoaded: func() bool {
			return registry.Count() > 0 || cfg.Store.Driver == "postgres"
		},
	}
	if stores.health != nil {
		readinessChecks.Store = stores.health
	}

	router := chi.NewRouter()
	router.Use(metrics.MetricsMiddleware)
	router.Get("/healthz", observability.HandleHealth())
	router.Get("/readyz", observability.HandleReady(readinessChecks))
	router.Get("/ops/executions/{executionID}", handleExecutionLookup(app.engine))
	if cfg.Observability.Metrics.Enabled {
		router.Handle(cfg.Observability.Metrics.Path, observability.Handler())
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.Int("templates", registry.Count()),
		zap.String("store_driver", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Drain the analytics queue before releasing the stores.
	app.worker.Stop()
	bgCancel()

	if appenderCloser != nil {
		appenderCloser()
	}
	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// application holds the wired runtime. The hosting platform drives the engine
// directly as a library; this process serves the operational endpoints,
// including a read-only execution lookup for operators.
type application struct {
	registry *definition.Registry
	worker   *analytics.Worker
	engine   *engine.Engine
}

// handleExecutionLookup lets an operator inspect a run without going through
// the hosting platform. Read-only; identity comes from trusted headers, the
// same already-authorized identifiers the platform passes to the engine.
func handleExecutionLookup(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := &model.RequestContext{
			ActorID:       r.Header.Get("X-Actor-ID"),
			OrgID:         r.Header.Get("X-Org-ID"),
			CorrelationID: r.Header.Get("X-Correlation-ID"),
		}
		if err := rctx.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		exec, stepExecs, transitions, err := eng.GetExecution(r.Context(), rctx, chi.URLParam(r, "executionID"))
		if err != nil {
			status := http.StatusInternalServerError
			switch model.CodeOf(err) {
			case model.ErrNotFound:
				status = http.StatusNotFound
			case model.ErrBadRequest, model.ErrValidationError:
				status = http.StatusBadRequest
			}
			writeError(w, status, err)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"execution":       exec,
			"step_executions": stepExecs,
			"transitions":     transitions,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"code":    model.CodeOf(err),
		"message": err.Error(),
	})
}

// storeSet groups the store interfaces a single driver provides.
type storeSet struct {
	graphs     storage.GraphStore
	executions storage.ExecutionStore
	discovery  storage.DiscoveryStore
	health     observability.HealthChecker
}

// buildStores creates the persistence layer based on config. The memory
// driver is seeded from the template registry.
func buildStores(ctx context.Context, cfg *config.Config, registry *definition.Registry, logger *zap.Logger) (storeSet, func(), error) {
	switch cfg.Store.Driver {
	case "memory":
		logger.Info("using in-memory store")
		mem := storage.NewMemoryStore()
		for _, g := range registry.AllGraphs() {
			mem.PutTemplate(g.Template, g.Steps, g.Transitions)
		}
		return storeSet{graphs: mem, executions: mem, discovery: mem, health: mem}, nil, nil
	case "postgres", "":
		dsn := os.Getenv(cfg.Store.DSNEnv)
		if dsn == "" {
			return storeSet{}, nil, fmt.Errorf("store: %s environment variable not set", cfg.Store.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return storeSet{}, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.Store.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.Store.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.Store.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return storeSet{}, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return storeSet{}, nil, fmt.Errorf("store: ping: %w", err)
		}

		pg := storage.NewPgStore(pool)
		return storeSet{graphs: pg, executions: pg, discovery: pg, health: pg}, pool.Close, nil
	default:
		return storeSet{}, nil, fmt.Errorf("unsupported store driver: %q", cfg.Store.Driver)
	}
}

// buildDiscoveryAppender creates the discovery event sink based on config.
func buildDiscoveryAppender(ctx context.Context, cfg config.DiscoveryConfig, store storage.DiscoveryStore, logger *zap.Logger) (discovery.Appender, func(), error) {
	switch cfg.Sink {
	case "store", "":
		return discovery.NewStoreAppender(store), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Redis.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("discovery: %s environment variable not set", cfg.Redis.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("discovery: redis ping: %w", err)
		}
		logger.Info("discovery events streaming to redis", zap.String("addr", addr))
		return discovery.NewStreamAppender(client, cfg.Redis.StreamPrefix), func() { client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported discovery sink: %q", cfg.Sink)
	}
}
