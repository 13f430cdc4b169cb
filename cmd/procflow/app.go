package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/rendis/procflow/internal/cluster"
	"github.com/rendis/procflow/internal/engine"
	"github.com/rendis/procflow/internal/expressions"
	"github.com/rendis/procflow/internal/handlers"
	"github.com/rendis/procflow/internal/logging"
	"github.com/rendis/procflow/internal/model"
	"github.com/rendis/procflow/internal/observability"
	"github.com/rendis/procflow/internal/runner"
	"github.com/rendis/procflow/internal/scheduler"
	"github.com/rendis/procflow/internal/store"
	"github.com/rendis/procflow/internal/streaming"
	"github.com/rendis/procflow/internal/validation"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	models    *model.Registry
	loader    *model.Loader
	engine    engine.Engine
	launcher  *engine.Launcher
	runner    *runner.Runner
	pool      *runner.WorkerPool
	scheduler *scheduler.Scheduler
	hub       *streaming.MemoryHub
	metrics   *prometheus.Registry
	redis     *redis.Client
}

// newApp opens the store, loads the models and wires the engine with its
// observers, runner and scheduler.
func newApp(ctx context.Context, cfg Config) (*app, error) {
	logger := logging.New(logging.ParseLevel(cfg.LogLevel))
	a := &app{cfg: cfg, logger: logger}

	st, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.store = st

	// Handlers and validation.
	jsv, err := validation.NewJSONSchemaValidator()
	if err != nil {
		a.Close()
		return nil, err
	}
	registry := handlers.NewRegistry()
	if err := handlers.RegisterBuiltins(registry, jsv); err != nil {
		a.Close()
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		a.Close()
		return nil, err
	}
	validator, err := validation.NewModelValidator(registry, expressions.NewExprEngine(), cel)
	if err != nil {
		a.Close()
		return nil, err
	}

	// Models.
	a.models = model.NewRegistry()
	a.loader = model.NewLoader(validator, logger)
	if _, err := a.loader.Sync(a.models, cfg.ModelsDir, cfg.ModelsGlob); err != nil {
		a.Close()
		return nil, fmt.Errorf("load models from %s: %w", cfg.ModelsDir, err)
	}

	// Engine.
	a.engine, err = engine.New(a.models, registry, engine.Config{
		RollbackOnError:       cfg.RollbackOnError,
		RetainCompletedTokens: cfg.RetainCompletedTokens,
		Validator:             validator,
		Breakers:              handlers.NewBreakers(handlers.DefaultBreakerConfig()),
		Logger:                logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.launcher = engine.NewLauncher(a.engine, st)

	// Observers.
	a.metrics = prometheus.NewRegistry()
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := observability.NewMetrics(a.metrics)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine.RegisterObserver(m)
	a.engine.RegisterObserver(observability.NewTraceLogger(logger, slog.LevelDebug))
	a.hub = streaming.NewMemoryHub()
	a.engine.RegisterObserver(streaming.NewObserver(a.hub, logger))

	// Runner.
	rcfg := runner.Config{
		FetchSize:    cfg.FetchSize,
		IdleInterval: cfg.IdleInterval,
		SystemName:   cluster.NameOrHost(cfg.SystemName),
		Logger:       logger,
	}
	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		rcfg.Locker = cluster.NewRedisLocker(a.redis, "procflow:")
	}
	var strategy runner.Strategy
	if cfg.PoolSize > 0 {
		a.pool = runner.NewWorkerPool(cfg.PoolSize)
		strategy = runner.NewPoolStrategy(a.pool)
	}
	a.runner = runner.New(a.engine, st, strategy, rcfg)
	if err := observability.RegisterRunnerGauge(a.metrics, a.runner); err != nil {
		a.Close()
		return nil, err
	}

	a.scheduler = scheduler.NewScheduler(st, a.launcher, scheduler.DefaultInterval, logger)
	return a, nil
}

func openStore(ctx context.Context, cfg Config) (store.Store, error) {
	if cfg.Store == storeMemory {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create database dir: %w", err)
	}
	dsn := cfg.DBPath
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return st, nil
}

// Close releases the pool, the redis client and the store.
func (a *app) Close() {
	if a.pool != nil {
		a.pool.Shutdown()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close store", "error", err)
		}
	}
}
