package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/c360studio/conductor/aggregator"
	"github.com/c360studio/conductor/bus"
	"github.com/c360studio/conductor/config"
	"github.com/c360studio/conductor/definition"
	"github.com/c360studio/conductor/dispatch"
	"github.com/c360studio/conductor/engine"
	"github.com/c360studio/conductor/executor"
	"github.com/c360studio/conductor/kv"
	"github.com/c360studio/conductor/scheduler"
	"github.com/c360studio/conductor/store"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	natsConn *nats.Conn
	bus      bus.Bus
	redis    *redis.Client
	kv       kv.Store
	store    *store.Store
	fallback *definition.Fallback

	Registry   *dispatch.Registry
	Dispatcher *dispatch.Dispatcher
	Engine     *engine.Service
	Executor   *executor.Executor
	Scheduler  *scheduler.Scheduler
	Aggregator *aggregator.Aggregator
}

// NewApp creates a new application instance. Connect must be called before
// any component is used.
func NewApp(cfg *config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}
}

// Connect establishes the backing connections and wires all components.
// It does not start any consumer loops; Run does that.
func (a *App) Connect(ctx context.Context) error {
	cfg := a.cfg

	a.logger.Info("connecting to NATS", "url", cfg.NATS.URL)
	conn, err := nats.Connect(cfg.NATS.URL,
		nats.Name("conductor"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	a.natsConn = conn

	natsBus, err := bus.NewNATSBus(conn, a.logger)
	if err != nil {
		conn.Close()
		return fmt.Errorf("create bus: %w", err)
	}
	a.bus = natsBus

	a.redis = redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.close()
		return fmt.Errorf("connect to Redis: %w", err)
	}
	a.kv = kv.NewRedis(a.redis)

	st, err := store.Open(ctx, cfg.Database.URL, a.logger)
	if err != nil {
		a.close()
		return fmt.Errorf("open database: %w", err)
	}
	a.store = st
	if err := st.Migrate(ctx); err != nil {
		a.close()
		return fmt.Errorf("migrate database: %w", err)
	}

	if cfg.Definitions.FallbackPath != "" {
		fb, err := definition.LoadFallback(cfg.Definitions.FallbackPath, a.logger)
		if err != nil {
			a.close()
			return fmt.Errorf("load fallback definitions: %w", err)
		}
		a.fallback = fb
	}
	defs := definition.NewEngine(st, a.fallback, a.logger)

	a.Registry = dispatch.NewRegistry(a.kv)
	a.Dispatcher = dispatch.New(a.bus, a.Registry, a.logger)
	a.Engine = engine.New(engine.Config{
		WorkerID:          cfg.Engine.WorkerID,
		LockTTL:           cfg.Engine.LockTTL,
		DedupTTL:          cfg.Engine.DedupTTL,
		PollInterval:      cfg.Engine.PollInterval,
		MaxPolls:          cfg.Engine.MaxPolls,
		DefaultMaxRetries: cfg.Engine.DefaultMaxRetries,
		DefaultTimeoutMS:  cfg.Engine.DefaultTimeoutMS,
		OutputRoot:        cfg.Engine.OutputRoot,
	}, st, a.kv, a.bus, a.Dispatcher, defs, a.logger)
	a.Executor = executor.New(st, a.bus, a.Dispatcher, a.Engine, a.logger)
	a.Scheduler = scheduler.New(scheduler.Config{
		TickInterval:     cfg.Scheduler.TickInterval,
		BatchSize:        cfg.Scheduler.BatchSize,
		SubscribeTimeout: cfg.Scheduler.SubscribeTimeout,
	}, st, a.bus, a.Executor, a.logger)
	a.Aggregator = aggregator.New(aggregator.Config{
		Window:           cfg.Aggregator.Window,
		SnapshotInterval: cfg.Aggregator.SnapshotInterval,
		SnapshotTTL:      cfg.Aggregator.SnapshotTTL,
	}, a.bus, a.kv, prometheus.DefaultRegisterer, a.logger)

	if a.fallback != nil && cfg.Definitions.Watch {
		if err := a.fallback.Watch(defs); err != nil {
			a.logger.Warn("watch fallback definitions", "error", err)
		}
	}

	a.logger.Info("components wired")
	return nil
}

// Run starts the consumer loops and blocks until ctx is cancelled. All
// loops are stopped before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := a.Engine.Start(ctx, a.Dispatcher); err != nil {
		return fmt.Errorf("start result consumer: %w", err)
	}
	if err := a.Aggregator.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}
	if err := a.Scheduler.ReloadEventHandlers(ctx); err != nil {
		a.logger.Warn("reload event handlers", "error", err)
	}
	go a.Scheduler.Run(ctx)

	a.logger.Info("conductor running")
	<-ctx.Done()
	a.logger.Info("shutting down")

	a.Scheduler.Stop()
	a.Aggregator.Stop()
	if err := a.Dispatcher.Stop(); err != nil {
		a.logger.Warn("stop dispatcher", "error", err)
	}
	return nil
}

// Close releases all backing connections.
func (a *App) Close() error {
	a.close()
	return nil
}

func (a *App) close() {
	if a.fallback != nil {
		if err := a.fallback.Close(); err != nil {
			a.logger.Warn("close fallback watcher", "error", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("close database", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close Redis", "error", err)
		}
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("close bus", "error", err)
		}
	}
	if a.natsConn != nil {
		a.natsConn.Close()
	}
}
