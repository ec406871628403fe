package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/livinlefevreloca/catalogsync/internal/adapter"
	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/config"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/images"
	"github.com/livinlefevreloca/catalogsync/internal/orchestrator"
	"github.com/livinlefevreloca/catalogsync/internal/queue"
	"github.com/livinlefevreloca/catalogsync/tools/migrator"
)

// app holds the wired components shared by the commands
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *db.DB
	orch   *orchestrator.Orchestrator
	queue  queue.Queue
}

// newApp loads configuration, opens and migrates the database and
// registers one bridge adapter per configured source
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(globalOpts.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := cfg.Logging.NewLogger(os.Stdout)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	logger.Info("connecting to database", "driver", cfg.Database.Driver, "dsn", cfg.Database.DSN)
	database, err := db.OpenWithConfig(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, db: database}
	if !cfg.Database.SkipMigrations {
		if err := a.migrate(ctx); err != nil {
			database.Close()
			return nil, err
		}
	} else {
		logger.Info("skipping migrations", "reason", "configured to skip")
	}

	a.orch = orchestrator.New(database, logger)
	deps := adapter.Deps{
		Store:  database,
		Images: images.New(database, cfg.Images, logger),
		Logger: logger,
	}
	for _, ac := range cfg.Adapters {
		b := bridge.New(cfg.Bridge, ac.Script, logger)
		a.orch.Register(ac.Slug, adapter.BridgeFactory(ac.Slug, b, deps))
		logger.Info("registered adapter", "source", ac.Slug, "script", ac.Script)
	}

	return a, nil
}

func (a *app) migrate(ctx context.Context) error {
	a.logger.Info("running migrations")
	if err := a.db.Migrate(ctx, a.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	version, err := migrator.GetCurrentVersion(a.db.DB)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}
	a.logger.Info("database schema ready", "version", version)
	return nil
}

// openQueue connects the configured transport
func (a *app) openQueue(ctx context.Context) error {
	switch a.cfg.Queue.Driver {
	case "redis":
		q, err := queue.NewRedisQueue(ctx, a.cfg.Queue.Redis)
		if err != nil {
			return err
		}
		a.queue = q
		a.logger.Info("using redis queue", "addr", a.cfg.Queue.Redis.Addr)
	default:
		a.queue = queue.NewMemoryQueue(a.cfg.Queue, a.logger)
		a.logger.Info("using in-memory queue", "bufferSize", a.cfg.Queue.BufferSize)
	}
	return nil
}

// requeuePending hands jobs left pending by a previous process to the
// in-memory queue. The redis list outlives the process so it is left alone.
func (a *app) requeuePending(ctx context.Context) error {
	if _, ok := a.queue.(*queue.MemoryQueue); !ok {
		return nil
	}
	ids, err := a.db.ListPendingJobIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list pending jobs: %w", err)
	}
	for _, id := range ids {
		if err := a.queue.Enqueue(ctx, id); err != nil {
			return fmt.Errorf("failed to requeue job %d: %w", id, err)
		}
	}
	if len(ids) > 0 {
		a.logger.Info("requeued pending jobs", "count", len(ids))
	}
	return nil
}

func (a *app) newPool() *queue.Pool {
	handler := queue.NewHandler(a.db, a.orch, a.logger)
	return queue.NewPool(a.queue, handler, a.cfg.Worker, a.logger)
}

func (a *app) Close() {
	if a.queue != nil {
		if err := a.queue.Close(); err != nil {
			a.logger.Warn("failed to close queue", "error", err)
		}
	}
	a.db.Close()
}
