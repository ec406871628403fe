package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livinlefevreloca/catalogsync/internal/api"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/sources"
	"github.com/livinlefevreloca/catalogsync/internal/trigger"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// ServeCommand runs the API and the workers in one process
type ServeCommand struct {
	NoWorkers bool `long:"no-workers" description:"Serve the API without consuming jobs"`
}

func (c *ServeCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if a.cfg.Sources.SyncOnStart {
		if _, err := sources.Sync(ctx, a.db, a.cfg.Sources.Dir, a.logger); err != nil {
			return err
		}
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if !c.NoWorkers {
		if err := a.requeuePending(ctx); err != nil {
			return err
		}
		pool := a.newPool()
		wg.Add(1)
		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()
	}

	if a.cfg.Trigger.Enabled {
		trig := trigger.New(a.cfg.Trigger, a.db, a.orch, a.queue, a.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			trig.Run(ctx)
		}()
	}

	var srv *http.Server
	if a.cfg.HTTP.Enabled {
		gin.SetMode(gin.ReleaseMode)
		handler := api.NewHandler(a.db, a.orch, a.queue, a.logger)
		srv = &http.Server{
			Addr:              a.cfg.HTTP.Addr(),
			Handler:           api.NewServer(handler, a.logger, a.cfg.Metrics.Enabled),
			ReadHeaderTimeout: 10 * time.Second,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("http api listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", "error", err)
				stop()
			}
		}()
	}

	a.logger.Info("catalogsync is running")
	<-ctx.Done()
	a.logger.Info("shutting down gracefully")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown failed", "error", err)
		}
	}
	wg.Wait()
	return nil
}

// WorkerCommand consumes jobs without serving the API
type WorkerCommand struct {
	Concurrency int `long:"concurrency" description:"Override worker.concurrency"`
}

func (c *WorkerCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if c.Concurrency > 0 {
		a.cfg.Worker.Concurrency = c.Concurrency
	}
	if err := a.openQueue(ctx); err != nil {
		return err
	}
	if err := a.requeuePending(ctx); err != nil {
		return err
	}

	a.newPool().Run(ctx)
	return nil
}

// RunJobCommand runs one job in the foreground
type RunJobCommand struct {
	ID int64 `long:"id" required:"true" description:"Job id"`
}

func (c *RunJobCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	job, err := a.db.GetJob(ctx, c.ID)
	if err != nil {
		return fmt.Errorf("failed to load job %d: %w", c.ID, err)
	}
	return runAndReport(ctx, a, job)
}

func runAndReport(ctx context.Context, a *app, job *db.Job) error {
	if job.Status != db.JobPending {
		return fmt.Errorf("job %d is %s, only pending jobs can run", job.ID, job.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Worker.JobTimeout)
	defer cancel()
	if err := a.orch.RunJob(ctx, job); err != nil {
		return err
	}

	finished, err := a.db.GetJob(context.WithoutCancel(ctx), job.ID)
	if err != nil {
		return err
	}
	c := finished.Counters
	fmt.Printf("job %d %s: %d found, %d created, %d updated, %d failed, %d images\n",
		finished.ID, finished.Status, c.Found, c.Created, c.Updated, c.Failed, c.ImagesDownloaded)
	if finished.Status == db.JobFailed && finished.ErrorMessage != nil {
		return errors.New(*finished.ErrorMessage)
	}
	return nil
}

// CreateJobCommand creates a job for a source
type CreateJobCommand struct {
	Source       string `long:"source" required:"true" description:"Source slug"`
	Type         string `long:"type" default:"full" choice:"full" choice:"category" choice:"product" description:"Job type"`
	CategoryURL  string `long:"category-url" description:"Category listing URL for category jobs"`
	CategoryName string `long:"category-name" description:"Category name passed to the engine"`
	ProductURL   string `long:"product-url" description:"Product page URL for product jobs"`
	Run          bool   `long:"run" description:"Run the job in the foreground instead of enqueueing it"`
}

func (c *CreateJobCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if !c.Run && a.cfg.Queue.Driver == "memory" {
		return errors.New("the in-memory queue is not shared between processes; use --run or a redis queue")
	}

	source, err := a.db.GetSourceBySlug(ctx, c.Source)
	if err != nil {
		return fmt.Errorf("failed to load source %s: %w", c.Source, err)
	}

	config := map[string]any{}
	switch db.JobType(c.Type) {
	case db.JobTypeCategory:
		if c.CategoryURL == "" {
			return errors.New("--category-url is required for category jobs")
		}
		config["category_url"] = c.CategoryURL
		if c.CategoryName != "" {
			config["category_name"] = c.CategoryName
		}
	case db.JobTypeProduct:
		if c.ProductURL == "" {
			return errors.New("--product-url is required for product jobs")
		}
		config["product_url"] = c.ProductURL
	}

	job, err := a.orch.CreateJob(ctx, source, db.JobType(c.Type), config)
	if err != nil {
		return err
	}

	if c.Run {
		return runAndReport(ctx, a, job)
	}

	if err := a.openQueue(ctx); err != nil {
		return err
	}
	if err := a.queue.Enqueue(ctx, job.ID); err != nil {
		return fmt.Errorf("failed to enqueue job %d: %w", job.ID, err)
	}
	fmt.Printf("job %d enqueued\n", job.ID)
	return nil
}

// SyncSourcesCommand loads YAML source definitions into the database
type SyncSourcesCommand struct {
	Dir string `long:"dir" description:"Override sources.dir"`
}

func (c *SyncSourcesCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	dir := a.cfg.Sources.Dir
	if c.Dir != "" {
		dir = c.Dir
	}
	result, err := sources.Sync(ctx, a.db, dir, a.logger)
	if err != nil {
		return err
	}
	fmt.Printf("%d sources created, %d updated\n", result.Created, result.Updated)
	return nil
}

// MigrateCommand applies pending migrations and exits
type MigrateCommand struct{}

func (c *MigrateCommand) Execute([]string) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	// newApp migrates unless the config opts out
	if a.cfg.Database.SkipMigrations {
		return a.migrate(ctx)
	}
	return nil
}
