// Package orchestrator creates scrape jobs and drives each run through a
// fresh adapter built from the source's registered factory.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/adapter"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

var (
	// ErrAdapterNotFound is returned when a job's source has no registered adapter
	ErrAdapterNotFound = errors.New("no adapter registered for source")
	// ErrInvalidJobType is returned for job types other than full, category and product
	ErrInvalidJobType = errors.New("invalid job type")
)

// Store is the persistence the orchestrator needs
type Store interface {
	joblog.Store
	GetSource(ctx context.Context, id int64) (*db.Source, error)
	CreateJob(ctx context.Context, job *db.Job) error
	FinishJob(ctx context.Context, id int64, status db.JobStatus, errorMessage *string, at time.Time) (bool, error)
	CancelJob(ctx context.Context, id int64, at time.Time) (bool, error)
}

// Orchestrator owns the adapter registry and the job lifecycle around a run
type Orchestrator struct {
	store  Store
	logger *slog.Logger

	mu        sync.RWMutex
	factories map[string]adapter.Factory
}

// New creates an orchestrator with an empty registry
func New(store Store, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:     store,
		logger:    logger,
		factories: make(map[string]adapter.Factory),
	}
}

// Register binds a source slug to an adapter factory. The last registration wins.
func (o *Orchestrator) Register(slug string, factory adapter.Factory) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.factories[slug]; ok {
		o.logger.Warn("replacing registered adapter", "source", slug)
	}
	o.factories[slug] = factory
}

// Adapters returns the registered source slugs in sorted order
func (o *Orchestrator) Adapters() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	slugs := make([]string, 0, len(o.factories))
	for slug := range o.factories {
		slugs = append(slugs, slug)
	}
	sort.Strings(slugs)
	return slugs
}

func (o *Orchestrator) factory(slug string) (adapter.Factory, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	f, ok := o.factories[slug]
	return f, ok
}

// CreateJob persists a pending job for source. config is stored verbatim.
func (o *Orchestrator) CreateJob(ctx context.Context, source *db.Source, jobType db.JobType, config map[string]any) (*db.Job, error) {
	if !jobType.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidJobType, jobType)
	}
	if config == nil {
		config = map[string]any{}
	}

	job := &db.Job{SourceID: source.ID, Type: jobType, Config: config}
	if err := o.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	o.logger.Info("job created", "jobID", job.ID, "source", source.Slug, "type", jobType)
	return job, nil
}

// RunJob executes job synchronously with a fresh adapter for its source.
// Any error or panic escaping the adapter leaves the job failed.
func (o *Orchestrator) RunJob(ctx context.Context, job *db.Job) error {
	source, err := o.store.GetSource(ctx, job.SourceID)
	if err != nil {
		err = fmt.Errorf("failed to load source %d: %w", job.SourceID, err)
		// a deleted source cascades to its jobs; other errors would leave this one pending
		if !db.IsNotFound(err) {
			logger := o.logger.With("jobID", job.ID, "sourceID", job.SourceID)
			logger.Error("job failed", "error", err)
			o.markFailed(ctx, logger, strconv.FormatInt(job.SourceID, 10), job, err)
		}
		return err
	}

	logger := o.logger.With("jobID", job.ID, "source", source.Slug)
	jobLog := joblog.New(o.store, job.ID, logger)

	factory, ok := o.factory(source.Slug)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrAdapterNotFound, source.Slug)
		jobLog.Error(ctx, err.Error())
		o.markFailed(ctx, logger, source.Slug, job, err)
		return err
	}

	err = o.execute(ctx, factory(), source, job, logger)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, adapter.ErrJobNotPending):
		logger.Info("job no longer pending, skipping run")
		return nil
	}

	logger.Error("job failed", "error", err)
	o.markFailed(ctx, logger, source.Slug, job, err)
	return err
}

// execute runs one adapter lifecycle. Cleanup always runs.
func (o *Orchestrator) execute(ctx context.Context, a adapter.Adapter, source *db.Source, job *db.Job, logger *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("adapter panic recovered", "panic", r)
			err = fmt.Errorf("adapter panicked: %v", r)
		}
	}()

	if err := a.Initialize(ctx, source, job); err != nil {
		return fmt.Errorf("failed to initialize adapter: %w", err)
	}
	defer func() {
		if cerr := a.Cleanup(context.WithoutCancel(ctx)); cerr != nil {
			logger.Warn("adapter cleanup failed", "error", cerr)
		}
	}()

	logger.Info("running job", "type", job.Type)
	switch job.Type {
	case db.JobTypeFull:
		return a.ScrapeAll(ctx)
	case db.JobTypeCategory:
		url := job.ConfigString("category_url")
		if url == "" {
			return errors.New("category_url is required for category jobs")
		}
		return a.ScrapeCategory(ctx, url, job.ConfigString("category_name"))
	case db.JobTypeProduct:
		url := job.ConfigString("product_url")
		if url == "" {
			return errors.New("product_url is required for product jobs")
		}
		_, err := a.ScrapeProduct(ctx, url)
		return err
	default:
		return fmt.Errorf("%w: %q", ErrInvalidJobType, job.Type)
	}
}

// markFailed writes the failed status unless the job already holds a
// different terminal one
func (o *Orchestrator) markFailed(ctx context.Context, logger *slog.Logger, slug string, job *db.Job, cause error) {
	msg := cause.Error()
	at := time.Now().UTC()
	ok, err := o.store.FinishJob(context.WithoutCancel(ctx), job.ID, db.JobFailed, &msg, at)
	if err != nil {
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	if !ok {
		return
	}
	if job.Status != db.JobFailed {
		metrics.JobFinished(slug, string(db.JobFailed))
	}
	job.Status = db.JobFailed
	job.CompletedAt = &at
	job.ErrorMessage = &msg
}

// CancelJob marks a pending or running job cancelled. It never signals a
// running engine process; the run keeps going and its final status write
// is refused.
func (o *Orchestrator) CancelJob(ctx context.Context, job *db.Job) (bool, error) {
	at := time.Now().UTC()
	ok, err := o.store.CancelJob(ctx, job.ID, at)
	if err != nil {
		return false, fmt.Errorf("failed to cancel job: %w", err)
	}
	if !ok {
		return false, nil
	}

	job.Status = db.JobCancelled
	job.CompletedAt = &at
	joblog.New(o.store, job.ID, o.logger).Info(ctx, "job cancelled")
	return true, nil
}
