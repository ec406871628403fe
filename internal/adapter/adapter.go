// Package adapter defines the per-source scraping contract and the run
// context shared by every adapter.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/catalog"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// Adapter scrapes one source. An instance serves a single job run.
type Adapter interface {
	SourceSlug() string
	Initialize(ctx context.Context, source *db.Source, job *db.Job) error
	ScrapeAll(ctx context.Context) error
	ScrapeCategory(ctx context.Context, url, name string) error
	// ScrapeProduct returns the saved record, or nil when the engine
	// returned no usable product
	ScrapeProduct(ctx context.Context, url string) (*catalog.Record, error)
	Cleanup(ctx context.Context) error
}

// Factory builds a fresh adapter for every run
type Factory func() Adapter

// NoValidProductMessage fails a product job whose record lacks name or price
const NoValidProductMessage = "No valid product data found"

var (
	// ErrNotInitialized is returned by scrape calls made before Initialize
	ErrNotInitialized = errors.New("adapter not initialized")
	// ErrJobNotPending means another run claimed the job or it reached a
	// terminal status before this run started
	ErrJobNotPending = errors.New("job is no longer pending")
)

// FatalFetchError aborts a job during the fetch phase. Its message is the
// underlying failure so it can be stored as the job error.
type FatalFetchError struct {
	Kind string
	Err  error
}

func (e *FatalFetchError) Error() string {
	return e.Err.Error()
}

func (e *FatalFetchError) Unwrap() error {
	return e.Err
}

// Store is the persistence a run needs
type Store interface {
	catalog.Store
	joblog.Store
	MarkJobRunning(ctx context.Context, id int64, at time.Time) (bool, error)
	FinishJob(ctx context.Context, id int64, status db.JobStatus, errorMessage *string, at time.Time) (bool, error)
	TouchSourceLastScraped(ctx context.Context, id int64, at time.Time) error
}

// Fetcher runs one engine action
type Fetcher interface {
	Run(ctx context.Context, action string, params map[string]any, logger *joblog.Logger) (*bridge.Result, error)
}

// Deps are shared by every run
type Deps struct {
	Store  Store
	Images catalog.ImageSaver
	Logger *slog.Logger
}

// Run is the execution context of one job: its source, counters,
// job log and reconciler
type Run struct {
	store      Store
	source     *db.Source
	job        *db.Job
	log        *joblog.Logger
	slog       *slog.Logger
	reconciler *catalog.Reconciler
	now        func() time.Time
}

// NewRun creates the execution context of job against source
func NewRun(deps Deps, source *db.Source, job *db.Job) *Run {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("source", source.Slug)
	jobLog := joblog.New(deps.Store, job.ID, logger)

	return &Run{
		store:      deps.Store,
		source:     source,
		job:        job,
		log:        jobLog,
		slog:       logger,
		reconciler: catalog.NewReconciler(deps.Store, deps.Images, source, job.ID, jobLog, logger),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (r *Run) Source() *db.Source { return r.source }

func (r *Run) Job() *db.Job { return r.job }

func (r *Run) Log() *joblog.Logger { return r.log }

func (r *Run) Counters() db.Counters { return r.reconciler.Counters() }

// Start claims the pending job for this run and logs the scrape kind
func (r *Run) Start(ctx context.Context, kind string) error {
	at := r.now()
	ok, err := r.store.MarkJobRunning(ctx, r.job.ID, at)
	if err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if !ok {
		return ErrJobNotPending
	}
	r.job.Status = db.JobRunning
	r.job.StartedAt = &at
	r.log.Info(ctx, fmt.Sprintf("starting %s scrape", kind))
	return nil
}

// ScrapeList runs a list action and saves every returned record
func (r *Run) ScrapeList(ctx context.Context, kind, action string, params map[string]any, fetcher Fetcher) error {
	if err := r.Start(ctx, kind); err != nil {
		return err
	}

	result, err := fetcher.Run(ctx, action, params, r.log)
	if err != nil {
		return r.Fail(ctx, kind, &FatalFetchError{Kind: kind, Err: err})
	}
	if result.Failed() {
		return r.Fail(ctx, kind, &FatalFetchError{Kind: kind, Err: errors.New(result.Error)})
	}

	r.log.Info(ctx, fmt.Sprintf("engine returned %d records", len(result.Records)))
	for _, raw := range result.Records {
		// failures are counted and logged by the reconciler
		r.reconciler.SaveRaw(ctx, raw)
	}

	return r.Complete(ctx, kind)
}

// ScrapeOne runs the product action and saves the single record it returns.
// A record without name or price fails the job without returning an error.
func (r *Run) ScrapeOne(ctx context.Context, params map[string]any, fetcher Fetcher) (*catalog.Record, error) {
	const kind = "product"
	if err := r.Start(ctx, kind); err != nil {
		return nil, err
	}

	result, err := fetcher.Run(ctx, bridge.ActionScrapeProduct, params, r.log)
	if err != nil {
		return nil, r.Fail(ctx, kind, &FatalFetchError{Kind: kind, Err: err})
	}
	if result.Failed() {
		return nil, r.Fail(ctx, kind, &FatalFetchError{Kind: kind, Err: errors.New(result.Error)})
	}

	rec, err := catalog.DecodeRecord(result.Record)
	if err != nil || !rec.HasNameAndPrice() {
		r.log.Warning(ctx, NoValidProductMessage, joblog.WithURL(stringParam(params, "product_url")))
		r.finish(ctx, db.JobFailed, NoValidProductMessage)
		return nil, nil
	}

	if _, err := r.reconciler.SaveProduct(ctx, rec); err != nil {
		rec = nil
	}
	return rec, r.Complete(ctx, kind)
}

// Complete flushes counters, marks the job completed and stamps the source
func (r *Run) Complete(ctx context.Context, kind string) error {
	r.flush(ctx)
	if !r.finish(ctx, db.JobCompleted, "") {
		return nil
	}

	if err := r.store.TouchSourceLastScraped(context.WithoutCancel(ctx), r.source.ID, r.now()); err != nil {
		r.slog.Warn("failed to update source last scraped", "error", err)
	}

	c := r.Counters()
	r.log.Info(ctx, fmt.Sprintf("%s scrape completed: %d found, %d created, %d updated, %d failed, %d images",
		kind, c.Found, c.Created, c.Updated, c.Failed, c.ImagesDownloaded),
		joblog.WithContext(map[string]any{
			"products_found":    c.Found,
			"products_created":  c.Created,
			"products_updated":  c.Updated,
			"products_failed":   c.Failed,
			"images_downloaded": c.ImagesDownloaded,
		}))
	return nil
}

// Fail flushes counters, marks the job failed with err and returns err
func (r *Run) Fail(ctx context.Context, kind string, err error) error {
	r.flush(ctx)
	r.log.Error(ctx, fmt.Sprintf("%s scrape failed: %v", kind, err))
	r.finish(ctx, db.JobFailed, err.Error())
	return err
}

// finish writes a terminal status; false when the job already holds another one
func (r *Run) finish(ctx context.Context, status db.JobStatus, message string) bool {
	var msg *string
	if message != "" {
		msg = &message
	}
	at := r.now()

	ok, err := r.store.FinishJob(context.WithoutCancel(ctx), r.job.ID, status, msg, at)
	if err != nil {
		r.slog.Error("failed to finish job", "jobID", r.job.ID, "status", status, "error", err)
		return false
	}
	if !ok {
		r.slog.Info("job already terminal, status not written", "jobID", r.job.ID, "status", status)
		return false
	}

	r.job.Status = status
	r.job.ErrorMessage = msg
	r.job.CompletedAt = &at
	r.job.Counters = r.Counters()
	metrics.JobFinished(r.source.Slug, string(status))
	return true
}

func (r *Run) flush(ctx context.Context) {
	if err := r.reconciler.Flush(ctx); err != nil {
		r.slog.Warn("failed to flush job counters", "jobID", r.job.ID, "error", err)
	}
}

func stringParam(params map[string]any, key string) string {
	s, _ := params[key].(string)
	return s
}
