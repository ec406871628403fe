// Package trigger turns source schedules into full scrape jobs.
package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/cron"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// Config controls schedule evaluation
type Config struct {
	Enabled  bool          `toml:"enabled"`
	Interval time.Duration `toml:"interval"`
}

// DefaultConfig returns the defaults: disabled, evaluated once a minute
func DefaultConfig() Config {
	return Config{Enabled: false, Interval: time.Minute}
}

// Store lists sources and checks for runs in flight
type Store interface {
	ListSources(ctx context.Context) ([]db.Source, error)
	HasActiveJob(ctx context.Context, sourceID int64) (bool, error)
}

// Jobs creates and cancels jobs
type Jobs interface {
	CreateJob(ctx context.Context, source *db.Source, jobType db.JobType, config map[string]any) (*db.Job, error)
	CancelJob(ctx context.Context, job *db.Job) (bool, error)
}

// Enqueuer hands job IDs to workers
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
}

type parsed struct {
	expr     string
	schedule *cron.Schedule
	err      error
}

// Trigger creates a full job for every active source whose schedule came
// due since the previous tick. A source with a pending or running job is
// skipped for that fire time.
type Trigger struct {
	config Config
	store  Store
	jobs   Jobs
	queue  Enqueuer
	logger *slog.Logger

	// accessed only by the run loop
	last      time.Time
	schedules map[int64]parsed
}

// New creates a trigger. Ticks are evaluated in UTC.
func New(config Config, store Store, jobs Jobs, queue Enqueuer, logger *slog.Logger) *Trigger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trigger{
		config:    config,
		store:     store,
		jobs:      jobs,
		queue:     queue,
		logger:    logger.With("component", "trigger"),
		schedules: make(map[int64]parsed),
	}
}

// Run evaluates schedules every interval until ctx is done.
// Fire times before Run started are never replayed.
func (t *Trigger) Run(ctx context.Context) {
	t.logger.Info("starting schedule trigger", "interval", t.config.Interval)
	t.last = time.Now().UTC()

	ticker := time.NewTicker(t.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("schedule trigger stopped")
			return
		case now := <-ticker.C:
			t.tick(ctx, now.UTC())
		}
	}
}

func (t *Trigger) tick(ctx context.Context, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("trigger panic recovered", "panic", r)
		}
	}()

	if _, err := t.Evaluate(ctx, t.last, now); err != nil {
		t.logger.Error("failed to evaluate schedules", "error", err)
		return
	}
	t.last = now
}

// Evaluate creates and enqueues jobs for schedules with a fire time in
// (from, to]. It returns the IDs of the jobs it enqueued.
func (t *Trigger) Evaluate(ctx context.Context, from, to time.Time) ([]int64, error) {
	sources, err := t.store.ListSources(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}

	var enqueued []int64
	for i := range sources {
		source := &sources[i]
		if !source.IsActive || source.Schedule == "" {
			continue
		}

		schedule, ok := t.schedule(source)
		if !ok {
			continue
		}
		next := schedule.Next(from)
		if next.IsZero() || next.After(to) {
			continue
		}

		logger := t.logger.With("source", source.Slug, "firedAt", next)
		id, outcome := t.fire(ctx, source, logger)
		metrics.ScheduleFired(source.Slug, outcome)
		if id != 0 {
			enqueued = append(enqueued, id)
		}
	}
	return enqueued, nil
}

func (t *Trigger) fire(ctx context.Context, source *db.Source, logger *slog.Logger) (int64, string) {
	active, err := t.store.HasActiveJob(ctx, source.ID)
	if err != nil {
		logger.Error("failed to check active jobs", "error", err)
		return 0, "error"
	}
	if active {
		logger.Info("previous run still active, skipping scheduled job")
		return 0, "skipped"
	}

	job, err := t.jobs.CreateJob(ctx, source, db.JobTypeFull, map[string]any{"trigger": "schedule"})
	if err != nil {
		logger.Error("failed to create scheduled job", "error", err)
		return 0, "error"
	}

	if err := t.queue.Enqueue(ctx, job.ID); err != nil {
		logger.Error("failed to enqueue scheduled job", "jobID", job.ID, "error", err)
		if _, cerr := t.jobs.CancelJob(context.WithoutCancel(ctx), job); cerr != nil {
			logger.Error("failed to cancel unqueued job", "jobID", job.ID, "error", cerr)
		}
		return 0, "error"
	}

	logger.Info("scheduled job enqueued", "jobID", job.ID)
	return job.ID, "enqueued"
}

// schedule returns the parsed expression for source, reparsing only when
// it changed. Invalid expressions are logged once per change.
func (t *Trigger) schedule(source *db.Source) (*cron.Schedule, bool) {
	p, ok := t.schedules[source.ID]
	if !ok || p.expr != source.Schedule {
		p.expr = source.Schedule
		p.schedule, p.err = cron.Parse(source.Schedule)
		t.schedules[source.ID] = p
		if p.err != nil {
			t.logger.Warn("ignoring invalid source schedule", "source", source.Slug, "schedule", source.Schedule, "error", p.err)
		}
	}
	return p.schedule, p.err == nil
}
