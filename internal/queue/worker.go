package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// DefaultJobTimeout bounds a single delivery
const DefaultJobTimeout = 7200 * time.Second

// WorkerConfig sizes the worker pool
type WorkerConfig struct {
	Concurrency int           `toml:"concurrency"`
	JobTimeout  time.Duration `toml:"job_timeout"`
	// RetryDelay is the pause after a failed dequeue
	RetryDelay time.Duration `toml:"retry_delay"`
}

// DefaultWorkerConfig returns a single worker with the stock job timeout
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency: 1,
		JobTimeout:  DefaultJobTimeout,
		RetryDelay:  time.Second,
	}
}

// Pool runs N workers, each handling one delivery at a time. A delivery
// is attempted once.
type Pool struct {
	queue   Queue
	handler *Handler
	config  WorkerConfig
	logger  *slog.Logger
}

// NewPool creates a worker pool consuming q
func NewPool(q Queue, handler *Handler, config WorkerConfig, logger *slog.Logger) *Pool {
	defaults := DefaultWorkerConfig()
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{queue: q, handler: handler, config: config, logger: logger}
}

// Run blocks until ctx is done or the queue closes, then waits for
// in-flight jobs to return
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting workers", "concurrency", p.config.Concurrency)

	var wg sync.WaitGroup
	for i := 0; i < p.config.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()

	p.logger.Info("workers stopped")
}

func (p *Pool) work(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		jobID, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrClosed) {
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.config.RetryDelay):
			}
			continue
		}

		p.deliver(ctx, jobID, logger)
	}
}

func (p *Pool) deliver(ctx context.Context, jobID int64, logger *slog.Logger) {
	// in-flight jobs are not interrupted by shutdown, only by the job timeout
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.config.JobTimeout)
	defer cancel()

	metrics.WorkerBusy(true)
	defer metrics.WorkerBusy(false)

	logger.Info("handling job", "jobID", jobID)
	p.handler.Handle(jobCtx, jobID)
}
