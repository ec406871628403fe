package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// Store loads and force-fails jobs
type Store interface {
	GetJob(ctx context.Context, id int64) (*db.Job, error)
	FinishJob(ctx context.Context, id int64, status db.JobStatus, errorMessage *string, at time.Time) (bool, error)
}

// Runner executes a job to a terminal status
type Runner interface {
	RunJob(ctx context.Context, job *db.Job) error
}

// Handler processes one queue delivery
type Handler struct {
	store  Store
	runner Runner
	logger *slog.Logger
}

// NewHandler creates a delivery handler
func NewHandler(store Store, runner Runner, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, runner: runner, logger: logger}
}

// Handle runs the job with id jobID if it is still pending. Errors are
// logged and never returned; a panic force-fails the job.
func (h *Handler) Handle(ctx context.Context, jobID int64) {
	logger := h.logger.With("jobID", jobID)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("job handler panic recovered", "panic", r)
			metrics.QueueDelivery("error")
			msg := fmt.Sprintf("job handler panicked: %v", r)
			if _, err := h.store.FinishJob(context.WithoutCancel(ctx), jobID, db.JobFailed, &msg, time.Now().UTC()); err != nil {
				logger.Error("failed to mark job failed", "error", err)
			}
		}
	}()

	job, err := h.store.GetJob(ctx, jobID)
	if err != nil {
		logger.Error("failed to load job", "error", err)
		metrics.QueueDelivery("error")
		return
	}
	if job.Status != db.JobPending {
		logger.Info("job not pending, skipping", "status", job.Status)
		metrics.QueueDelivery("skipped")
		return
	}

	if err := h.runner.RunJob(ctx, job); err != nil {
		logger.Warn("job run returned error", "error", err)
		metrics.QueueDelivery("error")
		return
	}
	metrics.QueueDelivery("run")
}
