package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/livinlefevreloca/catalogsync/internal/catalog"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/orchestrator"
)

// Store is the persistence behind the API
type Store interface {
	ListSources(ctx context.Context) ([]db.Source, error)
	GetSource(ctx context.Context, id int64) (*db.Source, error)
	CreateSource(ctx context.Context, s *db.Source) error
	UpdateSource(ctx context.Context, s *db.Source) error
	DeleteSource(ctx context.Context, id int64) error
	GetJob(ctx context.Context, id int64) (*db.Job, error)
	ListJobs(ctx context.Context, sourceID int64, page, perPage int) ([]db.Job, int, error)
	DeleteJob(ctx context.Context, id int64) error
	ListLogEntries(ctx context.Context, jobID int64, page, perPage int) ([]db.LogEntry, int, error)
}

// Jobs creates and cancels jobs
type Jobs interface {
	CreateJob(ctx context.Context, source *db.Source, jobType db.JobType, config map[string]any) (*db.Job, error)
	CancelJob(ctx context.Context, job *db.Job) (bool, error)
	Adapters() []string
}

// Enqueuer hands job ids to the workers
type Enqueuer interface {
	Enqueue(ctx context.Context, jobID int64) error
}

// Handler serves the admin API
type Handler struct {
	store  Store
	jobs   Jobs
	queue  Enqueuer
	logger *slog.Logger
}

// NewHandler creates the API handler
func NewHandler(store Store, jobs Jobs, queue Enqueuer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, jobs: jobs, queue: queue, logger: logger}
}

func (h *Handler) GetHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"adapters":  h.jobs.Adapters(),
	})
}

func (h *Handler) ListSources(c *gin.Context) {
	sources, err := h.store.ListSources(c.Request.Context())
	if err != nil {
		h.internalError(c, "list_sources", err)
		return
	}

	out := make([]SourceResponse, 0, len(sources))
	for i := range sources {
		out = append(out, newSourceResponse(&sources[i]))
	}
	c.JSON(http.StatusOK, gin.H{"sources": out, "total": len(out)})
}

func (h *Handler) GetSource(c *gin.Context) {
	source, ok := h.loadSource(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newSourceResponse(source))
}

func (h *Handler) CreateSource(c *gin.Context) {
	var req SourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Slug == "" {
		req.Slug = catalog.Slugify(req.Name)
	}
	if req.Slug == "" || req.Slug != catalog.Slugify(req.Slug) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug must be lowercase letters, digits and dashes"})
		return
	}

	source := &db.Source{Slug: req.Slug}
	req.apply(source)
	if err := h.store.CreateSource(c.Request.Context(), source); err != nil {
		if db.IsDuplicate(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "source slug already exists"})
			return
		}
		h.internalError(c, "create_source", err)
		return
	}
	c.JSON(http.StatusCreated, newSourceResponse(source))
}

func (h *Handler) UpdateSource(c *gin.Context) {
	source, ok := h.loadSource(c)
	if !ok {
		return
	}

	var req SourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Slug != "" && req.Slug != source.Slug {
		c.JSON(http.StatusBadRequest, gin.H{"error": "slug cannot be changed"})
		return
	}

	req.apply(source)
	if err := h.store.UpdateSource(c.Request.Context(), source); err != nil {
		h.internalError(c, "update_source", err)
		return
	}
	c.JSON(http.StatusOK, newSourceResponse(source))
}

func (h *Handler) DeleteSource(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	err := h.store.DeleteSource(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case db.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
	case errors.Is(err, db.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "source has a running job"})
	default:
		h.internalError(c, "delete_source", err)
	}
}

// CreateJob creates a pending job for the source and enqueues it
func (h *Handler) CreateJob(c *gin.Context) {
	source, ok := h.loadSource(c)
	if !ok {
		return
	}
	if !source.IsActive {
		c.JSON(http.StatusConflict, gin.H{"error": "source is inactive"})
		return
	}

	var req JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := missingParam(req); msg != "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	ctx := c.Request.Context()
	job, err := h.jobs.CreateJob(ctx, source, req.Type, req.Config)
	if err != nil {
		if errors.Is(err, orchestrator.ErrInvalidJobType) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		h.internalError(c, "create_job", err)
		return
	}

	if err := h.queue.Enqueue(ctx, job.ID); err != nil {
		h.logger.Error("failed to enqueue job", "jobID", job.ID, "error", err)
		if _, cerr := h.jobs.CancelJob(context.WithoutCancel(ctx), job); cerr != nil {
			h.logger.Error("failed to cancel unqueued job", "jobID", job.ID, "error", cerr)
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "job queue unavailable"})
		return
	}

	c.JSON(http.StatusAccepted, newJobResponse(job))
}

func missingParam(req JobRequest) string {
	required := map[db.JobType]string{
		db.JobTypeCategory: "category_url",
		db.JobTypeProduct:  "product_url",
	}
	key, ok := required[req.Type]
	if !ok {
		return ""
	}
	if v, _ := req.Config[key].(string); v == "" {
		return key + " is required for " + string(req.Type) + " jobs"
	}
	return ""
}

func (h *Handler) ListJobs(c *gin.Context) {
	source, ok := h.loadSource(c)
	if !ok {
		return
	}

	page, perPage := pageParams(c)
	jobs, total, err := h.store.ListJobs(c.Request.Context(), source.ID, page, perPage)
	if err != nil {
		h.internalError(c, "list_jobs", err)
		return
	}

	items := make([]JobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, newJobResponse(&jobs[i]))
	}
	c.JSON(http.StatusOK, Page[JobResponse]{Items: items, Total: total, Page: page, PerPage: perPage})
}

func (h *Handler) GetJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (h *Handler) CancelJob(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	cancelled, err := h.jobs.CancelJob(c.Request.Context(), job)
	if err != nil {
		h.internalError(c, "cancel_job", err)
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "job is already " + string(job.Status)})
		return
	}
	c.JSON(http.StatusOK, newJobResponse(job))
}

func (h *Handler) DeleteJob(c *gin.Context) {
	id, ok := idParam(c)
	if !ok {
		return
	}

	err := h.store.DeleteJob(c.Request.Context(), id)
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case db.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, db.ErrJobRunning):
		c.JSON(http.StatusConflict, gin.H{"error": "job is running"})
	default:
		h.internalError(c, "delete_job", err)
	}
}

func (h *Handler) ListLogs(c *gin.Context) {
	job, ok := h.loadJob(c)
	if !ok {
		return
	}

	page, perPage := pageParams(c)
	entries, total, err := h.store.ListLogEntries(c.Request.Context(), job.ID, page, perPage)
	if err != nil {
		h.internalError(c, "list_logs", err)
		return
	}

	items := make([]LogEntryResponse, 0, len(entries))
	for _, e := range entries {
		items = append(items, LogEntryResponse{
			ID:        e.ID,
			Level:     e.Level,
			Message:   e.Message,
			Context:   e.Context,
			URL:       e.URL,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, Page[LogEntryResponse]{Items: items, Total: total, Page: page, PerPage: perPage})
}

func (h *Handler) loadSource(c *gin.Context) (*db.Source, bool) {
	id, ok := idParam(c)
	if !ok {
		return nil, false
	}
	source, err := h.store.GetSource(c.Request.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "source not found"})
		} else {
			h.internalError(c, "get_source", err)
		}
		return nil, false
	}
	return source, true
}

func (h *Handler) loadJob(c *gin.Context) (*db.Job, bool) {
	id, ok := idParam(c)
	if !ok {
		return nil, false
	}
	job, err := h.store.GetJob(c.Request.Context(), id)
	if err != nil {
		if db.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		} else {
			h.internalError(c, "get_job", err)
		}
		return nil, false
	}
	return job, true
}

func (h *Handler) internalError(c *gin.Context, operation string, err error) {
	h.logger.Error("database error", "operation", operation, "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func idParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("per_page"))
	limit, offset := db.PageBounds(page, perPage)
	return offset/limit + 1, limit
}
