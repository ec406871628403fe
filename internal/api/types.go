package api

import (
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/db"
)

// SourceRequest is the body of source create and update calls
type SourceRequest struct {
	Slug              string         `json:"slug"`
	Name              string         `json:"name" binding:"required"`
	BaseURL           string         `json:"base_url" binding:"required,url"`
	SellerID          int64          `json:"seller_id"`
	DefaultCurrency   string         `json:"default_currency"`
	DefaultCategoryID *int64         `json:"default_category_id"`
	IsActive          *bool          `json:"is_active"`
	AutoPublish       bool           `json:"auto_publish"`
	Schedule          string         `json:"schedule"`
	Config            map[string]any `json:"config"`
}

func (r *SourceRequest) apply(s *db.Source) {
	s.Name = r.Name
	s.BaseURL = r.BaseURL
	s.SellerID = r.SellerID
	if s.SellerID == 0 {
		s.SellerID = 1
	}
	s.DefaultCurrency = r.DefaultCurrency
	if s.DefaultCurrency == "" {
		s.DefaultCurrency = "MWK"
	}
	s.DefaultCategoryID = r.DefaultCategoryID
	s.IsActive = r.IsActive == nil || *r.IsActive
	s.AutoPublish = r.AutoPublish
	s.Schedule = r.Schedule
	s.Config = r.Config
	if s.Config == nil {
		s.Config = map[string]any{}
	}
}

// JobRequest is the body of a job trigger
type JobRequest struct {
	Type   db.JobType     `json:"type" binding:"required"`
	Config map[string]any `json:"config"`
}

// SourceResponse is the wire form of a source
type SourceResponse struct {
	ID                int64          `json:"id"`
	Slug              string         `json:"slug"`
	Name              string         `json:"name"`
	BaseURL           string         `json:"base_url"`
	SellerID          int64          `json:"seller_id"`
	DefaultCurrency   string         `json:"default_currency"`
	DefaultCategoryID *int64         `json:"default_category_id"`
	IsActive          bool           `json:"is_active"`
	AutoPublish       bool           `json:"auto_publish"`
	Schedule          string         `json:"schedule"`
	Config            map[string]any `json:"config"`
	LastScrapedAt     *time.Time     `json:"last_scraped_at"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func newSourceResponse(s *db.Source) SourceResponse {
	return SourceResponse{
		ID:                s.ID,
		Slug:              s.Slug,
		Name:              s.Name,
		BaseURL:           s.BaseURL,
		SellerID:          s.SellerID,
		DefaultCurrency:   s.DefaultCurrency,
		DefaultCategoryID: s.DefaultCategoryID,
		IsActive:          s.IsActive,
		AutoPublish:       s.AutoPublish,
		Schedule:          s.Schedule,
		Config:            s.Config,
		LastScrapedAt:     s.LastScrapedAt,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// JobResponse is the wire form of a job. Duration is in seconds.
type JobResponse struct {
	ID       int64          `json:"id"`
	SourceID int64          `json:"source_id"`
	Status   db.JobStatus   `json:"status"`
	Type     db.JobType     `json:"type"`
	Config   map[string]any `json:"config"`
	db.Counters
	ErrorMessage *string    `json:"error_message"`
	Duration     float64    `json:"duration"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

func newJobResponse(j *db.Job) JobResponse {
	return JobResponse{
		ID:           j.ID,
		SourceID:     j.SourceID,
		Status:       j.Status,
		Type:         j.Type,
		Config:       j.Config,
		Counters:     j.Counters,
		ErrorMessage: j.ErrorMessage,
		Duration:     j.Duration().Seconds(),
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
	}
}

// LogEntryResponse is the wire form of a job log line
type LogEntryResponse struct {
	ID        int64          `json:"id"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	URL       *string        `json:"url,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Page wraps a paginated listing
type Page[T any] struct {
	Items   []T `json:"items"`
	Total   int `json:"total"`
	Page    int `json:"page"`
	PerPage int `json:"per_page"`
}
