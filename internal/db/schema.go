package db

import "time"

// JobStatus is the persisted lifecycle state of a scrape job
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether the status can no longer change
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// Valid reports whether s is a known status
func (s JobStatus) Valid() bool {
	switch s {
	case JobPending, JobRunning, JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobType is the scope of a scrape job
type JobType string

const (
	JobTypeFull     JobType = "full"
	JobTypeCategory JobType = "category"
	JobTypeProduct  JobType = "product"
)

// Valid reports whether t is a known job type
func (t JobType) Valid() bool {
	return t == JobTypeFull || t == JobTypeCategory || t == JobTypeProduct
}

// Product publication statuses
const (
	ProductDraft    = "draft"
	ProductActive   = "active"
	ProductInactive = "inactive"
)

// Log levels accepted by the job log
const (
	LevelDebug   = "debug"
	LevelInfo    = "info"
	LevelWarning = "warning"
	LevelError   = "error"
)

// Source is one external catalog targeted for scraping
type Source struct {
	ID                int64
	Slug              string
	Name              string
	BaseURL           string
	SellerID          int64
	DefaultCurrency   string
	DefaultCategoryID *int64
	IsActive          bool
	AutoPublish       bool
	Schedule          string         // advisory, never evaluated here
	Config            map[string]any // free-form knobs, see ConfigInt
	LastScrapedAt     *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConfigInt reads an integer knob from the source config
func (s *Source) ConfigInt(key string, def int) int {
	return intFromAny(s.Config[key], def)
}

// Counters are the per-run progress figures of a job
type Counters struct {
	Found            int `json:"products_found"`
	Created          int `json:"products_created"`
	Updated          int `json:"products_updated"`
	Failed           int `json:"products_failed"`
	ImagesDownloaded int `json:"images_downloaded"`
}

// Job is one bounded execution of a source adapter
type Job struct {
	ID           int64
	SourceID     int64
	Status       JobStatus
	Type         JobType
	Config       map[string]any
	Counters     Counters
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Duration is the elapsed run time; running jobs measure up to now
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := time.Now().UTC()
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	return end.Sub(*j.StartedAt)
}

// ConfigString reads a string parameter from the job config
func (j *Job) ConfigString(key string) string {
	if v, ok := j.Config[key].(string); ok {
		return v
	}
	return ""
}

// ConfigInt reads an integer parameter from the job config
func (j *Job) ConfigInt(key string, def int) int {
	return intFromAny(j.Config[key], def)
}

// LogEntry is one append-only line of a job's run log
type LogEntry struct {
	ID        int64
	JobID     int64
	Level     string
	Message   string
	Context   map[string]any
	URL       *string
	CreatedAt time.Time
}

// Brand groups products by manufacturer
type Brand struct {
	ID   int64
	Name string
	Slug string
}

// Category is a catalog category; only looked up by the reconciler
type Category struct {
	ID   int64
	Name string
	Slug string
}

// Product is a catalog entry. Scraped products carry Source and SourceID.
type Product struct {
	ID               int64
	SellerID         int64
	CategoryID       *int64
	BrandID          *int64
	Name             string
	Slug             string
	SKU              *string
	Description      *string
	ShortDescription *string
	Specifications   map[string]any
	Price            float64
	ComparePrice     *float64
	Currency         string
	StockQuantity    int
	TrackInventory   bool
	Status           string
	IsNew            bool
	Source           *string
	SourceID         *string
	SourceURL        *string
	Rating           *float64
	ReviewsCount     *int
	LastScrapedAt    *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// IsSourced reports whether the product came from a scrape
func (p *Product) IsSourced() bool {
	return p.Source != nil && *p.Source != ""
}

// ProductImage is an ordered image of a product; index 0 is primary
type ProductImage struct {
	ID        int64
	ProductID int64
	Path      string
	SourceURL *string
	SortOrder int
	IsPrimary bool
	CreatedAt time.Time
}

func intFromAny(v any, def int) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}
