// Package catalog reconciles scraped records into catalog products.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// FlushEvery is how many processed records pass between counter flushes
const FlushEvery = 10

// DefaultStockQuantity is used when a record carries no stock figure
const DefaultStockQuantity = 100

// Store is the persistence the reconciler needs
type Store interface {
	GetProductBySource(ctx context.Context, source, sourceID string) (*db.Product, error)
	SlugExists(ctx context.Context, slug string, excludeID int64) (bool, error)
	FindOrCreateBrand(ctx context.Context, name, slug string) (*db.Brand, error)
	FindCategoryByName(ctx context.Context, name string) (*db.Category, error)
	CreateProduct(ctx context.Context, p *db.Product) error
	UpdateProduct(ctx context.Context, p *db.Product) error
	UpdateJobCounters(ctx context.Context, id int64, c db.Counters) error
}

// ImageSaver attaches downloaded images to a product
type ImageSaver interface {
	SaveProductImages(ctx context.Context, product *db.Product, urls []string, logger *joblog.Logger) (int, error)
}

// RecoverableSaveError is a per-record failure. It is counted and logged;
// the batch goes on.
type RecoverableSaveError struct {
	SourceID string
	Err      error
}

func (e *RecoverableSaveError) Error() string {
	if e.SourceID == "" {
		return fmt.Sprintf("failed to save record: %v", e.Err)
	}
	return fmt.Sprintf("failed to save record %s: %v", e.SourceID, e.Err)
}

func (e *RecoverableSaveError) Unwrap() error {
	return e.Err
}

// Reconciler upserts the records of one job run. It is not safe for
// concurrent use; every run gets its own.
type Reconciler struct {
	store    Store
	images   ImageSaver
	source   *db.Source
	jobID    int64
	logger   *joblog.Logger
	slog     *slog.Logger
	counters db.Counters
	now      func() time.Time
}

// NewReconciler creates a reconciler for one run of source. images may be nil.
func NewReconciler(store Store, images ImageSaver, source *db.Source, jobID int64, logger *joblog.Logger, slogger *slog.Logger) *Reconciler {
	if slogger == nil {
		slogger = slog.Default()
	}
	return &Reconciler{
		store:  store,
		images: images,
		source: source,
		jobID:  jobID,
		logger: logger,
		slog:   slogger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Counters returns the run counters so far
func (r *Reconciler) Counters() db.Counters {
	return r.counters
}

// Flush writes the run counters to the job row
func (r *Reconciler) Flush(ctx context.Context) error {
	return r.store.UpdateJobCounters(context.WithoutCancel(ctx), r.jobID, r.counters)
}

// SaveRaw decodes one engine record and saves it. Decoding failures are
// recoverable like any other per-record failure.
func (r *Reconciler) SaveRaw(ctx context.Context, raw json.RawMessage) (*db.Product, error) {
	rec, err := DecodeRecord(raw)
	if err != nil {
		r.counters.Found++
		defer r.maybeFlush(ctx)
		// m is log context only; it stays nil when raw is not an object
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		return nil, r.fail(ctx, "", m, err)
	}
	return r.SaveProduct(ctx, rec)
}

// SaveProduct creates or updates the product identified by
// (source slug, record.source_id)
func (r *Reconciler) SaveProduct(ctx context.Context, rec *Record) (*db.Product, error) {
	r.counters.Found++
	defer r.maybeFlush(ctx)

	product, created, err := r.upsert(ctx, rec)
	if err != nil {
		return nil, r.fail(ctx, string(rec.SourceID), rec.Raw(), err)
	}

	if created {
		r.counters.Created++
		metrics.RecordSaved(r.source.Slug, metrics.OutcomeCreated)
		r.logger.Info(ctx, "created product: "+product.Name,
			joblog.WithURL(rec.SourceURL),
			joblog.WithContext(map[string]any{"product_id": product.ID, "source_id": string(rec.SourceID)}))
	} else {
		r.counters.Updated++
		metrics.RecordSaved(r.source.Slug, metrics.OutcomeUpdated)
		r.logger.Debug(ctx, "updated product: "+product.Name,
			joblog.WithURL(rec.SourceURL),
			joblog.WithContext(map[string]any{"product_id": product.ID, "source_id": string(rec.SourceID)}))
	}

	if len(rec.Images) > 0 && r.images != nil {
		saved, err := r.images.SaveProductImages(ctx, product, rec.Images, r.logger)
		r.counters.ImagesDownloaded += saved
		if err != nil {
			return nil, r.fail(ctx, string(rec.SourceID), rec.Raw(), fmt.Errorf("failed to save images: %w", err))
		}
	}

	return product, nil
}

func (r *Reconciler) upsert(ctx context.Context, rec *Record) (*db.Product, bool, error) {
	sourceID := strings.TrimSpace(string(rec.SourceID))
	name := strings.TrimSpace(rec.Name)
	if sourceID == "" {
		return nil, false, errors.New("record has no source_id")
	}
	if name == "" {
		return nil, false, errors.New("record has no name")
	}

	existing, err := r.store.GetProductBySource(ctx, r.source.Slug, sourceID)
	if err != nil && !db.IsNotFound(err) {
		return nil, false, fmt.Errorf("failed to look up product: %w", err)
	}

	product := existing
	if product == nil {
		status := db.ProductDraft
		if r.source.AutoPublish {
			status = db.ProductActive
		}
		product = &db.Product{Status: status, IsNew: true}
	} else {
		product.IsNew = false
	}

	if rec.Brand = strings.TrimSpace(rec.Brand); rec.Brand != "" {
		brandSlug := Slugify(rec.Brand)
		if brandSlug == "" {
			brandSlug = fallbackSlug
		}
		brand, err := r.store.FindOrCreateBrand(ctx, rec.Brand, brandSlug)
		if err != nil {
			return nil, false, fmt.Errorf("failed to resolve brand: %w", err)
		}
		product.BrandID = &brand.ID
	}

	product.CategoryID, err = r.resolveCategory(ctx, rec.Category)
	if err != nil {
		return nil, false, err
	}

	slug, err := r.GenerateUniqueSlug(ctx, name, product.ID)
	if err != nil {
		return nil, false, err
	}

	product.SellerID = r.source.SellerID
	product.Name = name
	product.Slug = slug
	product.SKU = rec.SKU.OrNil()
	product.Description = stringOrNil(rec.Description)
	product.ShortDescription = stringOrNil(rec.ShortDescription)
	product.Specifications = rec.Specifications
	product.Price = ParsePrice(string(rec.Price))
	product.ComparePrice = nil
	if rec.ComparePrice.OrNil() != nil {
		v := ParsePrice(string(rec.ComparePrice))
		product.ComparePrice = &v
	}
	product.Currency = r.source.DefaultCurrency
	if c := strings.TrimSpace(rec.Currency); c != "" {
		product.Currency = c
	}
	product.StockQuantity = DefaultStockQuantity
	if n, ok := parseCount(rec.StockQuantity); ok {
		product.StockQuantity = n
	}
	product.TrackInventory = false
	product.Source = &r.source.Slug
	product.SourceID = &sourceID
	product.SourceURL = stringOrNil(rec.SourceURL)
	product.Rating = nil
	if rec.Rating.OrNil() != nil {
		v := ParsePrice(string(rec.Rating))
		product.Rating = &v
	}
	product.ReviewsCount = nil
	if n, ok := parseCount(rec.ReviewsCount); ok {
		product.ReviewsCount = &n
	}
	scrapedAt := r.now()
	product.LastScrapedAt = &scrapedAt

	if existing == nil {
		if err := r.store.CreateProduct(ctx, product); err != nil {
			return nil, false, fmt.Errorf("failed to create product: %w", err)
		}
		return product, true, nil
	}

	if err := r.store.UpdateProduct(ctx, product); err != nil {
		return nil, false, fmt.Errorf("failed to update product: %w", err)
	}
	return product, false, nil
}

// resolveCategory matches the record category by exact name, falling back
// to the source default
func (r *Reconciler) resolveCategory(ctx context.Context, name string) (*int64, error) {
	if name = strings.TrimSpace(name); name != "" {
		category, err := r.store.FindCategoryByName(ctx, name)
		if err == nil {
			return &category.ID, nil
		}
		if !db.IsNotFound(err) {
			return nil, fmt.Errorf("failed to resolve category: %w", err)
		}
	}
	return r.source.DefaultCategoryID, nil
}

// GenerateUniqueSlug derives a slug from name, appending -1, -2, ... until
// no other product uses it. excludeID is the product being updated, 0 for none.
func (r *Reconciler) GenerateUniqueSlug(ctx context.Context, name string, excludeID int64) (string, error) {
	base := Slugify(name)
	if base == "" {
		base = fallbackSlug
	}

	slug := base
	for i := 1; ; i++ {
		taken, err := r.store.SlugExists(ctx, slug, excludeID)
		if err != nil {
			return "", fmt.Errorf("failed to check slug: %w", err)
		}
		if !taken {
			return slug, nil
		}
		slug = fmt.Sprintf("%s-%d", base, i)
	}
}

func (r *Reconciler) fail(ctx context.Context, sourceID string, record map[string]any, err error) error {
	r.counters.Failed++
	metrics.RecordSaved(r.source.Slug, metrics.OutcomeFailed)
	r.logger.Error(ctx, "failed to save product: "+err.Error(),
		joblog.WithContext(map[string]any{"record": record}))
	return &RecoverableSaveError{SourceID: sourceID, Err: err}
}

func (r *Reconciler) maybeFlush(ctx context.Context) {
	if r.counters.Found%FlushEvery != 0 {
		return
	}
	if err := r.Flush(ctx); err != nil {
		r.slog.Warn("failed to flush job counters", "jobID", r.jobID, "error", err)
	}
}

func stringOrNil(s string) *string {
	if s = strings.TrimSpace(s); s == "" {
		return nil
	}
	return &s
}
