// Package images downloads product images and records them in the catalog.
package images

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/metrics"
)

// DefaultUserAgent is sent with every image request
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxBytes = 20 << 20
	defaultExt      = "jpg"
)

var allowedExt = map[string]bool{
	"jpg":  true,
	"jpeg": true,
	"png":  true,
	"gif":  true,
	"webp": true,
}

// Config holds download and storage settings
type Config struct {
	StorageDir        string        `toml:"storage_dir"`
	Timeout           time.Duration `toml:"timeout"`
	UserAgent         string        `toml:"user_agent"`
	MaxBytes          int64         `toml:"max_bytes"`
	RequestsPerSecond float64       `toml:"requests_per_second"`
	Burst             int           `toml:"burst"`
}

// DefaultConfig returns the stock download settings
func DefaultConfig() Config {
	return Config{
		StorageDir:        "storage",
		Timeout:           defaultTimeout,
		UserAgent:         DefaultUserAgent,
		MaxBytes:          defaultMaxBytes,
		RequestsPerSecond: 5,
		Burst:             5,
	}
}

// Store records image rows
type Store interface {
	ReplaceProductImages(ctx context.Context, productID int64, images []db.ProductImage) ([]string, error)
	AppendProductImages(ctx context.Context, productID int64, images []db.ProductImage) error
}

// Pipeline downloads images to local storage and attaches them to products
type Pipeline struct {
	store   Store
	config  Config
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New creates a pipeline. Zero config fields fall back to DefaultConfig values.
func New(store Store, config Config, logger *slog.Logger) *Pipeline {
	defaults := DefaultConfig()
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.MaxBytes <= 0 {
		config.MaxBytes = defaults.MaxBytes
	}
	if config.Burst <= 0 {
		config.Burst = 1
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if config.RequestsPerSecond > 0 {
		limit = rate.Limit(config.RequestsPerSecond)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	// image hosts are fetched without certificate verification
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}

	return &Pipeline{
		store:   store,
		config:  config,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
		limiter: rate.NewLimiter(limit, config.Burst),
		logger:  logger,
	}
}

// SaveProductImages downloads urls in order and records the successful ones
// with their url index as sort order; only the image from the first url is
// primary. Sourced products have their image set replaced; others get the
// new images appended. Failed downloads are logged at warning and skipped.
// Returns the number of images recorded.
func (p *Pipeline) SaveProductImages(ctx context.Context, product *db.Product, urls []string, logger *joblog.Logger) (int, error) {
	var staged []db.ProductImage
	for i, u := range urls {
		stored := p.DownloadImage(ctx, u, product)
		if stored == "" {
			logger.Warning(ctx, "failed to download image",
				joblog.WithURL(u),
				joblog.WithContext(map[string]any{"product_id": product.ID, "index": i}))
			continue
		}
		source := u
		staged = append(staged, db.ProductImage{Path: stored, SourceURL: &source, SortOrder: i})
	}

	if !product.IsSourced() {
		if len(staged) == 0 {
			return 0, nil
		}
		if err := p.store.AppendProductImages(ctx, product.ID, staged); err != nil {
			p.discard(staged)
			return 0, fmt.Errorf("failed to append images: %w", err)
		}
		return len(staged), nil
	}

	removed, err := p.store.ReplaceProductImages(ctx, product.ID, staged)
	if err != nil {
		p.discard(staged)
		return 0, fmt.Errorf("failed to replace images: %w", err)
	}
	for _, old := range removed {
		p.removeFile(old)
	}
	return len(staged), nil
}

// DownloadImage fetches rawURL into storage and returns the stored relative
// path, or "" on any failure
func (p *Pipeline) DownloadImage(ctx context.Context, rawURL string, product *db.Product) string {
	stored, err := p.download(ctx, rawURL, product)
	metrics.ImageDownloaded(err == nil)
	if err != nil {
		p.logger.Debug("image download failed", "url", rawURL, "productID", product.ID, "error", err)
		return ""
	}
	return stored
}

func (p *Pipeline) download(ctx context.Context, rawURL string, product *db.Product) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("unsupported image url %q", rawURL)
	}

	if err := p.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", p.config.UserAgent)
	req.Header.Set("Accept", "image/avif,image/webp,image/apng,image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBytes+1))
	if err != nil {
		return "", err
	}
	if len(body) == 0 {
		return "", fmt.Errorf("empty body")
	}
	if int64(len(body)) > p.config.MaxBytes {
		return "", fmt.Errorf("image larger than %d bytes", p.config.MaxBytes)
	}

	rel := StoragePath(product, Extension(u.Path))
	full := filepath.Join(p.config.StorageDir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(full, body, 0o644); err != nil {
		return "", err
	}
	return rel, nil
}

// Extension infers a supported file extension from a URL path, defaulting to jpg
func Extension(urlPath string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(urlPath), "."))
	if allowedExt[ext] {
		return ext
	}
	return defaultExt
}

// StoragePath returns products/<source>/<product id>/<uuid>.<ext>
func StoragePath(product *db.Product, ext string) string {
	namespace := "local"
	if product.IsSourced() {
		namespace = *product.Source
	}
	return path.Join("products", namespace, strconv.FormatInt(product.ID, 10), uuid.NewString()+"."+ext)
}

func (p *Pipeline) discard(images []db.ProductImage) {
	for _, img := range images {
		p.removeFile(img.Path)
	}
}

func (p *Pipeline) removeFile(rel string) {
	full := filepath.Join(p.config.StorageDir, filepath.FromSlash(rel))
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		p.logger.Warn("failed to remove image file", "path", full, "error", err)
	}
}
