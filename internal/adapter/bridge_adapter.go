package adapter

import (
	"context"

	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/catalog"
	"github.com/livinlefevreloca/catalogsync/internal/db"
)

// Engine parameter defaults taken from Source.config
const (
	DefaultMaxPagesPerCategory = 5
	DefaultMaxPages            = 10
)

// BridgeAdapter delegates all page fetching to an external engine script
type BridgeAdapter struct {
	slug    string
	fetcher Fetcher
	deps    Deps
	run     *Run
}

// NewBridgeAdapter creates an adapter for slug backed by fetcher
func NewBridgeAdapter(slug string, fetcher Fetcher, deps Deps) *BridgeAdapter {
	return &BridgeAdapter{slug: slug, fetcher: fetcher, deps: deps}
}

// BridgeFactory returns a factory producing a fresh BridgeAdapter per run
func BridgeFactory(slug string, b *bridge.Bridge, deps Deps) Factory {
	return func() Adapter {
		return NewBridgeAdapter(slug, b, deps)
	}
}

func (a *BridgeAdapter) SourceSlug() string {
	return a.slug
}

func (a *BridgeAdapter) Initialize(_ context.Context, source *db.Source, job *db.Job) error {
	a.run = NewRun(a.deps, source, job)
	return nil
}

// Run returns the execution context, nil before Initialize
func (a *BridgeAdapter) Run() *Run {
	return a.run
}

func (a *BridgeAdapter) ScrapeAll(ctx context.Context) error {
	if a.run == nil {
		return ErrNotInitialized
	}
	source := a.run.Source()
	params := map[string]any{
		"base_url":               source.BaseURL,
		"max_pages_per_category": source.ConfigInt("max_pages_per_category", DefaultMaxPagesPerCategory),
	}
	return a.run.ScrapeList(ctx, "full", bridge.ActionScrapeAll, params, a.fetcher)
}

func (a *BridgeAdapter) ScrapeCategory(ctx context.Context, url, name string) error {
	if a.run == nil {
		return ErrNotInitialized
	}
	params := map[string]any{
		"category_url": url,
		"max_pages":    a.run.Source().ConfigInt("max_pages", DefaultMaxPages),
	}
	if name != "" {
		params["category_name"] = name
	}
	return a.run.ScrapeList(ctx, "category", bridge.ActionScrapeCategory, params, a.fetcher)
}

func (a *BridgeAdapter) ScrapeProduct(ctx context.Context, url string) (*catalog.Record, error) {
	if a.run == nil {
		return nil, ErrNotInitialized
	}
	return a.run.ScrapeOne(ctx, map[string]any{"product_url": url}, a.fetcher)
}

// Cleanup is a no-op; the engine process is gone once Run returns
func (a *BridgeAdapter) Cleanup(context.Context) error {
	return nil
}
