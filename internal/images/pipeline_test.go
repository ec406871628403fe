package images

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/testutil"
)

// newImageServer serves a fake image for /img/*, 404 for /missing/*
// and an empty body for /empty/*
func newImageServer(t *testing.T, userAgents *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if userAgents != nil {
			userAgents.Store(r.Header.Get("User-Agent"))
		}
		switch {
		case regexp.MustCompile(`^/img/`).MatchString(r.URL.Path):
			w.Write([]byte("\x89PNG fake image bytes"))
		case regexp.MustCompile(`^/empty/`).MatchString(r.URL.Path):
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, store Store) (*Pipeline, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.StorageDir = dir
	cfg.RequestsPerSecond = 0
	return New(store, cfg, nil), dir
}

func sourcedProduct(t *testing.T, database *db.DB, source string) *db.Product {
	t.Helper()
	sourceID := "sku-1"
	p := &db.Product{
		SellerID: 1, Name: "Widget", Slug: "widget-" + source, Currency: "MWK",
		Status: db.ProductDraft, Source: &source, SourceID: &sourceID,
	}
	if source == "" {
		p.Source, p.SourceID = nil, nil
	}
	require.NoError(t, database.CreateProduct(context.Background(), p))
	return p
}

func TestExtension(t *testing.T) {
	tests := map[string]string{
		"/a/b/photo.PNG":    "png",
		"/a/photo.jpeg":     "jpeg",
		"/x.webp":           "webp",
		"/anim.gif":         "gif",
		"/no-extension":     "jpg",
		"/document.pdf":     "jpg",
		"/dir.with.dots/im": "jpg",
	}
	for in, want := range tests {
		assert.Equal(t, want, Extension(in), in)
	}
}

func TestStoragePath(t *testing.T) {
	source := "takealot"
	p := &db.Product{ID: 42, Source: &source}

	first := StoragePath(p, "png")
	assert.Regexp(t, `^products/takealot/42/[0-9a-f-]{36}\.png$`, first)
	assert.NotEqual(t, first, StoragePath(p, "png"))

	assert.Regexp(t, `^products/local/7/`, StoragePath(&db.Product{ID: 7}, "jpg"))
}

func TestDownloadImage(t *testing.T) {
	var ua atomic.Value
	srv := newImageServer(t, &ua)
	pipeline, dir := newTestPipeline(t, nil)
	source := "takealot"
	product := &db.Product{ID: 3, Source: &source}
	ctx := context.Background()

	stored := pipeline.DownloadImage(ctx, srv.URL+"/img/photo.png", product)
	require.NotEmpty(t, stored)
	assert.Regexp(t, `^products/takealot/3/.+\.png$`, stored)
	assert.Equal(t, DefaultUserAgent, ua.Load())

	data, err := os.ReadFile(filepath.Join(dir, stored))
	require.NoError(t, err)
	assert.Contains(t, string(data), "fake image")

	assert.Empty(t, pipeline.DownloadImage(ctx, srv.URL+"/missing/x.png", product))
	assert.Empty(t, pipeline.DownloadImage(ctx, srv.URL+"/empty/x.png", product))
	assert.Empty(t, pipeline.DownloadImage(ctx, "ftp://example.com/x.png", product))
	assert.Empty(t, pipeline.DownloadImage(ctx, "http://127.0.0.1:1/x.png", product))
}

func TestSaveProductImages_ReplacesForSourcedProducts(t *testing.T) {
	database := testutil.NewTestDB(t)
	srv := newImageServer(t, nil)
	pipeline, dir := newTestPipeline(t, database)
	product := sourcedProduct(t, database, "takealot")
	store := testutil.NewMockLogStore()
	logger := joblog.New(store, 1, nil)
	ctx := context.Background()

	n, err := pipeline.SaveProductImages(ctx, product, []string{srv.URL + "/img/a.jpg", srv.URL + "/img/b.jpg"}, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	before, err := database.ListProductImages(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, before, 2)

	urls := []string{srv.URL + "/missing/c.png", srv.URL + "/img/d.png", srv.URL + "/img/e.webp"}
	n, err = pipeline.SaveProductImages(ctx, product, urls, logger)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	after, err := database.ListProductImages(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, after, 2)
	// sort order follows the url index, and the failed first url leaves no primary
	assert.Equal(t, srv.URL+"/img/d.png", *after[0].SourceURL)
	assert.Equal(t, 1, after[0].SortOrder)
	assert.False(t, after[0].IsPrimary)
	assert.Equal(t, 2, after[1].SortOrder)
	assert.False(t, after[1].IsPrimary)

	for _, old := range before {
		_, err := os.Stat(filepath.Join(dir, old.Path))
		assert.True(t, os.IsNotExist(err), "old file %s should be removed", old.Path)
	}
	assert.Equal(t, []string{"failed to download image"}, store.Messages(db.LevelWarning))
}

func TestSaveProductImages_AppendsForManualProducts(t *testing.T) {
	database := testutil.NewTestDB(t)
	srv := newImageServer(t, nil)
	pipeline, _ := newTestPipeline(t, database)
	product := sourcedProduct(t, database, "")
	ctx := context.Background()

	_, err := pipeline.SaveProductImages(ctx, product, []string{srv.URL + "/img/a.jpg"}, nil)
	require.NoError(t, err)
	_, err = pipeline.SaveProductImages(ctx, product, []string{srv.URL + "/img/b.jpg"}, nil)
	require.NoError(t, err)

	images, err := database.ListProductImages(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.True(t, images[0].IsPrimary)
	assert.False(t, images[1].IsPrimary)
	assert.Equal(t, 1, images[1].SortOrder)
}
