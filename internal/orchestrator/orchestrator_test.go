package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/catalogsync/internal/adapter"
	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/catalog"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/testutil"
)

// createTestLogger creates a logger for testing
func createTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

type env struct {
	db     *db.DB
	orch   *Orchestrator
	source *db.Source
}

// newEnv registers a bridge adapter for takealot whose engine is a shell script
func newEnv(t *testing.T, script string) *env {
	t.Helper()
	database := testutil.NewTestDB(t)
	source := testutil.CreateTestSource(t, database, "takealot", func(s *db.Source) {
		s.AutoPublish = true
	})

	cfg := bridge.DefaultConfig()
	cfg.Runtime = "/bin/sh"
	cfg.WaitDelay = time.Second
	logger := createTestLogger()
	b := bridge.New(cfg, testutil.WriteScript(t, script), logger)

	orch := New(database, logger)
	orch.Register("takealot", adapter.BridgeFactory("takealot", b, adapter.Deps{Store: database, Logger: logger}))
	return &env{db: database, orch: orch, source: source}
}

func (e *env) run(t *testing.T, jobType db.JobType, config map[string]any) (*db.Job, error) {
	t.Helper()
	ctx := context.Background()
	job, err := e.orch.CreateJob(ctx, e.source, jobType, config)
	require.NoError(t, err)
	runErr := e.orch.RunJob(ctx, job)

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	return stored, runErr
}

func productCount(t *testing.T, database *db.DB) int {
	t.Helper()
	n, err := database.CountProducts(context.Background())
	require.NoError(t, err)
	return n
}

func TestScenarioA_FullScrapeCreatesProducts(t *testing.T) {
	e := newEnv(t, `echo "fetching $1" >&2
echo '[{"source_id":"1","name":"Kettle","price":"MWK 10,000"},{"source_id":"2","name":"Toaster","price":"MWK 12,500"}]'`)

	job, err := e.run(t, db.JobTypeFull, nil)
	require.NoError(t, err)

	assert.Equal(t, db.JobCompleted, job.Status)
	assert.Equal(t, 2, job.Counters.Found)
	assert.Equal(t, 2, job.Counters.Created)
	assert.Equal(t, 0, job.Counters.Updated)

	products, err := e.db.ListProductsBySource(context.Background(), "takealot")
	require.NoError(t, err)
	require.Len(t, products, 2)
	for _, p := range products {
		assert.Equal(t, db.ProductActive, p.Status)
	}

	// a second run updates in place
	job, err = e.run(t, db.JobTypeFull, nil)
	require.NoError(t, err)
	assert.Equal(t, db.Counters{Found: 2, Updated: 2}, job.Counters)
	assert.Equal(t, 2, productCount(t, e.db))
}

func TestScenarioB_EngineExitsNonZero(t *testing.T) {
	e := newEnv(t, `echo "rate limited" >&2
exit 2`)

	job, err := e.run(t, db.JobTypeFull, nil)
	require.Error(t, err)
	var subErr *bridge.SubprocessError
	assert.ErrorAs(t, err, &subErr)

	assert.Equal(t, db.JobFailed, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Contains(t, *job.ErrorMessage, "rate limited")
	assert.Equal(t, 0, job.Counters.Found)
	assert.NotNil(t, job.CompletedAt)
}

func TestScenarioC_EngineReportsError(t *testing.T) {
	e := newEnv(t, `echo '{"error":"captcha"}'`)

	job, err := e.run(t, db.JobTypeCategory, map[string]any{"category_url": "https://x/c/phones"})
	require.Error(t, err)
	var fatal *adapter.FatalFetchError
	assert.ErrorAs(t, err, &fatal)

	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, "captcha", *job.ErrorMessage)
	assert.Equal(t, 0, productCount(t, e.db))
}

func TestScenarioD_ProductWithoutPrice(t *testing.T) {
	e := newEnv(t, `echo '{"source_id":"1","name":"Kettle"}'`)

	job, err := e.run(t, db.JobTypeProduct, map[string]any{"product_url": "https://x/p/1"})
	require.NoError(t, err)

	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, adapter.NoValidProductMessage, *job.ErrorMessage)
	assert.Equal(t, 0, productCount(t, e.db))
}

func TestRunJob_UnknownAdapter(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	other := testutil.CreateTestSource(t, e.db, "jumia")
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, other, db.JobTypeFull, nil)
	require.NoError(t, err)

	err = e.orch.RunJob(ctx, job)
	require.ErrorIs(t, err, ErrAdapterNotFound)

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, stored.Status)
	assert.Equal(t, "no adapter registered for source: jumia", *stored.ErrorMessage)
	assert.Nil(t, stored.StartedAt)
}

func TestRunJob_DuplicateDeliveryRunsEngineOnce(t *testing.T) {
	calls := filepath.Join(t.TempDir(), "calls")
	e := newEnv(t, `echo run >> `+calls+`
sleep 0.3
echo '[{"source_id":"1","name":"Kettle","price":"10"}]'`)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, e.source, db.JobTypeFull, nil)
	require.NoError(t, err)

	// both deliveries read the job while it is still pending
	var copies [2]*db.Job
	for i := range copies {
		copies[i], err = e.db.GetJob(ctx, job.ID)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(copies))
	for i, c := range copies {
		wg.Add(1)
		go func(i int, c *db.Job) {
			defer wg.Done()
			errs[i] = e.orch.RunJob(ctx, c)
		}(i, c)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	out, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(out), "run"), "engine must run once per job")

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCompleted, stored.Status)
	c := stored.Counters
	assert.Equal(t, 1, c.Found)
	assert.Equal(t, c.Found, c.Created+c.Updated+c.Failed)
}

// sourceErrStore fails source lookups
type sourceErrStore struct {
	*db.DB
	err error
}

func (s sourceErrStore) GetSource(context.Context, int64) (*db.Source, error) {
	return nil, s.err
}

func TestRunJob_SourceLoadErrorFailsJob(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	ctx := context.Background()
	job, err := e.orch.CreateJob(ctx, e.source, db.JobTypeFull, nil)
	require.NoError(t, err)

	orch := New(sourceErrStore{DB: e.db, err: errors.New("database is locked")}, createTestLogger())
	err = orch.RunJob(ctx, job)
	require.Error(t, err)

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobFailed, stored.Status)
	assert.Contains(t, *stored.ErrorMessage, "database is locked")
}

func TestRunJob_MissingSourceLeavesJobAlone(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	ctx := context.Background()
	job, err := e.orch.CreateJob(ctx, e.source, db.JobTypeFull, nil)
	require.NoError(t, err)

	orch := New(sourceErrStore{DB: e.db, err: db.ErrNotFound}, createTestLogger())
	require.ErrorIs(t, orch.RunJob(ctx, job), db.ErrNotFound)

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, stored.Status)
}

func TestRunJob_MissingCategoryURL(t *testing.T) {
	e := newEnv(t, `echo '[]'`)

	job, err := e.run(t, db.JobTypeCategory, nil)
	require.Error(t, err)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Contains(t, *job.ErrorMessage, "category_url is required")
}

func TestRunJob_CancelledBeforeStart(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	ctx := context.Background()

	job, err := e.orch.CreateJob(ctx, e.source, db.JobTypeFull, nil)
	require.NoError(t, err)
	ok, err := e.orch.CancelJob(ctx, job)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, e.orch.RunJob(ctx, job))

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, db.JobCancelled, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

func TestCancelJob(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	ctx := context.Background()

	job, err := e.run(t, db.JobTypeFull, nil)
	require.NoError(t, err)
	require.Equal(t, db.JobCompleted, job.Status)

	ok, err := e.orch.CancelJob(ctx, job)
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs cannot be cancelled")

	pending, err := e.orch.CreateJob(ctx, e.source, db.JobTypeFull, nil)
	require.NoError(t, err)
	ok, err = e.orch.CancelJob(ctx, pending)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, db.JobCancelled, pending.Status)
	assert.NotNil(t, pending.CompletedAt)
}

func TestCreateJob(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	ctx := context.Background()

	config := map[string]any{"category_url": "https://x/c", "extra": []any{"kept"}}
	job, err := e.orch.CreateJob(ctx, e.source, db.JobTypeCategory, config)
	require.NoError(t, err)
	assert.Equal(t, db.JobPending, job.Status)
	assert.Equal(t, db.Counters{}, job.Counters)

	stored, err := e.db.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, config, stored.Config)

	_, err = e.orch.CreateJob(ctx, e.source, db.JobType("weekly"), nil)
	assert.ErrorIs(t, err, ErrInvalidJobType)
}

// stubAdapter lets tests observe the lifecycle calls made by the orchestrator
type stubAdapter struct {
	panicOn string
	err     error

	initialized bool
	cleaned     bool
	category    [2]string
}

func (s *stubAdapter) SourceSlug() string { return "stub" }

func (s *stubAdapter) Initialize(context.Context, *db.Source, *db.Job) error {
	s.initialized = true
	return nil
}

func (s *stubAdapter) ScrapeAll(context.Context) error {
	if s.panicOn == "all" {
		panic("engine exploded")
	}
	return s.err
}

func (s *stubAdapter) ScrapeCategory(_ context.Context, url, name string) error {
	s.category = [2]string{url, name}
	return s.err
}

func (s *stubAdapter) ScrapeProduct(context.Context, string) (*catalog.Record, error) {
	return nil, s.err
}

func (s *stubAdapter) Cleanup(context.Context) error {
	s.cleaned = true
	return nil
}

func TestRunJob_PanicMarksFailedAndCleansUp(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	stub := &stubAdapter{panicOn: "all"}
	e.orch.Register("takealot", func() adapter.Adapter { return stub })

	job, err := e.run(t, db.JobTypeFull, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "engine exploded")
	assert.True(t, stub.cleaned)
	assert.Equal(t, db.JobFailed, job.Status)
}

func TestRunJob_EscapedErrorMarksFailed(t *testing.T) {
	e := newEnv(t, `echo '[]'`)
	stub := &stubAdapter{err: errors.New("lost the browser")}
	e.orch.Register("takealot", func() adapter.Adapter { return stub })

	job, err := e.run(t, db.JobTypeCategory, map[string]any{"category_url": "https://x/c", "category_name": "Phones"})
	require.Error(t, err)
	assert.Equal(t, [2]string{"https://x/c", "Phones"}, stub.category)
	assert.True(t, stub.initialized)
	assert.True(t, stub.cleaned)
	assert.Equal(t, db.JobFailed, job.Status)
	assert.Equal(t, "lost the browser", *job.ErrorMessage)
}

func TestRegister_FreshAdapterPerRunAndLastWins(t *testing.T) {
	orch := New(nil, createTestLogger())
	built := 0
	orch.Register("a", func() adapter.Adapter { built++; return &stubAdapter{} })
	orch.Register("b", func() adapter.Adapter { return &stubAdapter{} })
	orch.Register("a", func() adapter.Adapter { built += 10; return &stubAdapter{} })

	assert.Equal(t, []string{"a", "b"}, orch.Adapters())

	f, ok := orch.factory("a")
	require.True(t, ok)
	first, second := f(), f()
	assert.NotSame(t, first, second)
	assert.Equal(t, 20, built)
}
