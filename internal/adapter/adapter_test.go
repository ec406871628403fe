package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/catalogsync/internal/bridge"
	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/joblog"
	"github.com/livinlefevreloca/catalogsync/internal/testutil"
)

// fakeFetcher returns a canned engine result and records the call
type fakeFetcher struct {
	result *bridge.Result
	err    error

	calls  int
	action string
	params map[string]any
}

func (f *fakeFetcher) Run(_ context.Context, action string, params map[string]any, _ *joblog.Logger) (*bridge.Result, error) {
	f.calls++
	f.action = action
	f.params = params
	return f.result, f.err
}

func records(raw ...string) *bridge.Result {
	r := &bridge.Result{Records: []json.RawMessage{}}
	for _, s := range raw {
		r.Records = append(r.Records, json.RawMessage(s))
	}
	return r
}

type harness struct {
	db      *db.DB
	source  *db.Source
	fetcher *fakeFetcher
	adapter *BridgeAdapter
}

func newHarness(t *testing.T, fetcher *fakeFetcher, config map[string]any) *harness {
	t.Helper()
	database := testutil.NewTestDB(t)
	source := testutil.CreateTestSource(t, database, "takealot", func(s *db.Source) {
		s.AutoPublish = true
		if config != nil {
			s.Config = config
		}
	})
	return &harness{
		db:      database,
		source:  source,
		fetcher: fetcher,
		adapter: NewBridgeAdapter("takealot", fetcher, Deps{Store: database}),
	}
}

func (h *harness) job(t *testing.T, jobType db.JobType) *db.Job {
	t.Helper()
	job := testutil.CreateTestJob(t, h.db, h.source.ID, jobType, nil)
	require.NoError(t, h.adapter.Initialize(context.Background(), h.source, job))
	return job
}

func (h *harness) reload(t *testing.T, id int64) *db.Job {
	t.Helper()
	job, err := h.db.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func logMessages(t *testing.T, database *db.DB, jobID int64, level string) []string {
	t.Helper()
	entries, _, err := database.ListLogEntries(context.Background(), jobID, 1, 200)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if e.Level == level {
			out = append(out, e.Message)
		}
	}
	return out
}

func TestScrapeAll_Completes(t *testing.T) {
	f := &fakeFetcher{result: records(
		`{"source_id":"1","name":"Kettle","price":"MWK 10,000"}`,
		`{"source_id":"2","name":"Toaster","price":12000}`,
	)}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeFull)

	require.NoError(t, h.adapter.ScrapeAll(context.Background()))

	assert.Equal(t, bridge.ActionScrapeAll, f.action)
	assert.Equal(t, DefaultMaxPagesPerCategory, f.params["max_pages_per_category"])

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, db.Counters{Found: 2, Created: 2}, got.Counters)

	source, err := h.db.GetSource(context.Background(), h.source.ID)
	require.NoError(t, err)
	assert.NotNil(t, source.LastScrapedAt)

	infos := logMessages(t, h.db, job.ID, db.LevelInfo)
	require.NotEmpty(t, infos)
	assert.Equal(t, "starting full scrape", infos[0])
	assert.Contains(t, infos[len(infos)-1], "full scrape completed: 2 found, 2 created")
}

func TestScrapeAll_PerItemFailureIsIsolated(t *testing.T) {
	f := &fakeFetcher{result: records(
		`{"source_id":"1","name":"Kettle","price":"1"}`,
		`{"name":"No Identity","price":"1"}`,
		`{"source_id":"3","name":"Toaster","price":"2"}`,
	)}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeFull)

	require.NoError(t, h.adapter.ScrapeAll(context.Background()))

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.Equal(t, db.Counters{Found: 3, Created: 2, Failed: 1}, got.Counters)
	assert.Len(t, logMessages(t, h.db, job.ID, db.LevelError), 1)
}

func TestScrapeCategory_PassesParams(t *testing.T) {
	f := &fakeFetcher{result: records()}
	h := newHarness(t, f, map[string]any{"max_pages": 2, "delay_ms": 500})
	job := h.job(t, db.JobTypeCategory)

	require.NoError(t, h.adapter.ScrapeCategory(context.Background(), "https://x/c/phones", "Phones"))

	assert.Equal(t, bridge.ActionScrapeCategory, f.action)
	assert.Equal(t, map[string]any{
		"category_url":  "https://x/c/phones",
		"category_name": "Phones",
		"max_pages":     2,
	}, f.params)
	assert.Equal(t, db.JobCompleted, h.reload(t, job.ID).Status)
}

func TestScrape_UpstreamErrorIsFatal(t *testing.T) {
	f := &fakeFetcher{result: &bridge.Result{Error: "captcha"}}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeFull)

	err := h.adapter.ScrapeAll(context.Background())
	var fatal *FatalFetchError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, "captcha", err.Error())

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "captcha", *got.ErrorMessage)
	assert.NotNil(t, got.CompletedAt)

	count, err := h.db.CountProducts(context.Background())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestScrape_BridgeErrorIsFatal(t *testing.T) {
	subErr := &bridge.SubprocessError{Action: bridge.ActionScrapeCategory, ExitCode: 1, Stderr: "rate limited"}
	f := &fakeFetcher{err: subErr}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeCategory)

	err := h.adapter.ScrapeCategory(context.Background(), "https://x/c", "")
	var fatal *FatalFetchError
	require.ErrorAs(t, err, &fatal)
	var gotSub *bridge.SubprocessError
	assert.ErrorAs(t, err, &gotSub)

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Contains(t, *got.ErrorMessage, "rate limited")
	assert.Contains(t, logMessages(t, h.db, job.ID, db.LevelError)[0], "category scrape failed")
}

func TestScrapeProduct_MissingPrice(t *testing.T) {
	f := &fakeFetcher{result: &bridge.Result{Record: json.RawMessage(`{"source_id":"1","name":"Kettle"}`)}}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeProduct)

	rec, err := h.adapter.ScrapeProduct(context.Background(), "https://x/p/1")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, "https://x/p/1", f.params["product_url"])

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobFailed, got.Status)
	assert.Equal(t, NoValidProductMessage, *got.ErrorMessage)
	assert.Equal(t, []string{NoValidProductMessage}, logMessages(t, h.db, job.ID, db.LevelWarning))

	count, _ := h.db.CountProducts(context.Background())
	assert.Zero(t, count)
}

func TestScrapeProduct_Saves(t *testing.T) {
	f := &fakeFetcher{result: &bridge.Result{Record: json.RawMessage(`{"source_id":"1","name":"Kettle","price":"99"}`)}}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeProduct)

	rec, err := h.adapter.ScrapeProduct(context.Background(), "https://x/p/1")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Kettle", rec.Name)

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobCompleted, got.Status)
	assert.Equal(t, db.Counters{Found: 1, Created: 1}, got.Counters)
}

func TestScrape_NotInitialized(t *testing.T) {
	a := NewBridgeAdapter("takealot", &fakeFetcher{}, Deps{})

	assert.ErrorIs(t, a.ScrapeAll(context.Background()), ErrNotInitialized)
	assert.ErrorIs(t, a.ScrapeCategory(context.Background(), "u", ""), ErrNotInitialized)
	_, err := a.ScrapeProduct(context.Background(), "u")
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.NoError(t, a.Cleanup(context.Background()))
}

func TestScrape_SkipsJobFinishedBeforeStart(t *testing.T) {
	f := &fakeFetcher{result: records()}
	h := newHarness(t, f, nil)
	job := h.job(t, db.JobTypeFull)

	ok, err := h.db.CancelJob(context.Background(), job.ID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, h.adapter.ScrapeAll(context.Background()), ErrJobNotPending)
	assert.Zero(t, f.calls)
	assert.Equal(t, db.JobCancelled, h.reload(t, job.ID).Status)
}

func TestScrape_CancelledWhileRunningStaysCancelled(t *testing.T) {
	h := newHarness(t, nil, nil)
	job := h.job(t, db.JobTypeFull)
	h.fetcher = &fakeFetcher{result: records(`{"source_id":"1","name":"Kettle","price":"1"}`)}
	h.adapter.fetcher = fetchFunc(func() (*bridge.Result, error) {
		// an admin cancels while the engine runs
		_, err := h.db.CancelJob(context.Background(), job.ID, time.Now())
		require.NoError(t, err)
		return h.fetcher.result, nil
	})

	require.NoError(t, h.adapter.ScrapeAll(context.Background()))

	got := h.reload(t, job.ID)
	assert.Equal(t, db.JobCancelled, got.Status)
	assert.Equal(t, 1, got.Counters.Created)
}

type fetchFunc func() (*bridge.Result, error)

func (f fetchFunc) Run(context.Context, string, map[string]any, *joblog.Logger) (*bridge.Result, error) {
	return f()
}

func TestFatalFetchError_Message(t *testing.T) {
	err := &FatalFetchError{Kind: "full", Err: errors.New("boom")}
	assert.Equal(t, "boom", err.Error())
	assert.True(t, errors.Is(err, err.Err))
}
