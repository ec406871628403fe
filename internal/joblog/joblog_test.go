package joblog

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/catalogsync/internal/db"
	"github.com/livinlefevreloca/catalogsync/internal/testutil"
)

func TestLogger_PersistsEntries(t *testing.T) {
	database := testutil.NewTestDB(t)
	source := testutil.CreateTestSource(t, database, "takealot")
	job := testutil.CreateTestJob(t, database, source.ID, db.JobTypeFull, nil)
	ctx := context.Background()

	logger := New(database, job.ID, nil)
	logger.Info(ctx, "starting full scrape")
	logger.Debug(ctx, "page fetched", WithURL("https://takealot.example.com/p/1"))
	logger.Warning(ctx, "image skipped", WithContext(map[string]any{"index": 2}))
	logger.Error(ctx, "save failed")

	entries, total, err := database.ListLogEntries(ctx, job.ID, 1, 50)
	require.NoError(t, err)
	require.Equal(t, 4, total)

	levels := []string{entries[0].Level, entries[1].Level, entries[2].Level, entries[3].Level}
	assert.Equal(t, []string{db.LevelInfo, db.LevelDebug, db.LevelWarning, db.LevelError}, levels)
	require.NotNil(t, entries[1].URL)
	assert.Equal(t, "https://takealot.example.com/p/1", *entries[1].URL)
	assert.Equal(t, float64(2), entries[2].Context["index"])
}

func TestLogger_WriteFailureIsNotFatal(t *testing.T) {
	store := testutil.NewMockLogStore()
	store.SetWriteError(errors.New("disk full"))
	captured := testutil.NewTestLogger()

	logger := New(store, 7, captured.Logger())
	logger.Info(context.Background(), "hello")

	assert.Empty(t, store.Entries())
	assert.True(t, captured.HasMessage("INFO", "hello"))
	assert.True(t, captured.HasMessage("WARN", "failed to persist job log entry"))
}

func TestLogger_MirrorsToSlog(t *testing.T) {
	store := testutil.NewMockLogStore()
	captured := testutil.NewTestLogger()

	logger := New(store, 3, captured.Logger())
	logger.Error(context.Background(), "boom", WithURL("https://x"))

	entries := captured.GetEntries()
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0].Level)
	assert.Equal(t, int64(3), entries[0].Fields["jobID"])
	assert.Equal(t, "https://x", entries[0].Fields["url"])
	assert.Equal(t, []string{"boom"}, store.Messages(db.LevelError))
}

func TestLogger_StillWritesAfterCancel(t *testing.T) {
	store := testutil.NewMockLogStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(store, 1, nil).Info(ctx, "late line")
	assert.Equal(t, []string{"late line"}, store.Messages(db.LevelInfo))
}
