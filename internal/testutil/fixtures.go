package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/catalogsync/internal/db"
)

// NewTestDB creates a migrated in-memory SQLite database.
// A single connection keeps every query on the same in-memory database.
func NewTestDB(t *testing.T) *db.DB {
	t.Helper()

	database, err := db.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	database.SetMaxOpenConns(1)

	if err := database.Migrate(context.Background(), nil); err != nil {
		database.Close()
		t.Fatalf("failed to migrate test database: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// CreateTestSource inserts an active source with default test values
func CreateTestSource(t *testing.T, database *db.DB, slug string, mutate ...func(*db.Source)) *db.Source {
	t.Helper()

	s := &db.Source{
		Slug:            slug,
		Name:            slug,
		BaseURL:         "https://" + slug + ".example.com",
		SellerID:        1,
		DefaultCurrency: "MWK",
		IsActive:        true,
		Config:          map[string]any{},
	}
	for _, m := range mutate {
		m(s)
	}
	if err := database.CreateSource(context.Background(), s); err != nil {
		t.Fatalf("failed to create source: %v", err)
	}
	return s
}

// CreateTestJob inserts a pending job for source
func CreateTestJob(t *testing.T, database *db.DB, sourceID int64, jobType db.JobType, config map[string]any) *db.Job {
	t.Helper()

	j := &db.Job{SourceID: sourceID, Type: jobType, Config: config}
	if err := database.CreateJob(context.Background(), j); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	return j
}

// WriteScript writes a /bin/sh engine script and returns its path.
// The script receives the action as $1 and the JSON params as $2.
func WriteScript(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}
