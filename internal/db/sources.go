package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Source Operations
// =============================================================================

const sourceColumns = `id, slug, name, base_url, seller_id, default_currency, default_category_id,
	is_active, auto_publish, schedule, config, last_scraped_at, created_at, updated_at`

func scanSource(row interface{ Scan(...any) error }) (*Source, error) {
	s := &Source{}
	var config sql.NullString

	err := row.Scan(
		&s.ID,
		&s.Slug,
		&s.Name,
		&s.BaseURL,
		&s.SellerID,
		&s.DefaultCurrency,
		&s.DefaultCategoryID,
		&s.IsActive,
		&s.AutoPublish,
		&s.Schedule,
		&config,
		&s.LastScrapedAt,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if s.Config, err = decodeJSON(config); err != nil {
		return nil, fmt.Errorf("failed to decode source config: %w", err)
	}
	return s, nil
}

// CreateSource inserts a source and sets its ID
func (db *DB) CreateSource(ctx context.Context, s *Source) error {
	config, err := encodeJSON(s.Config)
	if err != nil {
		return fmt.Errorf("failed to encode source config: %w", err)
	}

	ts := now()
	s.CreatedAt = ts
	s.UpdatedAt = ts

	query := `
		INSERT INTO sources (slug, name, base_url, seller_id, default_currency, default_category_id,
			is_active, auto_publish, schedule, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query,
		s.Slug, s.Name, s.BaseURL, s.SellerID, s.DefaultCurrency, s.DefaultCategoryID,
		s.IsActive, s.AutoPublish, s.Schedule, config, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("source %q: %w", s.Slug, ErrDuplicate)
		}
		return err
	}

	s.ID, err = result.LastInsertId()
	return err
}

// GetSource retrieves a source by ID
func (db *DB) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// GetSourceBySlug retrieves a source by its unique slug
func (db *DB) GetSourceBySlug(ctx context.Context, slug string) (*Source, error) {
	row := db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE slug = ?`, slug)
	s, err := scanSource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return s, err
}

// ListSources returns all sources ordered by slug
func (db *DB) ListSources(ctx context.Context) ([]Source, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY slug`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := []Source{}
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}

	return sources, rows.Err()
}

// UpdateSource overwrites the editable fields of a source
func (db *DB) UpdateSource(ctx context.Context, s *Source) error {
	config, err := encodeJSON(s.Config)
	if err != nil {
		return fmt.Errorf("failed to encode source config: %w", err)
	}
	s.UpdatedAt = now()

	query := `
		UPDATE sources
		SET slug = ?, name = ?, base_url = ?, seller_id = ?, default_currency = ?, default_category_id = ?,
			is_active = ?, auto_publish = ?, schedule = ?, config = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query,
		s.Slug, s.Name, s.BaseURL, s.SellerID, s.DefaultCurrency, s.DefaultCategoryID,
		s.IsActive, s.AutoPublish, s.Schedule, config, s.UpdatedAt, s.ID)
	if err != nil {
		if IsDuplicate(err) {
			return fmt.Errorf("source %q: %w", s.Slug, ErrDuplicate)
		}
		return err
	}

	return requireAffected(result)
}

// UpsertSourceBySlug creates the source or updates the one with the same slug.
// Returns true when a new row was created.
func (db *DB) UpsertSourceBySlug(ctx context.Context, s *Source) (bool, error) {
	existing, err := db.GetSourceBySlug(ctx, s.Slug)
	if err != nil && !IsNotFound(err) {
		return false, err
	}

	if existing == nil {
		return true, db.CreateSource(ctx, s)
	}

	s.ID = existing.ID
	s.LastScrapedAt = existing.LastScrapedAt
	s.CreatedAt = existing.CreatedAt
	return false, db.UpdateSource(ctx, s)
}

// DeleteSource removes a source. Refused while any of its jobs is running.
func (db *DB) DeleteSource(ctx context.Context, id int64) error {
	var running int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE source_id = ? AND status = ?`, id, JobRunning).Scan(&running)
	if err != nil {
		return err
	}
	if running > 0 {
		return ErrJobRunning
	}

	result, err := db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// TouchSourceLastScraped records a finished scrape on the source
func (db *DB) TouchSourceLastScraped(ctx context.Context, id int64, at time.Time) error {
	result, err := db.ExecContext(ctx,
		`UPDATE sources SET last_scraped_at = ?, updated_at = ? WHERE id = ?`, at, now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
