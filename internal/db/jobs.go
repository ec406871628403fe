package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// =============================================================================
// Job Operations
// =============================================================================

const jobColumns = `id, source_id, status, type, config,
	products_found, products_created, products_updated, products_failed, images_downloaded,
	error_message, started_at, completed_at, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var config sql.NullString

	err := row.Scan(
		&j.ID,
		&j.SourceID,
		&j.Status,
		&j.Type,
		&config,
		&j.Counters.Found,
		&j.Counters.Created,
		&j.Counters.Updated,
		&j.Counters.Failed,
		&j.Counters.ImagesDownloaded,
		&j.ErrorMessage,
		&j.StartedAt,
		&j.CompletedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if j.Config, err = decodeJSON(config); err != nil {
		return nil, fmt.Errorf("failed to decode job config: %w", err)
	}
	return j, nil
}

// CreateJob inserts a pending job with zeroed counters
func (db *DB) CreateJob(ctx context.Context, job *Job) error {
	config, err := encodeJSON(job.Config)
	if err != nil {
		return fmt.Errorf("failed to encode job config: %w", err)
	}

	ts := now()
	job.Status = JobPending
	job.Counters = Counters{}
	job.ErrorMessage = nil
	job.StartedAt = nil
	job.CompletedAt = nil
	job.CreatedAt = ts
	job.UpdatedAt = ts

	query := `
		INSERT INTO jobs (source_id, status, type, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := db.ExecContext(ctx, query, job.SourceID, job.Status, job.Type, config, ts, ts)
	if err != nil {
		return err
	}

	job.ID, err = result.LastInsertId()
	return err
}

// GetJob retrieves a job by ID
func (db *DB) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

// ListJobs returns a page of jobs for a source, newest first, plus the total count
func (db *DB) ListJobs(ctx context.Context, sourceID int64, page, perPage int) ([]Job, int, error) {
	limit, offset := PageBounds(page, perPage)

	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE source_id = ?`, sourceID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobs
		WHERE source_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, sourceID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	jobs := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, *j)
	}

	return jobs, total, rows.Err()
}

// ListPendingJobIDs returns the ids of jobs still waiting to run, oldest first
func (db *DB) ListPendingJobIDs(ctx context.Context) ([]int64, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id`, JobPending)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// HasActiveJob reports whether source has a pending or running job
func (db *DB) HasActiveJob(ctx context.Context, sourceID int64) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE source_id = ? AND status IN (?, ?))`,
		sourceID, JobPending, JobRunning).Scan(&exists)
	return exists, err
}

// UpdateJobCounters writes the run counters. Persisted counters never decrease.
func (db *DB) UpdateJobCounters(ctx context.Context, id int64, c Counters) error {
	query := `
		UPDATE jobs
		SET products_found = MAX(products_found, ?),
			products_created = MAX(products_created, ?),
			products_updated = MAX(products_updated, ?),
			products_failed = MAX(products_failed, ?),
			images_downloaded = MAX(images_downloaded, ?),
			updated_at = ?
		WHERE id = ?
	`

	result, err := db.ExecContext(ctx, query,
		c.Found, c.Created, c.Updated, c.Failed, c.ImagesDownloaded, now(), id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// MarkJobRunning claims a pending job: it moves it to running and stamps
// started_at. Returns false when the job is no longer pending, so only one
// run can ever claim a job.
func (db *DB) MarkJobRunning(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, JobRunning, at, now(), id, JobPending)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// FinishJob moves a job into a terminal status.
// Allowed from pending/running, or as a repeat of the same terminal status.
// Returns false when the job already holds a different terminal status.
func (db *DB) FinishJob(ctx context.Context, id int64, status JobStatus, errorMessage *string, at time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, status)
	}

	result, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, error_message = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)
	`, status, errorMessage, at, now(), id, JobPending, JobRunning, status)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// CancelJob sets cancelled only when the job is pending or running
func (db *DB) CancelJob(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := db.ExecContext(ctx, `
		UPDATE jobs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, JobCancelled, at, now(), id, JobPending, JobRunning)
	if err != nil {
		return false, err
	}
	return changed(result)
}

// DeleteJob removes a job and its log. Refused while the job is running.
func (db *DB) DeleteJob(ctx context.Context, id int64) error {
	job, err := db.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Status == JobRunning {
		return ErrJobRunning
	}

	result, err := db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ? AND status <> ?`, id, JobRunning)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrJobRunning
	}
	return nil
}

func changed(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
