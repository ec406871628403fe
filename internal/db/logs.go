package db

import (
	"context"
	"database/sql"
	"fmt"
)

// CreateLogEntry appends one entry to a job's log
func (db *DB) CreateLogEntry(ctx context.Context, entry *LogEntry) error {
	logContext, err := encodeJSON(entry.Context)
	if err != nil {
		return fmt.Errorf("failed to encode log context: %w", err)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now()
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO job_logs (job_id, level, message, context, url, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.JobID, entry.Level, entry.Message, logContext, entry.URL, entry.CreatedAt)
	if err != nil {
		return err
	}

	entry.ID, err = result.LastInsertId()
	return err
}

// ListLogEntries returns a page of a job's log in append order, plus the total count
func (db *DB) ListLogEntries(ctx context.Context, jobID int64, page, perPage int) ([]LogEntry, int, error) {
	limit, offset := PageBounds(page, perPage)

	var total int
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM job_logs WHERE job_id = ?`, jobID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, job_id, level, message, context, url, created_at
		FROM job_logs
		WHERE job_id = ?
		ORDER BY id
		LIMIT ? OFFSET ?
	`, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	entries := []LogEntry{}
	for rows.Next() {
		var e LogEntry
		var logContext sql.NullString
		if err := rows.Scan(&e.ID, &e.JobID, &e.Level, &e.Message, &logContext, &e.URL, &e.CreatedAt); err != nil {
			return nil, 0, err
		}
		if e.Context, err = decodeJSON(logContext); err != nil {
			return nil, 0, fmt.Errorf("failed to decode log context: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, total, rows.Err()
}
