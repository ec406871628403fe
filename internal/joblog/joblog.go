// Package joblog records structured, job-scoped log entries.
//
// Every entry is appended to the job_logs table and mirrored to slog.
// A failure to persist an entry never fails the caller; it is reported
// on slog only.
package joblog

import (
	"context"
	"log/slog"

	"github.com/livinlefevreloca/catalogsync/internal/db"
)

// Store persists log entries
type Store interface {
	CreateLogEntry(ctx context.Context, entry *db.LogEntry) error
}

// Logger appends entries to a single job's log
type Logger struct {
	store  Store
	jobID  int64
	logger *slog.Logger
}

// Option decorates an entry before it is written
type Option func(*db.LogEntry)

// WithContext attaches structured context to the entry
func WithContext(kv map[string]any) Option {
	return func(e *db.LogEntry) {
		e.Context = kv
	}
}

// WithURL attaches the URL the entry is about
func WithURL(url string) Option {
	return func(e *db.LogEntry) {
		if url != "" {
			e.URL = &url
		}
	}
}

// New creates a logger for jobID. A nil slog logger uses slog.Default.
func New(store Store, jobID int64, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		store:  store,
		jobID:  jobID,
		logger: logger.With("jobID", jobID),
	}
}

// JobID returns the job this logger writes to
func (l *Logger) JobID() int64 {
	if l == nil {
		return 0
	}
	return l.jobID
}

// Log appends one entry at level. Logging on a nil Logger is a no-op.
func (l *Logger) Log(ctx context.Context, level, message string, opts ...Option) {
	if l == nil {
		return
	}
	entry := &db.LogEntry{
		JobID:   l.jobID,
		Level:   level,
		Message: message,
	}
	for _, opt := range opts {
		opt(entry)
	}

	l.mirror(ctx, entry)

	if l.store == nil {
		return
	}
	// written even when the run context is already cancelled
	if err := l.store.CreateLogEntry(context.WithoutCancel(ctx), entry); err != nil {
		l.logger.Warn("failed to persist job log entry", "error", err, "message", message)
	}
}

func (l *Logger) Debug(ctx context.Context, message string, opts ...Option) {
	l.Log(ctx, db.LevelDebug, message, opts...)
}

func (l *Logger) Info(ctx context.Context, message string, opts ...Option) {
	l.Log(ctx, db.LevelInfo, message, opts...)
}

func (l *Logger) Warning(ctx context.Context, message string, opts ...Option) {
	l.Log(ctx, db.LevelWarning, message, opts...)
}

func (l *Logger) Error(ctx context.Context, message string, opts ...Option) {
	l.Log(ctx, db.LevelError, message, opts...)
}

func (l *Logger) mirror(ctx context.Context, e *db.LogEntry) {
	attrs := make([]any, 0, 4)
	if e.URL != nil {
		attrs = append(attrs, "url", *e.URL)
	}
	if len(e.Context) > 0 {
		attrs = append(attrs, "context", e.Context)
	}
	l.logger.Log(ctx, slogLevel(e.Level), e.Message, attrs...)
}

func slogLevel(level string) slog.Level {
	switch level {
	case db.LevelDebug:
		return slog.LevelDebug
	case db.LevelWarning:
		return slog.LevelWarn
	case db.LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
