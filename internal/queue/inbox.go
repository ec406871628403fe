package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Inbox is a typed buffered channel with a bounded send wait
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger
	stats   *Stats

	closeOnce sync.Once
	done      chan struct{}
}

// Stats tracks inbox usage
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	CurrentDepth  int
}

// NewInbox creates an inbox with the given buffer size and send timeout
func NewInbox[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{},
		done:    make(chan struct{}),
	}
}

// Send queues msg, waiting up to the inbox timeout for buffer space.
// Returns false on timeout, cancellation or a closed inbox.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) bool {
	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case <-ib.done:
		return false
	default:
	}

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return true
	case <-timer.C:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return false
	case <-ctx.Done():
		return false
	case <-ib.done:
		return false
	}
}

// Receive blocks until a message is available. ok is false once ctx is
// done or the inbox is closed.
func (ib *Inbox[T]) Receive(ctx context.Context) (T, bool) {
	select {
	case msg := <-ib.ch:
		atomic.AddInt64(&ib.stats.TotalReceived, 1)
		return msg, true
	case <-ctx.Done():
	case <-ib.done:
	}
	var zero T
	return zero, false
}

// GetStats returns a copy of the current statistics
func (ib *Inbox[T]) GetStats() Stats {
	return Stats{
		TotalSent:     atomic.LoadInt64(&ib.stats.TotalSent),
		TotalReceived: atomic.LoadInt64(&ib.stats.TotalReceived),
		TimeoutCount:  atomic.LoadInt64(&ib.stats.TimeoutCount),
		CurrentDepth:  len(ib.ch),
	}
}

// Len returns the number of buffered messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Close stops the inbox. Buffered messages are dropped.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() { close(ib.done) })
}
