package queue

import (
	"context"
	"fmt"
	"log/slog"
)

// MemoryQueue is a process-local queue backed by an Inbox
type MemoryQueue struct {
	inbox *Inbox[int64]
}

// NewMemoryQueue creates an in-process queue
func NewMemoryQueue(config Config, logger *slog.Logger) *MemoryQueue {
	size := config.BufferSize
	if size <= 0 {
		size = DefaultConfig().BufferSize
	}
	timeout := config.SendTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().SendTimeout
	}
	return &MemoryQueue{inbox: NewInbox[int64](size, timeout, logger)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, jobID int64) error {
	if q.inbox.Send(ctx, jobID) {
		return nil
	}
	select {
	case <-q.inbox.done:
		return ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("queue full: job %d not enqueued", jobID)
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (int64, error) {
	id, ok := q.inbox.Receive(ctx)
	if ok {
		return id, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return 0, ErrClosed
}

// Stats reports inbox usage
func (q *MemoryQueue) Stats() Stats {
	return q.inbox.GetStats()
}

func (q *MemoryQueue) Close() error {
	q.inbox.Close()
	return nil
}
