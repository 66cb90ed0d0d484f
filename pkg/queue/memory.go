package queue

import (
	"context"
	"sync"
	"time"

	"github.com/coderelay/forgebot/pkg/taskkey"
)

// MemoryQueue is an in-process FIFO, convenient for the single-process
// deployment that cmd/forgebot defaults to when no RabbitMQ broker is
// configured.
type MemoryQueue struct {
	mu    sync.Mutex
	items []taskkey.Descriptor
	// notify is re-created (closed and replaced) each time an item is
	// enqueued, so Dequeue's waiters can wake without a busy poll loop.
	notify chan struct{}
}

// NewMemoryQueue constructs an empty MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{notify: make(chan struct{})}
}

// Enqueue appends d to the tail of the queue.
func (q *MemoryQueue) Enqueue(ctx context.Context, d taskkey.Descriptor) error {
	q.mu.Lock()
	q.items = append(q.items, d)
	old := q.notify
	q.notify = make(chan struct{})
	q.mu.Unlock()
	close(old)
	return nil
}

// Dequeue pops the head of the queue, waiting up to timeout for one to
// arrive if the queue is currently empty.
func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			d := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return Delivery{Descriptor: d, Ack: func() error { return nil }, Nack: func() error { return nil }}, nil
		}
		wait := q.notify
		q.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Delivery{}, ErrEmpty
		}

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return Delivery{}, ErrEmpty
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		}
	}
}

// Len reports the current queue depth.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close is a no-op for MemoryQueue; nothing to release.
func (q *MemoryQueue) Close() error { return nil }
