package queue

import (
	"container/list"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// MemoryQueue is an in-process Queue for tests and single-instance dev runs.
// Its PopBatch is atomic with respect to concurrent callers because every
// operation holds a single mutex for its duration, mirroring the "single
// authoritative serialization point" spec.md §5 requires of the queue
// backend.
type MemoryQueue struct {
	mu       sync.Mutex
	items    *list.List // of *memEntry, FIFO: front = oldest
	inFlight map[string]model.QueueItem
}

type memEntry struct {
	handle string
	item   model.QueueItem
}

// NewMemoryQueue returns a ready MemoryQueue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{items: list.New(), inFlight: make(map[string]model.QueueItem)}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, item model.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items.PushBack(&memEntry{handle: uuid.NewString(), item: item})
	return nil
}

// PopBatch implements Queue: atomically detach up to n items from the head
// and mark them in-flight until Ack or Nack.
func (q *MemoryQueue) PopBatch(_ context.Context, n int) ([]PoppedItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PoppedItem, 0, n)
	for len(out) < n {
		front := q.items.Front()
		if front == nil {
			break
		}
		entry := q.items.Remove(front).(*memEntry)
		q.inFlight[entry.handle] = entry.item
		out = append(out, PoppedItem{Handle: entry.handle, Item: entry.item})
	}
	return out, nil
}

// Ack implements Queue: in-flight items are simply forgotten (they were
// already detached from the visible list in PopBatch).
func (q *MemoryQueue) Ack(_ context.Context, handles []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range handles {
		delete(q.inFlight, h)
	}
	return nil
}

// Nack implements Queue: re-append undelivered items to the tail so they are
// retried rather than lost (spec.md §5 "Cancellation": partially processed
// batches are returned to the queue).
func (q *MemoryQueue) Nack(_ context.Context, handles []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range handles {
		item, ok := q.inFlight[h]
		if !ok {
			continue
		}
		delete(q.inFlight, h)
		q.items.PushBack(&memEntry{handle: uuid.NewString(), item: item})
	}
	return nil
}

// Depth implements Queue.
func (q *MemoryQueue) Depth(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.items.Len()), nil
}

// MemoryDLQ is an in-process DeadLetterQueue.
type MemoryDLQ struct {
	mu    sync.Mutex
	items []model.DLQItem
}

// NewMemoryDLQ returns a ready MemoryDLQ.
func NewMemoryDLQ() *MemoryDLQ {
	return &MemoryDLQ{}
}

// Push implements DeadLetterQueue.
func (d *MemoryDLQ) Push(_ context.Context, item model.DLQItem) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append(d.items, item)
	return nil
}

// Drain implements DeadLetterQueue.
func (d *MemoryDLQ) Drain(_ context.Context, n int) ([]model.DLQItem, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n > len(d.items) {
		n = len(d.items)
	}
	out := append([]model.DLQItem(nil), d.items[:n]...)
	d.items = d.items[n:]
	return out, nil
}

// Depth implements DeadLetterQueue.
func (d *MemoryDLQ) Depth(_ context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return int64(len(d.items)), nil
}
