package probe

import "sync"

// Buffer is a bounded, single-writer FIFO that drops the oldest entry when
// full, preserving recency over completeness (spec.md §4.1 step 3), the Go
// equivalent of original_source/fiber-probe/src/buffer.py's DurableBuffer
// eviction policy without the SQLite persistence layer (the probe has no
// durable-storage requirement in spec.md; only the regional relay's buffer
// does, see pkg/federation and pkg/queue.EtcdQueue).
type Buffer struct {
	mu       sync.Mutex
	items    []Sample
	capacity int
}

// NewBuffer returns an empty Buffer bounded at capacity entries.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{items: make([]Sample, 0, capacity), capacity: capacity}
}

// Push appends s, dropping the oldest entry first if the buffer is full.
func (b *Buffer) Push(s Sample) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.items) >= b.capacity {
		b.items = b.items[1:]
	}
	b.items = append(b.items, s)
}

// DrainUpTo removes and returns up to n oldest entries.
func (b *Buffer) DrainUpTo(n int) []Sample {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.items) {
		n = len(b.items)
	}
	out := append([]Sample(nil), b.items[:n]...)
	b.items = b.items[n:]
	return out
}

// Len reports the current buffer depth.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
