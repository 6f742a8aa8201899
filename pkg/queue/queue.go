// Package queue implements the durable FIFO between the gateway (writer) and
// the ETL consumer (reader), plus its dead-letter sibling. It is the single
// serialization point spec.md §5 and §9 reason about: exactly one writer per
// partition, atomic multi-pop.
package queue

import (
	"context"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// Queue is a durable, ordered, at-least-once FIFO of QueueItems.
type Queue interface {
	// Enqueue appends item to the tail. Enqueue is the gateway's commit
	// point (spec.md §4.2 step 6): once it returns nil, the item is durable.
	Enqueue(ctx context.Context, item model.QueueItem) error

	// PopBatch atomically removes up to n items from the head. This must be
	// one indivisible operation so two ETL workers never split a batch
	// (spec.md §4.4 step 1). Returns fewer than n items (possibly zero) if
	// the queue is short; never blocks longer than the queue's internal
	// pop timeout.
	PopBatch(ctx context.Context, n int) ([]PoppedItem, error)

	// Ack removes previously-popped items from durable storage once the
	// ETL has committed them. Unacked items are eligible for redelivery on
	// worker crash (at-least-once, spec.md §4.4 "Parallelism").
	Ack(ctx context.Context, handles []string) error

	// Nack returns previously-popped items to the queue for redelivery
	// (spec.md §5 "Cancellation"). Where they land depends on the
	// implementation: EtcdQueue keeps each item's original position,
	// MemoryQueue appends it to the tail.
	Nack(ctx context.Context, handles []string) error

	// Depth reports the current approximate queue length, consumed by the
	// gateway's /status check and the relay forwarder's water marks.
	Depth(ctx context.Context) (int64, error)
}

// PoppedItem pairs a QueueItem with an opaque handle used to Ack or Nack it.
type PoppedItem struct {
	Handle string
	Item   model.QueueItem
}

// DeadLetterQueue is the append-only sink for items that failed persistence
// after exhausting retries (spec.md §4.4 step 5).
type DeadLetterQueue interface {
	Push(ctx context.Context, item model.DLQItem) error
	// Drain removes and returns up to n items from the DLQ, used by the
	// `etl requeue-dlq` operational command (SPEC_FULL.md Supplemented
	// Features, grounded on original_source/scripts/replay_dlq.py).
	Drain(ctx context.Context, n int) ([]model.DLQItem, error)
	Depth(ctx context.Context) (int64, error)
}

// BatchPopTimeout is the default maximum time PopBatch blocks before
// returning an empty result (spec.md §5: "Queue drain blocks at most
// batch_pop_timeout (default 1 s) before returning empty").
const BatchPopTimeout = 1 * time.Second

// IdleBackoff is the default sleep the ETL applies between empty pops
// (spec.md §4.4 step 1).
const IdleBackoff = 200 * time.Millisecond
