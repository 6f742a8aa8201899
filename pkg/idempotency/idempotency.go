// Package idempotency implements the short-lived X-Batch-ID index from
// spec.md §4.2 step 4 and §3's Batch invariant ("batch_id is idempotency key
// for a window >= 1h").
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// keyPrefix mirrors the versioned-prefix convention from
// strand-cloud/pkg/store/etcd.go and pkg/ratelimit/backend_etcd.go.
const keyPrefix = "/fibermesh/v1/batch/"

// Record is what's stored against a batch id: enough to answer a duplicate
// POST with the original response (spec.md §4.2 step 4: "Hit -> 409
// accepted (already processed) with the original enqueued count").
type Record struct {
	EnqueuedCount int       `json:"enqueued_count"`
	SeenAt        time.Time `json:"seen_at"`
}

// Index is the idempotency index interface, backed by etcd in production and
// an in-memory map in tests/dev.
type Index interface {
	// CheckAndSet atomically checks whether batchID is already recorded; if
	// not, it records rec with the given ttl and returns (nil, false). If a
	// record already exists, it returns the existing record and true,
	// leaving the store untouched (idempotent no-op per spec.md).
	CheckAndSet(ctx context.Context, batchID string, rec Record, ttl time.Duration) (*Record, bool, error)

	// Release removes a batchID record set by a CheckAndSet whose enqueue
	// never committed, so a client retry after a failed /ingest gets a
	// fresh attempt instead of a false 409 claiming samples that were
	// never queued.
	Release(ctx context.Context, batchID string) error
}

// EtcdIndex implements Index against a shared etcd cluster using a
// create-if-absent transaction plus a lease for TTL expiry.
type EtcdIndex struct {
	client *clientv3.Client
}

// NewEtcdIndex wraps an existing etcd client.
func NewEtcdIndex(client *clientv3.Client) *EtcdIndex {
	return &EtcdIndex{client: client}
}

// CheckAndSet implements Index.
func (idx *EtcdIndex) CheckAndSet(ctx context.Context, batchID string, rec Record, ttl time.Duration) (*Record, bool, error) {
	key := keyPrefix + batchID

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: encode record: %w", err)
	}

	lease, err := idx.client.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: grant lease: %w", err)
	}

	txnResp, err := idx.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data), clientv3.WithLease(lease.ID))).
		Else(clientv3.OpGet(key)).
		Commit()
	if err != nil {
		return nil, false, fmt.Errorf("idempotency: etcd txn %s: %w", key, err)
	}

	if txnResp.Succeeded {
		return nil, false, nil
	}

	// Lost the race (or it's a genuine duplicate): decode the existing
	// record and report the hit.
	getResp := txnResp.Responses[0].GetResponseRange()
	if len(getResp.Kvs) == 0 {
		// Extremely rare: the lease already expired between the failed
		// create and the fallback read. Treat as not-a-duplicate.
		return nil, false, nil
	}
	var existing Record
	if err := json.Unmarshal(getResp.Kvs[0].Value, &existing); err != nil {
		return nil, false, fmt.Errorf("idempotency: decode record %s: %w", key, err)
	}
	return &existing, true, nil
}

// Release implements Index.
func (idx *EtcdIndex) Release(ctx context.Context, batchID string) error {
	if _, err := idx.client.Delete(ctx, keyPrefix+batchID); err != nil {
		return fmt.Errorf("idempotency: release %s: %w", batchID, err)
	}
	return nil
}

// MemoryIndex is an in-process Index for tests and single-instance dev runs.
type MemoryIndex struct {
	mu      sync.Mutex
	records map[string]memRecord
}

type memRecord struct {
	rec     Record
	expires time.Time
}

// NewMemoryIndex returns a ready MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]memRecord)}
}

// CheckAndSet implements Index.
func (idx *MemoryIndex) CheckAndSet(_ context.Context, batchID string, rec Record, ttl time.Duration) (*Record, bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	now := time.Now()
	if existing, ok := idx.records[batchID]; ok && now.Before(existing.expires) {
		r := existing.rec
		return &r, true, nil
	}
	idx.records[batchID] = memRecord{rec: rec, expires: now.Add(ttl)}
	return nil, false, nil
}

// Release implements Index.
func (idx *MemoryIndex) Release(_ context.Context, batchID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.records, batchID)
	return nil
}
