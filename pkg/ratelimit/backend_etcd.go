package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// keyPrefix mirrors strand-cloud/pkg/store/etcd.go's convention of keying
// everything under a single versioned prefix to avoid collisions with other
// etcd tenants sharing the cluster.
const keyPrefix = "/fibermesh/v1/rl/"

// bucketState is the JSON representation stored at each etcd key, matching
// spec.md §6's conceptual `fiber:rl:<key>` hash of {tokens, last_refill}.
type bucketState struct {
	Tokens     float64   `json:"tokens"`
	LastRefill time.Time `json:"last_refill"`
}

// EtcdBackend implements Backend against a shared etcd cluster using
// optimistic compare-and-swap transactions, the atomic RMW primitive spec.md
// §9 calls for ("a compare-and-swap on (tokens, last_refill) via the
// queue/cache backend's scripting facility").
type EtcdBackend struct {
	client *clientv3.Client
}

// NewEtcdBackend wraps an existing etcd client.
func NewEtcdBackend(client *clientv3.Client) *EtcdBackend {
	return &EtcdBackend{client: client}
}

// CAS implements Backend. It retries the optimistic transaction a bounded
// number of times if another gateway instance raced it, then returns an
// error rather than writing unconditionally; callers treat that error as a
// denial.
func (b *EtcdBackend) CAS(ctx context.Context, key string, ttl time.Duration, fn func(tokens float64, lastRefill time.Time) (float64, time.Time)) (float64, error) {
	fullKey := keyPrefix + key
	const maxAttempts = 5

	for attempt := 0; attempt < maxAttempts; attempt++ {
		getResp, err := b.client.Get(ctx, fullKey)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: etcd get %s: %w", fullKey, err)
		}

		var (
			state   bucketState
			modRev  int64
			existed bool
		)
		if len(getResp.Kvs) > 0 {
			kv := getResp.Kvs[0]
			if err := json.Unmarshal(kv.Value, &state); err != nil {
				return 0, fmt.Errorf("ratelimit: decode bucket %s: %w", fullKey, err)
			}
			modRev = kv.ModRevision
			existed = true
		}

		newTokens, newRefill := fn(state.Tokens, state.LastRefill)
		newState := bucketState{Tokens: newTokens, LastRefill: newRefill}
		data, err := json.Marshal(newState)
		if err != nil {
			return 0, fmt.Errorf("ratelimit: encode bucket %s: %w", fullKey, err)
		}

		lease, err := b.client.Grant(ctx, int64(ttl.Seconds()))
		if err != nil {
			return 0, fmt.Errorf("ratelimit: grant lease: %w", err)
		}

		var cmp clientv3.Cmp
		if existed {
			cmp = clientv3.Compare(clientv3.ModRevision(fullKey), "=", modRev)
		} else {
			cmp = clientv3.Compare(clientv3.CreateRevision(fullKey), "=", 0)
		}

		txnResp, err := b.client.Txn(ctx).
			If(cmp).
			Then(clientv3.OpPut(fullKey, string(data), clientv3.WithLease(lease.ID))).
			Commit()
		if err != nil {
			return 0, fmt.Errorf("ratelimit: etcd txn %s: %w", fullKey, err)
		}
		if txnResp.Succeeded {
			return newTokens, nil
		}
		// Lost the race; retry with fresh state.
	}
	return 0, fmt.Errorf("ratelimit: exhausted %d CAS attempts on %s", maxAttempts, fullKey)
}

// keyForClass builds a rate-limit key scoped to both the probe identity and
// an endpoint class, per spec.md §4.2 step 5 ("keyed by probe identity, and
// optionally by endpoint class").
func keyForClass(subject, class string) string {
	return subject + ":" + class
}

// GlobalCapKey is the bucket key for the system-wide ceiling bucket
// (spec.md §4.5 "Fairness": "a global cap bucket may additionally enforce a
// tenant or system-wide ceiling").
const GlobalCapKey = "__global__"

// MaxProbeShare is a per-probe fraction of the global budget. No code path
// reads it: the limiter does not cap a single probe's share of the global
// bucket.
const MaxProbeShare = 0.20

// FormatRetryAfter renders a retry-after duration as whole seconds for the
// Retry-After HTTP header, per spec.md §6.
func FormatRetryAfter(d time.Duration) string {
	secs := int64(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}
