// Package ratelimit implements the shared token-bucket primitive from
// spec.md §4.5, used by both the gateway and the federation relay.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Remaining  float64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Backend is the atomic read-modify-write primitive a Limiter is built on.
// EtcdBackend (backend_etcd.go) implements this against a shared etcd
// cluster; MemoryBackend implements it in-process as the documented
// degraded fallback described in spec.md §9.
type Backend interface {
	// CAS loads the bucket for key, applies fn to compute its new state,
	// and stores the result — atomically with respect to other CAS calls
	// on the same key. fn receives (tokens, lastRefill) and returns the
	// updated (tokens, lastRefill) to persist.
	CAS(ctx context.Context, key string, ttl time.Duration, fn func(tokens float64, lastRefill time.Time) (float64, time.Time)) (float64, error)
}

// Limiter runs the §4.5 refill/consume algorithm against a Backend.
type Limiter struct {
	backend  Backend
	rate     float64 // tokens per second
	capacity float64
	ttl      time.Duration
}

// New builds a Limiter with the given sustained rate (tokens/sec) and burst
// capacity, backed by backend.
func New(backend Backend, rate, capacity float64, ttl time.Duration) *Limiter {
	if ttl <= 0 {
		ttl = 10 * time.Minute // spec default: 10 min of inactivity
	}
	return &Limiter{backend: backend, rate: rate, capacity: capacity, ttl: ttl}
}

// Allow runs the algorithm from spec.md §4.5 steps 1-5 for one key,
// consuming `requested` tokens (default 1).
func (l *Limiter) Allow(ctx context.Context, key string, requested float64, now time.Time) (Result, error) {
	if requested == 0 {
		// "allow(key, 0, t) is a no-op on bucket state (read-only check)"
		// per spec.md §8 — peek without consuming.
		return l.peek(ctx, key, now)
	}

	var allowed bool
	var remaining float64
	var retryAfter time.Duration

	newTokens, err := l.backend.CAS(ctx, key, l.ttl, func(tokens float64, lastRefill time.Time) (float64, time.Time) {
		if lastRefill.IsZero() {
			tokens = l.capacity
			lastRefill = now
		}
		elapsed := now.Sub(lastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		refill := elapsed * l.rate
		if refill < 0 {
			refill = 0
		}
		tokens = math.Min(l.capacity, tokens+refill)

		if tokens >= requested {
			tokens -= requested
			allowed = true
			retryAfter = -1
		} else {
			allowed = false
			if l.rate > 0 {
				retryAfter = time.Duration((requested-tokens)/l.rate*1000) * time.Millisecond
			} else {
				retryAfter = time.Duration(math.MaxInt64)
			}
		}
		return tokens, now
	})
	if err != nil {
		return Result{}, err
	}
	remaining = newTokens

	var resetAt time.Time
	if l.rate > 0 {
		resetAt = now.Add(time.Duration(math.Ceil((l.capacity-remaining)/l.rate*1000)) * time.Millisecond)
	} else {
		resetAt = now
	}

	return Result{
		Allowed:    allowed,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

func (l *Limiter) peek(ctx context.Context, key string, now time.Time) (Result, error) {
	var remaining float64
	newTokens, err := l.backend.CAS(ctx, key, l.ttl, func(tokens float64, lastRefill time.Time) (float64, time.Time) {
		if lastRefill.IsZero() {
			return l.capacity, lastRefill // do not initialize last_refill on peek
		}
		elapsed := now.Sub(lastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		remaining = math.Min(l.capacity, tokens+elapsed*l.rate)
		return tokens, lastRefill // unchanged: peek must not mutate state
	})
	if err != nil {
		return Result{}, err
	}
	if remaining == 0 {
		remaining = newTokens
	}
	return Result{Allowed: remaining > 0, Remaining: remaining, RetryAfter: -1}, nil
}

// MemoryBackend is an in-process Backend, the documented degraded fallback
// used when the shared etcd backend is unavailable. It loses cross-instance
// fairness, which spec.md §4.5 explicitly permits as long as it's
// documented.
type MemoryBackend struct {
	mu      sync.Mutex
	tokens  map[string]float64
	refills map[string]time.Time
}

// NewMemoryBackend returns a ready MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{tokens: make(map[string]float64), refills: make(map[string]time.Time)}
}

// CAS implements Backend using a single in-process mutex as the critical
// section (spec.md §9: "Local in-memory fallback is permitted... except as a
// documented degraded fallback").
func (b *MemoryBackend) CAS(_ context.Context, key string, _ time.Duration, fn func(tokens float64, lastRefill time.Time) (float64, time.Time)) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tokens, lastRefill := b.tokens[key], b.refills[key]
	newTokens, newRefill := fn(tokens, lastRefill)
	b.tokens[key] = newTokens
	b.refills[key] = newRefill
	return newTokens, nil
}
