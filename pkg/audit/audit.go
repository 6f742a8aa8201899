// Package audit implements the hash-chained, append-only audit log
// (spec.md §4.6): every entry's Hash covers the previous entry's Hash, so
// truncating or editing history breaks the chain from that point forward.
// Structurally this mirrors strand-cloud/pkg/store's AuditLogStore
// (Append/List behind an interface, one implementation per backend) but adds
// the chaining strand-cloud never needed.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// GenesisHash seeds the chain before any entry exists.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Log is an append-only, hash-chained audit trail.
type Log interface {
	// Append computes entry's Seq, PrevHash and Hash from the current chain
	// tip and durably stores it. Callers supply Action, Actor, Timestamp and
	// Detail; Append fills in the rest.
	Append(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error)

	// List returns up to limit entries, most recent first.
	List(ctx context.Context, limit int) ([]model.AuditEntry, error)

	// Verify walks the full chain and reports the first broken link, if any.
	// A nil error means the chain is intact.
	Verify(ctx context.Context) error
}

// chainHash computes H(prevHash || seq || action || actor || timestamp ||
// detail), matching spec.md §4.6's "hash = H(prev_hash ‖ entry)".
func chainHash(prevHash string, entry model.AuditEntry) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s",
		prevHash, entry.Seq, entry.Action, entry.Actor,
		entry.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000Z"),
		entry.Detail,
	)
	return hex.EncodeToString(h.Sum(nil))
}

// MemoryLog is an in-process Log for tests and single-instance dev runs,
// grounded on strand-cloud/pkg/store/memory.go's memoryAuditLogStore.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []model.AuditEntry
}

// NewMemoryLog returns an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append implements Log.
func (l *MemoryLog) Append(_ context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := GenesisHash
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	entry.Seq = uint64(len(l.entries)) + 1
	entry.PrevHash = prevHash
	entry.Hash = chainHash(prevHash, entry)
	l.entries = append(l.entries, entry)
	return entry, nil
}

// List implements Log, walking backwards for most-recent-first order like
// strand-cloud's memoryAuditLogStore.List.
func (l *MemoryLog) List(_ context.Context, limit int) ([]model.AuditEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]model.AuditEntry, 0, limit)
	for i := len(l.entries) - 1; i >= 0; i-- {
		out = append(out, l.entries[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Verify implements Log.
func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	prevHash := GenesisHash
	for _, entry := range l.entries {
		if entry.PrevHash != prevHash {
			return fmt.Errorf("audit: entry %d: prev_hash mismatch", entry.Seq)
		}
		if chainHash(prevHash, entry) != entry.Hash {
			return fmt.Errorf("audit: entry %d: hash mismatch, chain broken", entry.Seq)
		}
		prevHash = entry.Hash
	}
	return nil
}
