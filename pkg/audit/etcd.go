package audit

import (
	"context"
	"encoding/json"
	"fmt"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

const (
	auditPrefix = "/fibermesh/v1/audit/entries/"
	tipKey      = "/fibermesh/v1/audit/tip"
)

// tip records the chain's current length and hash so Append doesn't need to
// scan the whole log to find where to attach the next link.
type tip struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// EtcdLog implements Log against a shared etcd cluster. Append is a CAS on
// the tip key: whoever's compare succeeds gets to extend the chain, so
// concurrent appenders can never fork it (same optimistic-transaction shape
// as pkg/ratelimit.EtcdBackend.CAS and pkg/idempotency.EtcdIndex).
type EtcdLog struct {
	client *clientv3.Client
}

// NewEtcdLog wraps an existing etcd client.
func NewEtcdLog(client *clientv3.Client) *EtcdLog {
	return &EtcdLog{client: client}
}

func entryKey(seq uint64) string {
	return fmt.Sprintf("%s%020d", auditPrefix, seq)
}

// Append implements Log.
func (l *EtcdLog) Append(ctx context.Context, entry model.AuditEntry) (model.AuditEntry, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, modRev, err := l.readTip(ctx)
		if err != nil {
			return model.AuditEntry{}, err
		}

		entry.Seq = cur.Seq + 1
		entry.PrevHash = cur.Hash
		entry.Hash = chainHash(cur.Hash, entry)

		entryData, err := json.Marshal(entry)
		if err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: encode entry: %w", err)
		}
		newTip := tip{Seq: entry.Seq, Hash: entry.Hash}
		tipData, err := json.Marshal(newTip)
		if err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: encode tip: %w", err)
		}

		var cmp clientv3.Cmp
		if modRev == 0 {
			cmp = clientv3.Compare(clientv3.CreateRevision(tipKey), "=", 0)
		} else {
			cmp = clientv3.Compare(clientv3.ModRevision(tipKey), "=", modRev)
		}

		txnResp, err := l.client.Txn(ctx).
			If(cmp).
			Then(
				clientv3.OpPut(entryKey(entry.Seq), string(entryData)),
				clientv3.OpPut(tipKey, string(tipData)),
			).
			Commit()
		if err != nil {
			return model.AuditEntry{}, fmt.Errorf("audit: etcd txn: %w", err)
		}
		if txnResp.Succeeded {
			return entry, nil
		}
		// Another appender advanced the tip first; retry from fresh state.
	}
	return model.AuditEntry{}, fmt.Errorf("audit: exhausted %d append attempts", maxAttempts)
}

func (l *EtcdLog) readTip(ctx context.Context) (tip, int64, error) {
	getResp, err := l.client.Get(ctx, tipKey)
	if err != nil {
		return tip{}, 0, fmt.Errorf("audit: read tip: %w", err)
	}
	if len(getResp.Kvs) == 0 {
		return tip{Seq: 0, Hash: GenesisHash}, 0, nil
	}
	var t tip
	if err := json.Unmarshal(getResp.Kvs[0].Value, &t); err != nil {
		return tip{}, 0, fmt.Errorf("audit: decode tip: %w", err)
	}
	return t, getResp.Kvs[0].ModRevision, nil
}

// List implements Log, returning up to limit entries most-recent-first.
func (l *EtcdLog) List(ctx context.Context, limit int) ([]model.AuditEntry, error) {
	getResp, err := l.client.Get(ctx, auditPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend),
		clientv3.WithLimit(int64(limit)),
	)
	if err != nil {
		return nil, fmt.Errorf("audit: list scan: %w", err)
	}
	out := make([]model.AuditEntry, 0, len(getResp.Kvs))
	for _, kv := range getResp.Kvs {
		var entry model.AuditEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Verify implements Log by walking the whole chain in forward order.
func (l *EtcdLog) Verify(ctx context.Context) error {
	getResp, err := l.client.Get(ctx, auditPrefix,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
	)
	if err != nil {
		return fmt.Errorf("audit: verify scan: %w", err)
	}
	prevHash := GenesisHash
	for _, kv := range getResp.Kvs {
		var entry model.AuditEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			return fmt.Errorf("audit: verify: decode %s: %w", kv.Key, err)
		}
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
