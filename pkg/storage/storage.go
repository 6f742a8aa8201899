// Package storage is the Postgres persistence layer for samples, node
// identities, and rejected-sample conflict records (spec.md §3, §4.4).
// Connection handling follows platform/auth/internal/postgres/postgres.go
// (sql.Open + pool tuning + Ping-on-construction); this package has no
// tenant scoping to carry over, but keeps the same "one *sql.DB behind a
// thin wrapper" shape.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// Store wraps a Postgres connection pool.
type Store struct {
	pool *sql.DB
}

// Open opens a connection pool against dsn and verifies connectivity.
func Open(dsn string) (*Store, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	pool.SetMaxOpenConns(25)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(30 * time.Minute)
	if err := pool.Ping(); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// Pool returns the underlying *sql.DB for callers that need raw access
// (migrations, health checks).
func (s *Store) Pool() *sql.DB {
	return s.pool
}

// Migrate creates the samples/nodes/conflicts schema if absent. Production
// deployments are expected to run this once via `etl migrate` or an
// external migration tool; it's idempotent so tests can call it freely.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS nodes (
	node_id       TEXT PRIMARY KEY,
	country       TEXT NOT NULL DEFAULT '',
	region        TEXT NOT NULL DEFAULT '',
	lat           DOUBLE PRECISION NOT NULL DEFAULT 0,
	lng           DOUBLE PRECISION NOT NULL DEFAULT 0,
	status        TEXT NOT NULL DEFAULT 'registered',
	last_seen_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	metadata      JSONB
);

CREATE TABLE IF NOT EXISTS samples (
	time          TIMESTAMPTZ NOT NULL,
	node_id       TEXT NOT NULL REFERENCES nodes(node_id),
	latency_ms    DOUBLE PRECISION NOT NULL,
	uptime_pct    DOUBLE PRECISION NOT NULL,
	packet_loss   DOUBLE PRECISION NOT NULL,
	target_host   TEXT,
	probe_type    TEXT,
	metadata      JSONB,
	UNIQUE (time, node_id)
);

CREATE TABLE IF NOT EXISTS conflicts (
	time          TIMESTAMPTZ NOT NULL,
	node_id       TEXT NOT NULL,
	payload       JSONB NOT NULL,
	conflict_at   TIMESTAMPTZ NOT NULL,
	ingest_region TEXT
);
`
	if _, err := s.pool.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}

// UpsertNode inserts node if absent or bumps its last_seen_at and status if
// present, per spec.md §3: "node registry upsert-on-absent with
// last_seen_at bump."
func (s *Store) UpsertNode(ctx context.Context, node model.Node) error {
	const q = `
INSERT INTO nodes (node_id, country, region, lat, lng, status, last_seen_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (node_id) DO UPDATE SET
	last_seen_at = EXCLUDED.last_seen_at,
	status       = EXCLUDED.status
`
	_, err := s.pool.ExecContext(ctx, q,
		node.NodeID, node.Country, node.Region, node.Lat, node.Lng, node.Status, node.LastSeenAt)
	if err != nil {
		return fmt.Errorf("storage: upsert node %s: %w", node.NodeID, err)
	}
	return nil
}

// GetNode returns the node's current registry record.
func (s *Store) GetNode(ctx context.Context, nodeID string) (*model.Node, error) {
	const q = `SELECT node_id, country, region, lat, lng, status, last_seen_at FROM nodes WHERE node_id = $1`
	var n model.Node
	err := s.pool.QueryRowContext(ctx, q, nodeID).Scan(
		&n.NodeID, &n.Country, &n.Region, &n.Lat, &n.Lng, &n.Status, &n.LastSeenAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get node %s: %w", nodeID, err)
	}
	return &n, nil
}

// SoftDeleteNode marks node deleted without removing its history, per
// spec.md §3 "Deletion is soft (status = deleted); samples retained."
func (s *Store) SoftDeleteNode(ctx context.Context, nodeID string) error {
	const q = `UPDATE nodes SET status = $2 WHERE node_id = $1`
	res, err := s.pool.ExecContext(ctx, q, nodeID, model.NodeDeleted)
	if err != nil {
		return fmt.Errorf("storage: soft-delete node %s: %w", nodeID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: node %s not found", nodeID)
	}
	return nil
}

// PersistResult reports how many samples were newly written vs. rejected as
// duplicates by the (time, node_id) constraint, so the ETL can log and count
// conflicts without treating them as errors (spec.md §4.4 step 4).
type PersistResult struct {
	Inserted  int
	Conflicts []model.ConflictRecord
}

// PersistBatch writes samples inside one transaction, using
// ON CONFLICT DO NOTHING per row so a timestamp collision on one sample
// doesn't fail the whole batch (spec.md §4.4: "conflicts logged, not
// errors").
func (s *Store) PersistBatch(ctx context.Context, samples []model.Sample, ingestRegion string) (PersistResult, error) {
	var result PersistResult

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("storage: begin tx: %w", err)
	}
	defer tx.Rollback()

	const insertQ = `
INSERT INTO samples (time, node_id, latency_ms, uptime_pct, packet_loss, target_host, probe_type, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (time, node_id) DO NOTHING
`
	for _, sample := range samples {
		metadata, err := marshalPayload(sample.Metadata)
		if err != nil {
			return result, fmt.Errorf("storage: encode metadata for sample %s@%s: %w", sample.NodeID, sample.Timestamp, err)
		}
		res, err := tx.ExecContext(ctx, insertQ,
			sample.Timestamp, sample.NodeID, sample.LatencyMS, sample.UptimePct,
			sample.PacketLossPct, sample.TargetHost, sample.ProbeType, metadata)
		if err != nil {
			return result, fmt.Errorf("storage: insert sample %s@%s: %w", sample.NodeID, sample.Timestamp, err)
		}
		affected, _ := res.RowsAffected()
		if affected == 0 {
			result.Conflicts = append(result.Conflicts, model.ConflictRecord{
				Time:         sample.Timestamp,
				NodeID:       sample.NodeID,
				Payload:      sample,
				ConflictAt:   time.Now(),
				IngestRegion: ingestRegion,
			})
			continue
		}
		result.Inserted++
	}

	if err := s.recordConflicts(ctx, tx, result.Conflicts); err != nil {
		return result, err
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("storage: commit batch: %w", err)
	}
	return result, nil
}

// SampleFilter narrows a QuerySamples read, backing the gateway's paged
// `GET /metrics` read path (spec.md §6).
type SampleFilter struct {
	NodeID string
	Region string
	Since  time.Time
	Until  time.Time
	Limit  int
	Offset int
}

// QuerySamples returns the samples matching filter, newest first, alongside
// the total row count matching the same filter (ignoring Limit/Offset) so
// callers can page. Region is resolved via a join against nodes, since
// samples themselves carry no geo columns.
func (s *Store) QuerySamples(ctx context.Context, f SampleFilter) ([]model.Sample, int, error) {
	where := "WHERE 1=1"
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.NodeID != "" {
		where += " AND samples.node_id = " + arg(f.NodeID)
	}
	if f.Region != "" {
		where += " AND nodes.region = " + arg(f.Region)
	}
	if !f.Since.IsZero() {
		where += " AND samples.time >= " + arg(f.Since)
	}
	if !f.Until.IsZero() {
		where += " AND samples.time <= " + arg(f.Until)
	}

	countQ := "SELECT count(*) FROM samples JOIN nodes ON nodes.node_id = samples.node_id " + where
	var total int
	if err := s.pool.QueryRowContext(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count samples: %w", err)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	selectQ := fmt.Sprintf(
		`SELECT samples.time, samples.node_id, samples.latency_ms, samples.uptime_pct,
		        samples.packet_loss, samples.target_host, samples.probe_type, samples.metadata
		 FROM samples JOIN nodes ON nodes.node_id = samples.node_id
		 %s ORDER BY samples.time DESC LIMIT %s OFFSET %s`,
		where, arg(limit), arg(f.Offset))
	rows, err := s.pool.QueryContext(ctx, selectQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query samples: %w", err)
	}
	defer rows.Close()

	var out []model.Sample
	for rows.Next() {
		var sample model.Sample
		var metadata []byte
		if err := rows.Scan(&sample.Timestamp, &sample.NodeID, &sample.LatencyMS, &sample.UptimePct,
			&sample.PacketLossPct, &sample.TargetHost, &sample.ProbeType, &metadata); err != nil {
			return nil, 0, fmt.Errorf("storage: scan sample row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &sample.Metadata); err != nil {
				return nil, 0, fmt.Errorf("storage: decode metadata for sample %s@%s: %w", sample.NodeID, sample.Timestamp, err)
			}
		}
		out = append(out, sample)
	}
	return out, total, rows.Err()
}

func (s *Store) recordConflicts(ctx context.Context, tx *sql.Tx, conflicts []model.ConflictRecord) error {
	if len(conflicts) == 0 {
		return nil
	}
	const q = `INSERT INTO conflicts (time, node_id, payload, conflict_at, ingest_region) VALUES ($1, $2, $3, $4, $5)`
	for _, c := range conflicts {
		payload, err := marshalPayload(c.Payload)
		if err != nil {
			return fmt.Errorf("storage: encode conflict payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, q, c.Time, c.NodeID, payload, c.ConflictAt, c.IngestRegion); err != nil {
			return fmt.Errorf("storage: record conflict %s@%s: %w", c.NodeID, c.Time, err)
		}
	}
	return nil
}
