package etl

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

// WorkerConfig tunes one ETL worker's batch size, idle backoff, retry
// budget, and heartbeat cadence (spec.md §4.4).
type WorkerConfig struct {
	BatchSize      int
	IdleBackoff    time.Duration
	MaxRetries     int
	RetryBackoffBase time.Duration
	HeartbeatEvery time.Duration
}

// DefaultWorkerConfig returns spec.md §4.4's stated defaults: batch_size
// 100, idle_backoff 200ms, 5 retries with exponential backoff, heartbeat
// every 10s.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		BatchSize:        100,
		IdleBackoff:      queue.IdleBackoff,
		MaxRetries:       5,
		RetryBackoffBase: 1 * time.Second,
		HeartbeatEvery:   10 * time.Second,
	}
}

// Heartbeat is the per-worker liveness/progress record spec.md §4.4 step 6
// asks for, consumable by status endpoints.
type Heartbeat struct {
	WorkerID       string
	InFlight       int
	LastProcessed  time.Time
	EmittedAt      time.Time
}

// Worker drains the queue, normalizes and persists batches, and routes
// unrecoverable failures to the dead-letter queue. Grounded on
// strand-cloud/pkg/controller/reconciler.go's Start(ctx)/select loop shape,
// same as pkg/federation.Forwarder.
type Worker struct {
	id      string
	q       queue.Queue
	dlq     queue.DeadLetterQueue
	store   *storage.Store
	metrics *observability.Metrics
	cfg     WorkerConfig

	heartbeats chan Heartbeat
}

// NewWorker builds a Worker. heartbeats may be nil if the caller doesn't
// need to observe them (e.g. tests).
func NewWorker(id string, q queue.Queue, dlq queue.DeadLetterQueue, store *storage.Store, metrics *observability.Metrics, cfg WorkerConfig, heartbeats chan Heartbeat) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{id: id, q: q, dlq: dlq, store: store, metrics: metrics, cfg: cfg, heartbeats: heartbeats}
}

// Run drives the batch-pop/persist/ack loop until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log := logging.WithComponent("etl").With().Str("worker", w.id).Logger()
	log.Info().Msg("worker started")

	lastHeartbeat := time.Now()
	var lastProcessed time.Time

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("worker stopped")
			return
		default:
		}

		popped, err := w.q.PopBatch(ctx, w.cfg.BatchSize)
		if err != nil {
			log.Warn().Err(err).Msg("pop batch failed")
			time.Sleep(w.cfg.IdleBackoff)
			continue
		}
		if len(popped) == 0 {
			time.Sleep(w.cfg.IdleBackoff)
		} else {
			lastProcessed = w.processBatch(ctx, popped)
		}

		if time.Since(lastHeartbeat) >= w.cfg.HeartbeatEvery {
			w.emitHeartbeat(len(popped), lastProcessed)
			lastHeartbeat = time.Now()
		}
	}
}

func (w *Worker) emitHeartbeat(inFlight int, lastProcessed time.Time) {
	hb := Heartbeat{WorkerID: w.id, InFlight: inFlight, LastProcessed: lastProcessed, EmittedAt: time.Now()}
	logging.WithComponent("etl").Debug().Str("worker", w.id).Time("last_processed", lastProcessed).Msg("heartbeat")
	if w.heartbeats != nil {
		select {
		case w.heartbeats <- hb:
		default:
		}
	}
}

// processBatch normalizes, upserts affected nodes, and persists a popped
// batch with retry-then-DLQ semantics (spec.md §4.4 steps 2-5).
func (w *Worker) processBatch(ctx context.Context, popped []queue.PoppedItem) time.Time {
	samples := make([]model.Sample, 0, len(popped))
	ingestRegion := ""
	var maxTS time.Time
	for _, p := range popped {
		s := normalize(p.Item.Sample)
		samples = append(samples, s)
		if p.Item.Meta.IngestRegion != "" {
			ingestRegion = p.Item.Meta.IngestRegion
		}
		if s.Timestamp.After(maxTS) {
			maxTS = s.Timestamp
		}
	}

	if err := w.ensureNodes(ctx, samples, maxTS); err != nil {
		logging.WithComponent("etl").Error().Err(err).Msg("node upsert failed")
	}

	if err := w.persistWithRetry(ctx, samples, ingestRegion); err != nil {
		logging.WithComponent("etl").Error().Err(err).Int("count", len(popped)).Msg("persist exhausted retries, routing to DLQ")
		w.routeToDLQ(ctx, popped, err)
		_ = w.q.Ack(ctx, handles(popped)) // DLQ now owns these; don't redeliver forever
		return maxTS
	}

	if err := w.q.Ack(ctx, handles(popped)); err != nil {
		logging.WithComponent("etl").Error().Err(err).Msg("ack after persist failed")
	}
	if w.metrics != nil {
		w.metrics.ETLBatchesTotal.Inc()
		w.metrics.ETLSamplesTotal.Add(float64(len(samples)))
	}
	return maxTS
}

// ensureNodes upserts one registry row per distinct node_id in the batch,
// bumping last_seen_at to max(existing, batch_max_ts) without overwriting
// operator-set fields (spec.md §4.4 step 3).
func (w *Worker) ensureNodes(ctx context.Context, samples []model.Sample, batchMaxTS time.Time) error {
	seen := make(map[string]model.Sample)
	for _, s := range samples {
		if _, ok := seen[s.NodeID]; !ok {
			seen[s.NodeID] = s
		}
	}

	for nodeID, s := range seen {
		existing, err := w.store.GetNode(ctx, nodeID)
		if err != nil {
			return fmt.Errorf("etl: lookup node %s: %w", nodeID, err)
		}

		node := model.Node{
			NodeID:     nodeID,
			Country:    s.Country,
			Region:     s.Region,
			Status:     model.NodeReporting,
			LastSeenAt: batchMaxTS,
		}
		if existing != nil {
			node.Country = existing.Country
			node.Region = existing.Region
			node.Lat = existing.Lat
			node.Lng = existing.Lng
			if existing.Status == model.NodeDeleted {
				node.Status = existing.Status
			}
			if existing.LastSeenAt.After(batchMaxTS) {
				node.LastSeenAt = existing.LastSeenAt
			}
		}
		if err := w.store.UpsertNode(ctx, node); err != nil {
			return err
		}
	}
	return nil
}

// persistWithRetry retries PersistBatch up to cfg.MaxRetries times with
// exponential backoff before giving up (spec.md §4.4 step 5: "storage
// error persisting >= 5 retries with exponential backoff").
func (w *Worker) persistWithRetry(ctx context.Context, samples []model.Sample, ingestRegion string) error {
	var lastErr error
	for attempt := 0; attempt <= w.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(math.Pow(2, float64(attempt-1))) * w.cfg.RetryBackoffBase
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		result, err := w.store.PersistBatch(ctx, samples, ingestRegion)
		if err == nil {
			if w.metrics != nil && len(result.Conflicts) > 0 {
				w.metrics.ConflictsTotal.Add(float64(len(result.Conflicts)))
			}
			return nil
		}
		lastErr = err
		logging.WithComponent("etl").Warn().Err(err).Int("attempt", attempt).Msg("persist attempt failed")
	}
	return fmt.Errorf("etl: persist failed after %d attempts: %w", w.cfg.MaxRetries+1, lastErr)
}

func (w *Worker) routeToDLQ(ctx context.Context, popped []queue.PoppedItem, cause error) {
	for _, p := range popped {
		item := model.DLQItem{
			Item:     p.Item,
			Error:    cause.Error(),
			FailedAt: time.Now(),
			Attempts: w.cfg.MaxRetries + 1,
		}
		if err := w.dlq.Push(ctx, item); err != nil {
			logging.WithComponent("etl").Error().Err(err).Msg("dlq push failed, item dropped")
			continue
		}
		if w.metrics != nil {
			w.metrics.DLQRoutedTotal.Inc()
		}
	}
}

func handles(popped []queue.PoppedItem) []string {
	out := make([]string, len(popped))
	for i, p := range popped {
		out[i] = p.Handle
	}
	return out
}
