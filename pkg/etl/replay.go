package etl

import (
	"context"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

// ReplayResult tallies one ReplayAll run.
type ReplayResult struct {
	Replayed   int
	Quarantined int
	Conflicts  int
}

// Replayer drains the dead-letter queue back through storage, the `etl
// requeue-dlq` operational command referenced in spec.md §4.4 step 5.
// Grounded on original_source/scripts/replay_dlq.py's batch-drain,
// health-gated-backoff, quarantine-bad-items shape, adapted from a
// standalone Elasticsearch bulk-loader to draining straight back into
// storage.PersistBatch.
type Replayer struct {
	dlq     queue.DeadLetterQueue
	store   *storage.Store
	metrics *observability.Metrics
}

// NewReplayer builds a Replayer.
func NewReplayer(dlq queue.DeadLetterQueue, store *storage.Store, metrics *observability.Metrics) *Replayer {
	return &Replayer{dlq: dlq, store: store, metrics: metrics}
}

// ReplayAll drains the DLQ in batches of batchSize, persisting each batch
// once, with a fixed inter-batch delay so a persistently unhealthy store
// doesn't spin the replay loop. A batch that fails to persist is pushed
// back onto the DLQ with Attempts incremented and counted as Quarantined
// instead of being dropped, mirroring replay_dlq.py's quarantine file for
// unparseable lines.
func (r *Replayer) ReplayAll(ctx context.Context, batchSize int, delay time.Duration) (ReplayResult, error) {
	var result ReplayResult
	log := logging.WithComponent("etl")

	for {
		items, err := r.dlq.Drain(ctx, batchSize)
		if err != nil {
			return result, err
		}
		if len(items) == 0 {
			return result, nil
		}

		samples := make([]model.Sample, 0, len(items))
		for _, item := range items {
			samples = append(samples, normalize(item.Item.Sample))
		}

		res, err := r.store.PersistBatch(ctx, samples, "")
		if err != nil {
			log.Warn().Err(err).Int("count", len(items)).Msg("replay batch failed, requeuing to dlq")
			for _, item := range items {
				item.Attempts++
				if pushErr := r.dlq.Push(ctx, item); pushErr != nil {
					log.Error().Err(pushErr).Msg("failed to requeue item after replay failure")
				}
			}
			result.Quarantined += len(items)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		result.Replayed += len(samples) - len(res.Conflicts)
		result.Conflicts += len(res.Conflicts)
		if r.metrics != nil {
			r.metrics.ETLSamplesTotal.Add(float64(len(samples) - len(res.Conflicts)))
			r.metrics.ConflictsTotal.Add(float64(len(res.Conflicts)))
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
	}
}
