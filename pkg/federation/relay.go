// Package federation implements the regional relay: a gateway-shaped
// front door that buffers probe batches locally and forwards them to the
// central gateway, degrading gracefully when central is unreachable
// (spec.md §4.3).
package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
)

// State is one of the three forwarder states from spec.md §4.3's state
// machine table.
type State int

const (
	Forwarding State = iota
	Buffering
	DegradedFull
)

func (s State) String() string {
	switch s {
	case Forwarding:
		return "FORWARDING"
	case Buffering:
		return "BUFFERING"
	case DegradedFull:
		return "DEGRADED_FULL"
	default:
		return "UNKNOWN"
	}
}

// Config tunes the forwarder's thresholds and timings.
type Config struct {
	// CentralURL is the central gateway's base URL; "/ingest" and "/status"
	// are appended to it.
	CentralURL string
	// UnreachableThreshold is the number of consecutive forward failures
	// before transitioning FORWARDING -> BUFFERING.
	UnreachableThreshold int
	// HighWater/LowWater are buffer depth thresholds gating
	// BUFFERING <-> DEGRADED_FULL (spec.md §4.3 table).
	HighWater int64
	LowWater  int64
	// DrainBatchSize/DrainInterval control the forward loop's cadence.
	DrainBatchSize int
	DrainInterval  time.Duration
	// ProbeInterval is not read by the forwarder: while BUFFERING, the
	// health probe runs on every DrainInterval tick.
	ProbeInterval time.Duration
}

// DefaultConfig returns sane defaults.
func DefaultConfig(centralURL string) Config {
	return Config{
		CentralURL:            centralURL,
		UnreachableThreshold:  3,
		HighWater:             100000,
		LowWater:              50000,
		DrainBatchSize:        model.MaxBatchSamples,
		DrainInterval:         2 * time.Second,
		ProbeInterval:         10 * time.Second,
	}
}

// Forwarder is the regional relay's background loop, following
// strand-cloud/pkg/controller/reconciler.go's Start(ctx)/ticker/select
// shape, adapted from firmware reconciliation to a health-driven state
// machine.
type Forwarder struct {
	mu    sync.RWMutex
	state State

	buffer   queue.Queue
	dlq      queue.DeadLetterQueue
	client   *http.Client
	cfg      Config
	metrics  *observability.Metrics
	bearerFn func() (string, error)

	consecutiveFailures int
}

// NewForwarder builds a Forwarder over buffer (the regional durable queue,
// expected to be an *queue.EtcdQueue so it survives restart per spec.md
// §4.3: "regional buffer MUST survive process restart for up to 24h"). dlq
// receives batches central permanently rejects (see forward/drainOnce) so a
// bad token or a validation failure doesn't spin forever or silently drop
// data; it may be nil, in which case rejected batches are logged and
// dropped. bearerFn supplies a fresh signed bearer token for each central
// request.
func NewForwarder(buffer queue.Queue, dlq queue.DeadLetterQueue, cfg Config, metrics *observability.Metrics, bearerFn func() (string, error)) *Forwarder {
	return &Forwarder{
		state:    Forwarding,
		buffer:   buffer,
		dlq:      dlq,
		client:   &http.Client{Timeout: 10 * time.Second},
		cfg:      cfg,
		metrics:  metrics,
		bearerFn: bearerFn,
	}
}

// State reports the forwarder's current state.
func (f *Forwarder) State() State {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.state
}

// AcceptsWrites reports whether the relay should accept new probe pushes
// into its buffer (false only in DEGRADED_FULL per spec.md §4.3).
func (f *Forwarder) AcceptsWrites() bool {
	return f.State() != DegradedFull
}

// Start runs the forward/health-probe loop until ctx is cancelled.
func (f *Forwarder) Start(ctx context.Context) {
	ticker := time.NewTicker(f.cfg.DrainInterval)
	defer ticker.Stop()
	logging.WithComponent("federation").Info().Msg("forwarder started")
	for {
		select {
		case <-ctx.Done():
			logging.WithComponent("federation").Info().Msg("forwarder stopped")
			return
		case <-ticker.C:
			f.tick(ctx)
		}
	}
}

func (f *Forwarder) tick(ctx context.Context) {
	depth, err := f.buffer.Depth(ctx)
	if err != nil {
		logging.WithComponent("federation").Warn().Err(err).Msg("buffer depth check failed")
		return
	}
	f.updateWaterMarks(depth)

	state := f.State()
	if f.metrics != nil {
		f.metrics.FederationState.Set(float64(state))
	}

	switch state {
	case Forwarding:
		f.drainOnce(ctx)
	case Buffering:
		f.healthProbe(ctx)
	case DegradedFull:
		f.drainOnce(ctx) // continue drain attempts even while rejecting writes
	}
}

// updateWaterMarks applies the DEGRADED_FULL <-> BUFFERING transitions from
// the spec.md §4.3 table, independent of forward success/failure.
func (f *Forwarder) updateWaterMarks(depth int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case depth >= f.cfg.HighWater && f.state != DegradedFull:
		f.state = DegradedFull
		logging.WithComponent("federation").Warn().Int64("depth", depth).Msg("buffer high-water reached, degrading")
	case depth < f.cfg.LowWater && f.state == DegradedFull:
		f.state = Buffering
		logging.WithComponent("federation").Info().Int64("depth", depth).Msg("buffer below low-water, resuming buffering")
	}
}

// drainOnce pops up to DrainBatchSize items and forwards them to central.
// On repeated failure it transitions FORWARDING -> BUFFERING per the state
// table's "N consecutive attempts" rule. It never leaves DEGRADED_FULL
// itself: updateWaterMarks does that once depth falls below LowWater.
func (f *Forwarder) drainOnce(ctx context.Context) {
	popped, err := f.buffer.PopBatch(ctx, f.cfg.DrainBatchSize)
	if err != nil || len(popped) == 0 {
		return
	}

	samples := make([]model.Sample, 0, len(popped))
	for _, p := range popped {
		samples = append(samples, p.Item.Sample)
	}

	batchID := fmt.Sprintf("relay-%d", time.Now().UnixNano())
	err = f.forward(ctx, batchID, samples)
	var rejected *errRejected
	switch {
	case err == nil:
		if err := f.buffer.Ack(ctx, handles(popped)); err != nil {
			logging.WithComponent("federation").Error().Err(err).Msg("ack after successful forward")
		}
		f.recordSuccess()

	case errors.As(err, &rejected):
		// Central permanently rejected this batch (bad token, validation
		// failure): retrying won't help and holding it in the buffer would
		// block every batch behind it, so it's dead-lettered instead of
		// dropped (spec.md §4.3's durable-buffer guarantee is "eventually
		// delivered or accounted for", not "silently discarded").
		logging.WithComponent("federation").Error().Err(err).Msg("central rejected batch, dead-lettering")
		f.deadLetter(ctx, popped, err)
		if err := f.buffer.Ack(ctx, handles(popped)); err != nil {
			logging.WithComponent("federation").Error().Err(err).Msg("ack after dead-lettering rejected batch")
		}
		f.recordSuccess() // a rejection isn't an unreachability signal

	default:
		logging.WithComponent("federation").Warn().Err(err).Msg("forward to central failed")
		if err := f.buffer.Nack(ctx, handles(popped)); err != nil {
			logging.WithComponent("federation").Error().Err(err).Msg("nack after failed forward")
		}
		f.recordFailure()
	}
}

// deadLetter pushes each popped item to the relay's DLQ, best-effort; a
// failure here is logged rather than propagated since the caller still
// needs to Ack the batch out of the live buffer either way.
func (f *Forwarder) deadLetter(ctx context.Context, popped []queue.PoppedItem, cause error) {
	if f.dlq == nil {
		return
	}
	for _, p := range popped {
		item := model.DLQItem{
			Item:     p.Item,
			Error:    cause.Error(),
			FailedAt: time.Now().UTC(),
			Attempts: 1,
		}
		if err := f.dlq.Push(ctx, item); err != nil {
			logging.WithComponent("federation").Error().Err(err).Str("node_id", p.Item.Sample.NodeID).Msg("failed to dead-letter rejected sample")
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

// healthProbe checks central's reachability while BUFFERING with a GET of
// central's /status; any response below 500 counts as a success.
func (f *Forwarder) healthProbe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.CentralURL+"/status", nil)
	if err != nil {
		return
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 500 {
		f.recordSuccess()
	}
}

func (f *Forwarder) forward(ctx context.Context, batchID string, samples []model.Sample) error {
	bearer, err := f.bearerFn()
	if err != nil {
		return fmt.Errorf("federation: sign forward request: %w", err)
	}

	body, err := json.Marshal(struct {
		Samples []model.Sample `json:"samples"`
	}{Samples: samples})
	if err != nil {
		return fmt.Errorf("federation: encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.CentralURL+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("federation: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Batch-ID", batchID)

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("federation: forward request: %w", err)
	}
	defer resp.Body.Close()

	// 2xx and 409 (idempotent duplicate) both count as delivered. Any other
	// 4xx (expired/misconfigured relay token -> 401, a validation
	// rejection -> 400, ...) is permanent: retrying the exact same batch
	// will never succeed, so it's reported as a rejection rather than a
	// transient failure. 5xx and everything else is transient and gets
	// retried via Nack.
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &errRejected{status: resp.StatusCode}
	default:
		return fmt.Errorf("federation: central returned %d", resp.StatusCode)
	}
}

// errRejected marks a forward attempt central refused permanently (a 4xx
// other than 409). Distinguishing this from a transient failure lets
// drainOnce dead-letter the batch instead of Nacking it back onto the head
// of the buffer forever.
type errRejected struct{ status int }

func (e *errRejected) Error() string {
	return fmt.Sprintf("federation: central rejected batch with %d", e.status)
}

func (f *Forwarder) recordFailure() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutiveFailures++
	if f.state == Forwarding && f.consecutiveFailures >= f.cfg.UnreachableThreshold {
		f.state = Buffering
		logging.WithComponent("federation").Warn().Msg("central unreachable, entering BUFFERING")
	}
}

func (f *Forwarder) recordSuccess() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consecutiveFailures = 0
	if f.state == Buffering {
		f.state = Forwarding
		logging.WithComponent("federation").Info().Msg("central reachable again, resuming FORWARDING")
	}
}
