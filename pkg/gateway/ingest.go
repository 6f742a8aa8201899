package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/idempotency"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

type ingestRequest struct {
	Samples []model.Sample `json:"samples"`
}

// handleIngest implements POST /ingest (spec.md §4.2, §4.3, §6): batch
// ingest with mandatory X-Batch-ID, running the full seven-step pipeline in
// order.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	route := "ingest"
	start := time.Now()
	defer func() { s.observe(route, w, start) }()

	// Step 1: auth. Region claim checked against the declared source region.
	tok, authErr := s.authenticate(r)
	if authErr != nil {
		writeAPIError(w, authErr)
		return
	}
	if declared := r.Header.Get("X-Region-ID"); declared != "" && tok.Region != "" && declared != tok.Region {
		writeAPIError(w, apierr.ErrInvalidToken)
		return
	}
	if gateErr := s.checkAcceptGate(); gateErr != nil {
		writeAPIError(w, gateErr)
		return
	}

	// Step 2: size gate. A body over the limit surfaces as a
	// *http.MaxBytesError from the decoder.
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, apierr.ErrPayloadTooLarge)
			return
		}
		writeAPIError(w, apierr.ErrMalformedBatch)
		return
	}
	if len(req.Samples) > model.MaxBatchSamples {
		writeAPIError(w, apierr.ErrMalformedBatch)
		return
	}

	// Step 3: validation.
	if err := validateBatch(req.Samples); err != nil {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", err.Error()))
		return
	}

	batchID := r.Header.Get("X-Batch-ID")
	if batchID == "" {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", "X-Batch-ID header is required"))
		return
	}

	// Step 4: idempotency.
	existing, hit, err := s.idemIdx.CheckAndSet(r.Context(), batchID,
		idempotency.Record{EnqueuedCount: len(req.Samples), SeenAt: time.Now()},
		s.opts.IdempotencyTTL)
	if err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}
	if hit {
		writeJSON(w, http.StatusConflict, map[string]any{
			"status":    "accepted",
			"batch_id":  batchID,
			"enqueued":  existing.EnqueuedCount,
			"duplicate": true,
		})
		return
	}

	// Step 5: rate limit, keyed by probe/relay identity, plus the optional
	// global cap shared by every probe and relay (spec.md §4.5). The
	// idempotency record from step 4 is already durable at this point, so
	// any failure from here on must release it — otherwise a retried POST
	// after a non-2xx response would be told "already enqueued" for a batch
	// that never reached the queue.
	if global, err := s.allowGlobal(r.Context(), float64(len(req.Samples))); err != nil || !global.Allowed {
		s.releaseIdempotency(r, batchID)
		s.denyRateLimit(w, route, global)
		return
	}

	result, err := s.ingestLimiter.Allow(r.Context(), tok.Subject, float64(len(req.Samples)), time.Now())
	if err != nil || !result.Allowed {
		s.releaseIdempotency(r, batchID)
		s.denyRateLimit(w, route, result)
		return
	}
	setRateLimitHeaders(w, result)

	if degraded := s.checkDLQDegraded(r); degraded != nil {
		s.releaseIdempotency(r, batchID)
		writeAPIError(w, degraded)
		return
	}

	// Step 6: enqueue. Enqueue is the commit point; a failure here fails
	// closed per spec.md §4.2 "Failure semantics".
	traceID := traceIDFromContext(r.Context())
	sourceRegion := r.Header.Get("X-Region-ID")
	now := time.Now().UTC()
	for i := range req.Samples {
		req.Samples[i].Clip()
		item := model.QueueItem{
			Sample: req.Samples[i],
			Meta: model.QueueMeta{
				TraceID:      traceID,
				IngestRegion: sourceRegion,
				IngestTS:     now,
			},
		}
		if err := s.queue.Enqueue(r.Context(), item); err != nil {
			s.releaseIdempotency(r, batchID)
			writeAPIError(w, apierr.ErrUnavailable)
			return
		}
	}

	// Step 7: respond.
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id": batchID,
		"enqueued": len(req.Samples),
	})
}

// releaseIdempotency undoes step 4's CheckAndSet after a later pipeline
// step fails to commit the batch, so a client retry gets a fresh attempt
// instead of a false 409 claiming samples that were never queued.
// Best-effort: a failure here just leaves the record to expire on its TTL.
func (s *Server) releaseIdempotency(r *http.Request, batchID string) {
	if err := s.idemIdx.Release(r.Context(), batchID); err != nil {
		logging.Logger.Warn().Err(err).Str("batch_id", batchID).Msg("failed to release idempotency record")
	}
}
