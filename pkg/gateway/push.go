package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// handlePush implements POST /push (spec.md §4.2, §6): single-sample
// ingest, auth -> size gate -> validate -> rate limit -> enqueue -> respond.
// Idempotency does not apply to /push (no X-Batch-ID on a single sample).
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	route := "push"
	start := time.Now()
	defer func() { s.observe(route, w, start) }()

	tok, authErr := s.authenticate(r)
	if authErr != nil {
		writeAPIError(w, authErr)
		return
	}
	if gateErr := s.checkAcceptGate(); gateErr != nil {
		writeAPIError(w, gateErr)
		return
	}

	var sample model.Sample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeAPIError(w, apierr.ErrPayloadTooLarge)
			return
		}
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", "invalid JSON body"))
		return
	}
	if err := validateSample(&sample); err != nil {
		writeAPIError(w, apierr.New(apierr.KindMalformedInput, "malformed_batch", err.Error()))
		return
	}
	sample.Clip()

	if global, err := s.allowGlobal(r.Context(), 1); err != nil || !global.Allowed {
		s.denyRateLimit(w, route, global)
		return
	}

	result, err := s.pushLimiter.Allow(r.Context(), tok.Subject, 1, time.Now())
	if err != nil || !result.Allowed {
		s.denyRateLimit(w, route, result)
		return
	}
	setRateLimitHeaders(w, result)

	if degraded := s.checkDLQDegraded(r); degraded != nil {
		writeAPIError(w, degraded)
		return
	}

	traceID := traceIDFromContext(r.Context())
	item := model.QueueItem{
		Sample: sample,
		Meta: model.QueueMeta{
			TraceID:      traceID,
			IngestRegion: sample.Region,
			IngestTS:     time.Now().UTC(),
		},
	}
	if err := s.queue.Enqueue(r.Context(), item); err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"message_id": uuid.NewString(),
	})
}

// checkDLQDegraded implements the optional back-pressure hook from spec.md
// §4.4 "Back-pressure": when DLQ depth reaches the configured threshold,
// the gateway degrades its accept rate by rejecting new writes outright.
func (s *Server) checkDLQDegraded(r *http.Request) *apierr.Error {
	if s.opts.DegradeOnDLQDepth <= 0 || s.dlq == nil {
		return nil
	}
	depth, err := s.dlq.Depth(r.Context())
	if err != nil {
		return nil // fail open on the advisory check itself
	}
	if depth >= s.opts.DegradeOnDLQDepth {
		return apierr.ErrDegradedDLQ
	}
	return nil
}
