package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
	"github.com/Nathan0299/FiberStack-Lite/pkg/storage"
)

// Store is the slice of the storage layer the gateway needs directly: the
// samples read path (spec.md §6 "Read path, paged, filtered") plus the
// node-lifecycle admin actions (spec.md §3 "privileged action: node
// create/delete"). Declared here rather than depending on *storage.Store's
// full surface so a relay, which has no database of its own, can leave it
// nil.
type Store interface {
	QuerySamples(ctx context.Context, f storage.SampleFilter) ([]model.Sample, int, error)
	UpsertNode(ctx context.Context, node model.Node) error
	SoftDeleteNode(ctx context.Context, nodeID string) error
}

// ErrReadPathUnavailable is returned when a relay (which has no storage
// backing) receives a GET /metrics or node-admin request; only the central
// gateway can serve reads and admin writes (spec.md §8 I-Central-Writer's
// counterpart on both the read and admin sides).
var ErrReadPathUnavailable = apierr.New(apierr.KindTransientBackendFailure, "read_path_unavailable", "this instance does not serve the metrics read path")

const maxMetricsPageSize = 1000

// handleMetricsRead serves the paged, filtered samples read path. Query
// parameters: node_id, region, since, until (RFC3339), limit, offset.
func (s *Server) handleMetricsRead(w http.ResponseWriter, r *http.Request) {
	if _, apiErr := s.authenticate(r); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	if s.store == nil {
		writeAPIError(w, ErrReadPathUnavailable)
		return
	}

	q := r.URL.Query()
	filter := storage.SampleFilter{
		NodeID: q.Get("node_id"),
		Region: q.Get("region"),
		Limit:  100,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxMetricsPageSize {
			writeAPIError(w, apierr.New(apierr.KindMalformedInput, "bad_limit", "limit must be an integer in 1..1000"))
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeAPIError(w, apierr.New(apierr.KindMalformedInput, "bad_offset", "offset must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAPIError(w, apierr.New(apierr.KindMalformedInput, "bad_since", "since must be RFC3339"))
			return
		}
		filter.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeAPIError(w, apierr.New(apierr.KindMalformedInput, "bad_until", "until must be RFC3339"))
			return
		}
		filter.Until = t
	}

	samples, total, err := s.store.QuerySamples(r.Context(), filter)
	if err != nil {
		writeAPIError(w, apierr.ErrUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": map[string]any{
			"metrics": samples,
			"total":   total,
			"limit":   filter.Limit,
			"offset":  filter.Offset,
		},
	})
}
