package gateway

import (
	"fmt"
	"regexp"

	"github.com/Nathan0299/FiberStack-Lite/pkg/model"
)

// countryPattern matches spec.md §3's country invariant: an ISO-3166 alpha-2
// code, uppercase only ("GH" accepted; "GHA" or "gh" rejected).
var countryPattern = regexp.MustCompile(`^[A-Z]{2}$`)

// validateSample checks a single sample's bounds and required fields
// (spec.md §4.2 step 3: "Per-sample bounds and type checks (ranges from
// §3)"), following the field-by-field style of
// strand-cloud/pkg/apiserver/validate.go's ValidateNode/ValidateRoute.
func validateSample(s *model.Sample) error {
	if s.NodeID == "" {
		return fmt.Errorf("node_id is required")
	}
	if s.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	if !countryPattern.MatchString(s.Country) {
		return fmt.Errorf("country must be a two-letter uppercase code, got %q", s.Country)
	}
	if !s.InBounds() {
		return fmt.Errorf("sample for node %q has out-of-bounds latency_ms/uptime_pct/packet_loss", s.NodeID)
	}
	if len(s.NodeID) > 253 {
		return fmt.Errorf("node_id exceeds 253 characters")
	}
	return nil
}

// validateBatch checks batch-level constraints (spec.md §6: "batch
// cardinality <= 1000") and every sample within it. The first offending
// sample aborts the whole batch, per spec.md §4.2 step 3.
func validateBatch(samples []model.Sample) error {
	if len(samples) == 0 {
		return fmt.Errorf("batch must contain at least one sample")
	}
	if len(samples) > model.MaxBatchSamples {
		return fmt.Errorf("batch exceeds %d samples", model.MaxBatchSamples)
	}
	for i, s := range samples {
		if err := validateSample(&s); err != nil {
			return fmt.Errorf("sample[%d]: %w", i, err)
		}
	}
	return nil
}
