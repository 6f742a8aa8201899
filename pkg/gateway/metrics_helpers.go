package gateway

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/ratelimit"
)

// observe records request count and latency for route, reading the status
// code back off a shadow responseWriter isn't available here since routes
// call writeJSON directly; instead each handler is expected to have already
// written a response by the time observe runs, so this only measures
// latency and increments a generic completion counter.
func (s *Server) observe(route string, _ http.ResponseWriter, start time.Time) {
	s.metrics.ResponseLatency.WithLabelValues(route).Observe(time.Since(start).Seconds())
	s.metrics.RequestsTotal.WithLabelValues(route, "completed").Inc()
}

// setRateLimitHeaders sets the headers required on every write per spec.md
// §6: "X-RateLimit-Remaining, X-RateLimit-Reset".
func setRateLimitHeaders(w http.ResponseWriter, result ratelimit.Result) {
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%.0f", result.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetAt.Unix(), 10))
}

// denyRateLimit writes the 429 response with Retry-After, per spec.md §4.2
// step 5.
func (s *Server) denyRateLimit(w http.ResponseWriter, route string, result ratelimit.Result) {
	s.metrics.RateLimitDenied.WithLabelValues(route).Inc()
	setRateLimitHeaders(w, result)
	if result.RetryAfter > 0 {
		w.Header().Set("Retry-After", ratelimit.FormatRetryAfter(result.RetryAfter))
	}
	writeAPIError(w, apierr.ErrRateLimited)
}
