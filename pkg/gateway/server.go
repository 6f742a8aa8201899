// Package gateway implements the ingestion gateway: the HTTP surface that
// authenticates, validates, idempotency-checks, rate-limits, and enqueues
// every incoming sample or batch. Server construction and lifecycle follow
// nexus-cloud/pkg/apiserver/server.go's shape (one *http.Server behind a
// mux, middleware applied once at construction, ListenAndServe/
// GracefulShutdown pair).
package gateway

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/apierr"
	"github.com/Nathan0299/FiberStack-Lite/pkg/audit"
	"github.com/Nathan0299/FiberStack-Lite/pkg/idempotency"
	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
	"github.com/Nathan0299/FiberStack-Lite/pkg/observability"
	"github.com/Nathan0299/FiberStack-Lite/pkg/queue"
	"github.com/Nathan0299/FiberStack-Lite/pkg/ratelimit"
)

// Options configures a Server. Mirrors ServerOptions from the teacher's
// apiserver package (timeouts as tunables, everything else wired
// explicitly rather than through a generic options bag).
type Options struct {
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// IdempotencyTTL is the X-Batch-ID retention window (spec.md §4.2 step 4).
	IdempotencyTTL time.Duration

	// PushRate/PushBurst and IngestRate/IngestBurst are the per-probe and
	// per-relay token-bucket parameters (spec.md §6 rate-limit defaults).
	PushRate    float64
	PushBurst   float64
	IngestRate  float64
	IngestBurst float64

	// GlobalRate/GlobalBurst bound total accepted samples per second across
	// every probe and relay combined, on top of the per-identity buckets
	// (spec.md §4.5's optional "global cap" bucket). GlobalRate <= 0
	// disables the bucket entirely.
	GlobalRate  float64
	GlobalBurst float64

	// DegradeOnDLQDepth: when > 0 and the DLQ depth meets or exceeds it, the
	// gateway rejects new writes with 503 (see DESIGN.md's open-question
	// decisions).
	DegradeOnDLQDepth int64

	// AcceptGate, consulted by handlePush/handleIngest right after auth,
	// gates whether this instance currently accepts new writes; a false
	// return rejects the request with 503. nil means always accept (the
	// central gateway's case). The regional relay wires this to its
	// federation.Forwarder.AcceptsWrites so spec.md §4.3's DEGRADED_FULL
	// row ("reject new samples with 503; continue drain attempts") is
	// actually enforced once the relay's buffer crosses the high-water
	// mark.
	AcceptGate func() bool

	// FederationStatus, if set, overrides the default GET
	// /federation/status body. nil serves the central gateway's fixed
	// {"role":"central"} response; the relay passes a callback reporting
	// its live forwarder state machine (spec.md §4.3).
	FederationStatus func() map[string]any

	// IsRevoked, consulted by authenticate after signature/expiry checks
	// pass, lets a caller holding the issuing Authority in-process reject
	// a token whose subject has been revoked (spec.md §3 "revocable
	// tokens"). nil skips the check — the case for a relay, which only
	// holds the authority's public key and has no access to its
	// revocation set.
	IsRevoked func(subject string) bool
}

// DefaultOptions returns the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		ReadTimeout:    15 * time.Second,
		WriteTimeout:   15 * time.Second,
		IdleTimeout:    60 * time.Second,
		IdempotencyTTL: time.Hour,
		PushRate:       100.0 / 60.0,
		PushBurst:      100,
		IngestRate:     50.0 / 60.0,
		IngestBurst:    50,
	}
}

// Server is the ingestion gateway HTTP API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux

	queue    queue.Queue
	dlq      queue.DeadLetterQueue
	idemIdx  idempotency.Index
	auditLog audit.Log
	metrics  *observability.Metrics
	authPub  ed25519.PublicKey

	// store backs GET /metrics and the node-admin endpoints; nil on a
	// relay, which has no database of its own (spec.md §8 I-Central-Writer).
	store Store

	pushLimiter   *ratelimit.Limiter
	ingestLimiter *ratelimit.Limiter
	globalLimiter *ratelimit.Limiter

	opts Options

	startedAt time.Time
}

// NewServer wires a Server against its dependencies. authPub is the
// authority's public key used to verify probe/relay bearer tokens locally
// (spec.md §4.3: "regionals validate probe tokens... using the same public
// key").
func NewServer(
	q queue.Queue,
	dlq queue.DeadLetterQueue,
	idemIdx idempotency.Index,
	auditLog audit.Log,
	rlBackend ratelimit.Backend,
	metrics *observability.Metrics,
	authPub ed25519.PublicKey,
	store Store,
	opts Options,
) *Server {
	srv := &Server{
		mux:           http.NewServeMux(),
		queue:         q,
		dlq:           dlq,
		idemIdx:       idemIdx,
		auditLog:      auditLog,
		metrics:       metrics,
		authPub:       authPub,
		store:         store,
		pushLimiter:   ratelimit.New(rlBackend, opts.PushRate, opts.PushBurst, 10*time.Minute),
		ingestLimiter: ratelimit.New(rlBackend, opts.IngestRate, opts.IngestBurst, 10*time.Minute),
		opts:          opts,
		startedAt:     time.Now(),
	}
	if opts.GlobalRate > 0 {
		srv.globalLimiter = ratelimit.New(rlBackend, opts.GlobalRate, opts.GlobalBurst, 10*time.Minute)
	}
	srv.registerRoutes()
	handler := srv.applyMiddleware(srv.mux)
	srv.httpServer = &http.Server{
		Handler:      handler,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
		IdleTimeout:  opts.IdleTimeout,
	}
	return srv
}

// globalBucketKey is the single shared bucket key the optional global
// limiter runs against, distinct from any real probe/relay subject.
const globalBucketKey = "__global__"

// checkAcceptGate consults Options.AcceptGate. A nil gate always accepts.
func (s *Server) checkAcceptGate() *apierr.Error {
	if s.opts.AcceptGate != nil && !s.opts.AcceptGate() {
		return apierr.ErrUnavailable
	}
	return nil
}

// allowGlobal checks the optional global cap bucket ahead of the
// per-identity limiter. A nil globalLimiter (GlobalRate <= 0) always
// allows, matching spec.md §4.5's "MAY" on this bucket.
func (s *Server) allowGlobal(ctx context.Context, requested float64) (ratelimit.Result, error) {
	if s.globalLimiter == nil {
		return ratelimit.Result{Allowed: true}, nil
	}
	return s.globalLimiter.Allow(ctx, globalBucketKey, requested, time.Now())
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer.Addr = addr
	logging.Logger.Info().Str("addr", addr).Msg("ingestion gateway listening")
	return s.httpServer.ListenAndServe()
}

// GracefulShutdown drains in-flight requests before returning.
func (s *Server) GracefulShutdown(ctx context.Context) error {
	logging.Logger.Info().Msg("ingestion gateway shutting down")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root http.Handler, for httptest-based tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// PrometheusHandler returns the scrape endpoint for this server's metrics,
// meant to be served on a separate internal listener rather than mounted on
// the public API mux (cuemby-warren/pkg/metrics/doc.go's ":9090" pattern) —
// spec.md §6's `GET /metrics` is the paged samples read path, a distinct
// endpoint from the Prometheus scrape target.
func (s *Server) PrometheusHandler() http.Handler {
	return s.metrics.Handler()
}
