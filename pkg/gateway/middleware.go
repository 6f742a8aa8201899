package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/Nathan0299/FiberStack-Lite/pkg/logging"
)

// contextKey is an unexported type for context keys in this package, per
// nexus-cloud/pkg/apiserver/middleware.go's convention.
type contextKey int

const traceIDContextKey contextKey = 1

// maxRequestBodyBytes is the wire limit from spec.md §6: "batch <= 10 MB".
const maxRequestBodyBytes = 10 * 1024 * 1024

// applyMiddleware wraps h with the standard chain. Order (outermost to
// innermost) follows nexus-cloud/pkg/apiserver/middleware.go's
// applyMiddleware, adapted: FiberMesh authenticates and rate-limits inside
// each handler (spec.md §4.2's pipeline is ordered per-request-type, not
// uniform across routes), so only the ambient concerns sit in front here.
func (s *Server) applyMiddleware(h http.Handler) http.Handler {
	h = requestBodyLimitMiddleware(h)
	h = loggingMiddleware(h)
	h = traceIDMiddleware(h)
	h = recoveryMiddleware(h)
	return h
}

// requestBodyLimitMiddleware enforces the 10 MB batch ceiling before any
// handler reads the body via http.MaxBytesReader; an overrun surfaces to the
// handler as *http.MaxBytesError, which /push and /ingest answer with 413.
func requestBodyLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// traceIDMiddleware propagates X-Trace-ID end to end (spec.md §6: "propagates
// probe -> gateway -> queue -> ETL -> logs; when absent... the gateway
// generates one").
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			b := make([]byte, 8)
			_, _ = rand.Read(b)
			traceID = hex.EncodeToString(b)
		}
		w.Header().Set("X-Trace-ID", traceID)
		ctx := context.WithValue(r.Context(), traceIDContextKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// traceIDFromContext retrieves the trace id set by traceIDMiddleware.
func traceIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(traceIDContextKey).(string)
	return id
}

// responseWriter wraps http.ResponseWriter to capture the status code,
// following nexus-cloud/pkg/apiserver/middleware.go's responseWriter.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs each request's method, path, status, and duration.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.Logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rw.statusCode).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// recoveryMiddleware catches panics in downstream handlers and returns 500.
func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.Logger.Error().
					Interface("panic", rec).
					Bytes("stack", debug.Stack()).
					Msg("recovered from panic")
				http.Error(w, `{"status":"error","code":"FATAL"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
