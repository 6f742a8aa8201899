// Package apierr implements the error taxonomy from spec.md §7: seven kinds
// of failure, each with a distinct HTTP status and machine-readable code.
package apierr

import "net/http"

// Kind is one of the seven error kinds from spec.md §7.
type Kind string

const (
	KindMalformedInput          Kind = "MALFORMED_INPUT"
	KindAuthFailure              Kind = "AUTH_FAILURE"
	KindRateLimited              Kind = "RATE_LIMITED"
	KindIdempotent               Kind = "IDEMPOTENT"
	KindTransientBackendFailure  Kind = "TRANSIENT_BACKEND_FAILURE"
	KindPersistenceConflict      Kind = "PERSISTENCE_CONFLICT"
	KindFatal                    Kind = "FATAL"
)

// Error is a FiberMesh API error: a Kind, an upper-snake Code for the wire
// envelope, an HTTP status, and a human message.
type Error struct {
	Kind    Kind
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs an Error of the given kind with a specific code and
// message, deriving the HTTP status from the kind.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Status: statusFor(kind), Message: message}
}

func statusFor(kind Kind) int {
	switch kind {
	case KindMalformedInput:
		return http.StatusBadRequest
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindIdempotent:
		return http.StatusConflict
	case KindTransientBackendFailure:
		return http.StatusServiceUnavailable
	case KindPersistenceConflict:
		// Not surfaced to clients; conflicts are recorded, not returned.
		return http.StatusOK
	case KindFatal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Common, pre-built errors matching the exact wire codes in spec.md §6.
var (
	ErrInvalidToken     = New(KindAuthFailure, "invalid_token", "bearer token is missing, expired, or invalid")
	ErrPayloadTooLarge  = New(KindMalformedInput, "payload_too_large", "payload exceeds the maximum size")
	ErrMalformedBatch   = New(KindMalformedInput, "malformed_batch", "batch is malformed or exceeds cardinality limits")
	ErrRateLimited      = New(KindRateLimited, "rate_limited", "rate limit exceeded")
	ErrUnavailable      = New(KindTransientBackendFailure, "unavailable", "downstream dependency unavailable")
	ErrDegradedDLQ      = New(KindTransientBackendFailure, "degraded_dlq", "ingestion degraded: dead-letter queue depth exceeds threshold")
)

// PayloadTooLarge is fixed to spec.md's exact override of ErrPayloadTooLarge's
// HTTP status (413, not the generic 400 for malformed input).
func init() {
	ErrPayloadTooLarge.Status = http.StatusRequestEntityTooLarge
}

// Envelope is the wire shape for every error response: {status:"error",
// code, message?}, where code is one of the lower snake_case codes defined
// above (e.g. "malformed_batch").
type Envelope struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// ToEnvelope converts an Error into its wire Envelope.
func (e *Error) ToEnvelope() Envelope {
	return Envelope{Status: "error", Code: e.Code, Message: e.Message}
}
