// Package api provides the HTTP API server for the event aggregator.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aggregator-io/aggregator/internal/api/middleware"
)

// ProblemDetail represents an RFC 7807 Problem Details structure, extended
// with the spec's own `{error, detail}` shape: Error carries the taxonomy
// kind slug (e.g. "validation_error") clients can switch on, while Detail
// carries the human-readable message. See
// https://tools.ietf.org/html/rfc7807.
type ProblemDetail struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Error         string `json:"error"`
	Detail        string `json:"detail,omitempty"`
	Instance      string `json:"instance,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// NewProblemDetail creates a new Problem Detail for the given taxonomy kind.
func NewProblemDetail(status int, kind, title, detail string) *ProblemDetail {
	return &ProblemDetail{
		Type:   fmt.Sprintf("https://aggregator.io/problems/%s", kind),
		Title:  title,
		Status: status,
		Error:  kind,
		Detail: detail,
	}
}

// WithInstance adds an instance URI to the problem detail.
func (p *ProblemDetail) WithInstance(instance string) *ProblemDetail {
	p.Instance = instance

	return p
}

// WithCorrelationID adds a correlation ID to the problem detail.
func (p *ProblemDetail) WithCorrelationID(correlationID string) *ProblemDetail {
	p.CorrelationID = correlationID

	return p
}

// WriteErrorResponse writes an RFC 7807 compliant error response.
func WriteErrorResponse(w http.ResponseWriter, r *http.Request, logger *slog.Logger, problem *ProblemDetail) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if problem.CorrelationID == "" {
		problem.CorrelationID = correlationID
	}

	if problem.Instance == "" {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("failed to encode error response",
			slog.String("correlation_id", correlationID),
			slog.String("path", r.URL.Path),
			slog.String("method", r.Method),
			slog.Any("encode_error", err),
			slog.Int("status", problem.Status),
		)

		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// Common error constructors, one per taxonomy kind in the error handling
// design (spec §7), plus the ambient 404/405/500 pair every HTTP surface
// needs regardless of domain.

// ValidationError creates a 422 problem for malformed input. Client
// recoverable: state is never mutated when this is returned.
func ValidationError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnprocessableEntity, "validation_error", "Validation Error", detail)
}

// StoreUnavailable creates a 503 problem for both TransientStoreError and
// FatalStoreError surfaced to an ingestion client: the caller's retry
// policy is the same either way (back off and retry the request).
func StoreUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "store_unavailable", "Store Unavailable", detail)
}

// QueueUnavailable creates a 503 problem for a Queue that rejected an
// enqueue in queued-publish mode.
func QueueUnavailable(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusServiceUnavailable, "queue_unavailable", "Queue Unavailable", detail)
}

// UnsupportedMediaType creates a 415 problem for a request body that isn't JSON.
func UnsupportedMediaType(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusUnsupportedMediaType, "unsupported_media_type", "Unsupported Media Type", detail)
}

// InternalServerError creates a 500 problem for unexpected failures.
func InternalServerError(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusInternalServerError, "internal_error", "Internal Server Error", detail)
}

// BadRequest creates a 400 problem for malformed requests that aren't
// domain validation failures (e.g. unparseable query parameters).
func BadRequest(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusBadRequest, "bad_request", "Bad Request", detail)
}

// NotFound creates a 404 problem.
func NotFound(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusNotFound, "not_found", "Not Found", detail)
}

// MethodNotAllowed creates a 405 problem.
func MethodNotAllowed(detail string) *ProblemDetail {
	return NewProblemDetail(http.StatusMethodNotAllowed, "method_not_allowed", "Method Not Allowed", detail)
}
