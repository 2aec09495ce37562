// Package api provides HTTP API server implementation for the event aggregator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aggregator-io/aggregator/internal/api/middleware"
	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/storage"
)

const (
	healthCheckTimeout  = 2 * time.Second
	defaultEventsLimit  = 100
	queryParamAtomic    = "atomic"
	queryParamTopic     = "topic"
	queryParamLimit     = "limit"
	contentTypeJSON     = "application/json"
	serviceName         = "aggregator"
)

// setupRoutes registers every HTTP route the server answers.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ping", s.handlePing)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /publish", s.handlePublish)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /queue/stats", s.handleQueueStats)
	mux.HandleFunc("POST /metrics/reset", s.handleMetricsReset)

	mux.HandleFunc("/", s.handleNotFound)
}

// handlePing responds to basic liveness checks.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("failed to write ping response", "error", err)
	}
}

// handleReady reports readiness based on the Dedup Store's own health
// check: a pod should not receive traffic while the store it depends on
// for every write is unreachable.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		s.logger.Error("readiness check failed", "error", err)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("store unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth reports "degraded" rather than failing outright when the
// Dedup Store's health check fails; the status code stays 200 and Detail
// carries the store error. The worker pool's state is not checked here,
// and the pool does not pause on store errors: it retries transient
// failures with backoff and dead-letters entries that fail fatally or
// exhaust the retry budget.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthResponse{
		Status:      "healthy",
		ServiceName: serviceName,
		Uptime:      uptime,
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.store.HealthCheck(ctx); err != nil {
		health.Status = "degraded"
		health.Detail = err.Error()
	}

	s.writeJSON(w, r, http.StatusOK, health)
}

// handleNotFound returns an RFC 7807 compliant 404 for unmatched paths.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

// handlePublish implements POST /publish in both submission modes
// described in spec §4.4 and §6: queued (default) hands the batch to the
// Event Queue and returns; atomic (?atomic=true) applies it to the Dedup
// Store synchronously in one transaction.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.config.PublishSharedSecret != "" &&
		!storage.SecureCompare(r.Header.Get("X-Publish-Secret"), s.config.PublishSharedSecret) {
		WriteErrorResponse(w, r, s.logger, NewProblemDetail(
			http.StatusUnauthorized, "unauthorized", "Unauthorized", "missing or incorrect X-Publish-Secret header",
		))

		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "" && !hasJSONContentType(ct) {
		WriteErrorResponse(w, r, s.logger, UnsupportedMediaType("Content-Type must be application/json"))

		return
	}

	var req PublishRequest

	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		WriteErrorResponse(w, r, s.logger, ValidationError("request body is not a valid JSON event batch"))

		return
	}

	if err := s.validator.ValidateBatch(req.Events); err != nil {
		WriteErrorResponse(w, r, s.logger, ValidationError(err.Error()))

		return
	}

	ctx := r.Context()

	if err := s.store.IncrementReceived(ctx, int64(len(req.Events))); err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	if r.URL.Query().Get(queryParamAtomic) == "true" {
		s.publishAtomic(w, r, req.Events)

		return
	}

	s.publishQueued(w, r, req.Events)
}

func (s *Server) publishAtomic(w http.ResponseWriter, r *http.Request, events []ingestion.Event) {
	outcome, err := s.store.ApplyBatch(r.Context(), events)
	if err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, PublishAtomicResponse{
		Accepted:  len(events),
		Inserted:  outcome.Inserted,
		Duplicate: outcome.Duplicate,
	})
}

func (s *Server) publishQueued(w http.ResponseWriter, r *http.Request, events []ingestion.Event) {
	ctx := r.Context()

	for i, event := range events {
		entry := ingestion.QueueEntry{ID: entryID(r, i), Event: event}

		if err := s.queue.Enqueue(ctx, entry); err != nil {
			s.logger.Error("publish: enqueue failed", "error", err)
			WriteErrorResponse(w, r, s.logger, QueueUnavailable("failed to enqueue one or more events"))

			return
		}
	}

	s.writeJSON(w, r, http.StatusOK, PublishQueuedResponse{
		Accepted: len(events),
		Queued:   len(events),
	})
}

// entryID derives a per-enqueue identifier from the request's correlation
// ID and the event's position in the batch, distinct from the event's own
// (topic, event_id) identity. A requeued entry keeps this ID.
func entryID(r *http.Request, index int) string {
	return middleware.GetCorrelationID(r.Context()) + "-" + strconv.Itoa(index)
}

// handleEvents implements GET /events?topic=&limit=, a thin read over the
// Dedup Store's events_by_topic query.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get(queryParamTopic)
	if topic == "" {
		WriteErrorResponse(w, r, s.logger, ValidationError("topic query parameter is required"))

		return
	}

	limit := defaultEventsLimit

	if raw := r.URL.Query().Get(queryParamLimit); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			WriteErrorResponse(w, r, s.logger, ValidationError("limit must be a non-negative integer"))

			return
		}

		limit = parsed
	}

	if limit == 0 {
		s.writeJSON(w, r, http.StatusOK, []ingestion.StoredEvent{})

		return
	}

	events, err := s.store.EventsByTopic(r.Context(), topic, limit)
	if err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, events)
}

// handleStats implements GET /stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	counters, err := s.store.Counters(r.Context())
	if err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	topics, err := s.store.Topics(r.Context())
	if err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	var uptime time.Duration
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	s.writeJSON(w, r, http.StatusOK, StatsResponse{
		Received:         counters.Received,
		UniqueProcessed:  counters.UniqueProcessed,
		DuplicateDropped: counters.DuplicateDropped,
		DedupRatePercent: counters.DedupRate(),
		Topics:           topics,
		UptimeSeconds:    uptime.Seconds(),
	})
}

// handleQueueStats implements GET /queue/stats.
func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	size, err := s.queue.Size(r.Context())
	if err != nil {
		s.logger.Error("queue stats: size failed", "error", err)
		WriteErrorResponse(w, r, s.logger, QueueUnavailable("failed to read queue depth"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, QueueStatsResponse{QueueSize: size})
}

// handleMetricsReset implements POST /metrics/reset: an operational aid
// that zeroes the three counters without touching stored events (spec §9).
func (s *Server) handleMetricsReset(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ResetMetrics(r.Context()); err != nil {
		s.handleStoreError(w, r, err)

		return
	}

	s.writeJSON(w, r, http.StatusOK, MetricsResetResponse{Status: "reset"})
}

// handleStoreError classifies a Dedup Store error into the right status
// code per the error taxonomy table in spec §7: both TransientStoreError
// and FatalStoreError surface as 503 to an HTTP caller, since the retry
// policy on the client side is identical either way.
func (s *Server) handleStoreError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		transient *storage.TransientStoreError
		fatal     *storage.FatalStoreError
	)

	switch {
	case errors.As(err, &transient), errors.As(err, &fatal):
		s.logger.Error("store error", "error", err)
		WriteErrorResponse(w, r, s.logger, StoreUnavailable("the event store is temporarily unavailable"))
	default:
		s.logger.Error("unexpected error", "error", err)
		WriteErrorResponse(w, r, s.logger, InternalServerError("an unexpected error occurred"))
	}
}

// writeJSON encodes body as the JSON response, logging (but not
// double-responding) on encode failure since headers are already sent.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, body interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Error("failed to encode response", "path", r.URL.Path, "error", err)
	}
}

func hasJSONContentType(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")

	return strings.TrimSpace(mediaType) == contentTypeJSON
}
