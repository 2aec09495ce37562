// Package api provides HTTP API server implementation for the event aggregator.
package api

import "github.com/aggregator-io/aggregator/internal/ingestion"

type (
	// PublishRequest is the body of POST /publish: a non-empty ordered batch
	// of events, all validated together before any state mutation.
	PublishRequest struct {
		Events []ingestion.Event `json:"events"`
	}

	// PublishQueuedResponse is returned for the default (queued) publish
	// mode: the batch was accepted and handed to the Event Queue, not yet
	// applied to the Dedup Store.
	PublishQueuedResponse struct {
		Accepted int `json:"accepted"`
		Queued   int `json:"queued"`
	}

	// PublishAtomicResponse is returned for atomic-mode publish (?atomic=true):
	// the batch was applied to the Dedup Store synchronously in one
	// transaction, so Inserted+Duplicate always equals Accepted.
	PublishAtomicResponse struct {
		Accepted  int `json:"accepted"`
		Inserted  int `json:"inserted"`
		Duplicate int `json:"duplicate"`
	}

	// StatsResponse is the body of GET /stats: the current Counters plus the
	// values derived from them (dedup_rate_percent, uptime) and the distinct
	// topic list.
	StatsResponse struct {
		Received         int64    `json:"received"`
		UniqueProcessed  int64    `json:"unique_processed"`   //nolint:tagliatelle
		DuplicateDropped int64    `json:"duplicate_dropped"`  //nolint:tagliatelle
		DedupRatePercent float64  `json:"dedup_rate_percent"` //nolint:tagliatelle
		Topics           []string `json:"topics"`
		UptimeSeconds    float64  `json:"uptime_seconds"` //nolint:tagliatelle
	}

	// QueueStatsResponse is the body of GET /queue/stats.
	QueueStatsResponse struct {
		QueueSize int64 `json:"queue_size"` //nolint:tagliatelle
	}

	// HealthResponse is the body of GET /health. Status is "healthy" unless
	// a dependency check fails, in which case it is "degraded" and Detail
	// names which one.
	HealthResponse struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Uptime      string `json:"uptime,omitempty"`
		Detail      string `json:"detail,omitempty"`
	}

	// MetricsResetResponse is the body of POST /metrics/reset.
	MetricsResetResponse struct {
		Status string `json:"status"`
	}
)
