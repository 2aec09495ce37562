// Package ingestion provides the domain model and validation for published events.
package ingestion

import (
	"encoding/json"
	"time"
)

type (
	// Event is a single published log/event record as received on /publish.
	// Topic and EventID together form the dedup key; Source and Timestamp are
	// descriptive metadata carried through to storage unchanged.
	Event struct {
		Topic     string          `json:"topic"`
		EventID   string          `json:"event_id"` //nolint:tagliatelle
		Source    string          `json:"source"`
		Timestamp time.Time       `json:"timestamp"`
		Payload   json.RawMessage `json:"payload"`
	}

	// StoredEvent is an Event as persisted in the Dedup Store, with the
	// server-assigned processing time, monotonically increasing insert
	// sequence, and duplicate outcome attached. Seq is assigned once on
	// first successful insert and never changes; it is the secondary sort
	// key for events_by_topic, since event_timestamp alone does not
	// disambiguate events a publisher submitted with the same timestamp.
	StoredEvent struct {
		Event
		Seq         int64     `json:"seq"`
		ProcessedAt time.Time `json:"processed_at"` //nolint:tagliatelle
		Duplicate   bool      `json:"duplicate"`
	}

	// Counters holds the three atomic counters maintained by the Dedup Store.
	Counters struct {
		Received         int64 `json:"received"`
		UniqueProcessed  int64 `json:"unique_processed"`  //nolint:tagliatelle
		DuplicateDropped int64 `json:"duplicate_dropped"` //nolint:tagliatelle
	}

	// QueueEntry is the envelope a publish handler puts on the Event Queue.
	// ID names this enqueue independent of the event's own identity, so two
	// publishes of the same event can be told apart in logs. A requeued
	// entry (after a retry or a crash) keeps its ID; Retries carries the
	// worker pool's retry count for this entry.
	QueueEntry struct {
		ID      string `json:"id"`
		Event   Event  `json:"event"`
		Retries int    `json:"retries"`
	}
)

// Attempt returns how many times this entry has already been retried.
func (e QueueEntry) Attempt() int {
	return e.Retries
}

// IncrementAttempt bumps the entry's retry count in place.
func (e *QueueEntry) IncrementAttempt() {
	e.Retries++
}

// DedupRate returns duplicate_dropped / received as a percentage, with
// received floored at 1 so an empty counter set yields 0. It is always
// derived, never stored, so it can never drift from the counters it is
// computed from.
func (c Counters) DedupRate() float64 {
	received := c.Received
	if received < 1 {
		received = 1
	}

	return float64(c.DuplicateDropped) / float64(received) * 100 //nolint:mnd
}
