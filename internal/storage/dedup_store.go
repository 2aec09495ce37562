package storage

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/aggregator-io/aggregator/internal/ingestion"
)

const defaultEventsByTopicLimit = 100

// BatchOutcome summarizes one apply_batch call: how many of the batch's
// events were newly inserted versus already present under the same
// (topic, event_id) key.
type BatchOutcome struct {
	Inserted  int
	Duplicate int
}

// DedupStore is the Postgres-backed idempotent consumer described in spec
// §4.1: a unique (topic, event_id) key per event plus three atomic counters
// that are never derived by client-side read-then-write.
type DedupStore struct {
	conn   *Connection
	logger *slog.Logger
}

// NewDedupStore wraps an open Connection as a DedupStore.
func NewDedupStore(conn *Connection, logger *slog.Logger) *DedupStore {
	return &DedupStore{conn: conn, logger: logger}
}

// HealthCheck verifies the underlying database connection.
func (s *DedupStore) HealthCheck(ctx context.Context) error {
	if err := s.conn.HealthCheck(ctx); err != nil {
		return &TransientStoreError{Err: err}
	}

	return nil
}

// Stats returns the underlying connection pool statistics.
func (s *DedupStore) Stats() sql.DBStats {
	return s.conn.Stats()
}

// tryInsert attempts to insert event within tx, returning whether it was a
// new row. A duplicate (topic, event_id) is not an error: it is the
// steady-state outcome this whole store exists to handle cheaply.
func (s *DedupStore) tryInsert(ctx context.Context, tx *sql.Tx, event ingestion.Event) (bool, error) {
	var processedAt sql.NullTime

	err := tx.QueryRowContext(ctx, `
		INSERT INTO events (topic, event_id, source, event_timestamp, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (topic, event_id) DO NOTHING
		RETURNING processed_at
	`, event.Topic, event.EventID, event.Source, event.Timestamp, []byte(event.Payload)).Scan(&processedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, ClassifyError(err)
	default:
		return true, nil
	}
}

// ApplyEvent applies a single event: try_insert, then bump exactly one of
// unique_processed/duplicate_dropped, all inside one transaction so a crash
// between the insert and the counter update is impossible to observe.
func (s *DedupStore) ApplyEvent(ctx context.Context, event ingestion.Event) (inserted bool, err error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return false, ClassifyError(err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err = s.tryInsert(ctx, tx, event)
	if err != nil {
		return false, err
	}

	if err := incrementCounters(ctx, tx, 0, boolToInt64(inserted), boolToInt64(!inserted)); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, ClassifyError(err)
	}

	return inserted, nil
}

// ApplyBatch applies an entire batch in a single transaction: per spec §4.1
// this is "in a single transaction: for each event, try_insert; count
// outcomes; apply both counter deltas at the end" — not one transaction per
// event. A transient failure aborts the whole batch as a unit for the caller
// to retry; nothing is partially applied.
func (s *DedupStore) ApplyBatch(ctx context.Context, events []ingestion.Event) (BatchOutcome, error) {
	var outcome BatchOutcome

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return outcome, ClassifyError(err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, event := range events {
		inserted, err := s.tryInsert(ctx, tx, event)
		if err != nil {
			return BatchOutcome{}, err
		}

		if inserted {
			outcome.Inserted++
		} else {
			outcome.Duplicate++
		}
	}

	if err := incrementCounters(ctx, tx, 0, int64(outcome.Inserted), int64(outcome.Duplicate)); err != nil {
		return BatchOutcome{}, err
	}

	if err := tx.Commit(); err != nil {
		return BatchOutcome{}, ClassifyError(err)
	}

	return outcome, nil
}

// IncrementReceived bumps the received counter by n. Ingestion calls this
// the moment a batch is accepted, before it is queued or applied, so
// `received` always reflects what arrived even if a worker never gets to it.
func (s *DedupStore) IncrementReceived(ctx context.Context, n int64) error {
	if _, err := s.conn.ExecContext(ctx, `
		UPDATE metrics SET received = received + $1
	`, n); err != nil {
		return ClassifyError(err)
	}

	return nil
}

// incrementCounters applies all three counter deltas atomically via a single
// UPDATE, the same CASE-WHEN-free additive-upsert shape used throughout the
// store: counters are never read back and recomputed client-side.
func incrementCounters(ctx context.Context, tx *sql.Tx, received, uniqueProcessed, duplicateDropped int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE metrics
		SET received = received + $1,
		    unique_processed = unique_processed + $2,
		    duplicate_dropped = duplicate_dropped + $3
	`, received, uniqueProcessed, duplicateDropped)
	if err != nil {
		return ClassifyError(err)
	}

	return nil
}

// Counters returns the current values of the three metrics counters.
func (s *DedupStore) Counters(ctx context.Context) (ingestion.Counters, error) {
	var c ingestion.Counters

	err := s.conn.QueryRowContext(ctx, `
		SELECT received, unique_processed, duplicate_dropped FROM metrics
	`).Scan(&c.Received, &c.UniqueProcessed, &c.DuplicateDropped)
	if err != nil {
		return ingestion.Counters{}, ClassifyError(err)
	}

	return c, nil
}

// ResetMetrics zeroes the three counters without touching stored events,
// per spec §9: an operational aid, not a data-retention operation. This
// desyncs Invariant I4 (unique_processed equals the number of stored events)
// against the `events` table's row count until the next full quiescent cycle.
func (s *DedupStore) ResetMetrics(ctx context.Context) error {
	if _, err := s.conn.ExecContext(ctx, `
		UPDATE metrics SET received = 0, unique_processed = 0, duplicate_dropped = 0
	`); err != nil {
		return ClassifyError(err)
	}

	return nil
}

// EventsByTopic returns up to limit events for topic, most recent first.
// limit <= 0 uses defaultEventsByTopicLimit.
func (s *DedupStore) EventsByTopic(ctx context.Context, topic string, limit int) ([]ingestion.StoredEvent, error) {
	if limit <= 0 {
		limit = defaultEventsByTopicLimit
	}

	rows, err := s.conn.QueryContext(ctx, `
		SELECT topic, event_id, source, event_timestamp, payload, processed_at, seq
		FROM events
		WHERE topic = $1
		ORDER BY event_timestamp DESC, seq DESC
		LIMIT $2
	`, topic, limit)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer rows.Close()

	events := make([]ingestion.StoredEvent, 0, limit)

	for rows.Next() {
		var (
			stored  ingestion.StoredEvent
			payload []byte
		)

		if err := rows.Scan(
			&stored.Topic, &stored.EventID, &stored.Source, &stored.Timestamp, &payload, &stored.ProcessedAt, &stored.Seq,
		); err != nil {
			return nil, ClassifyError(err)
		}

		stored.Payload = payload
		events = append(events, stored)
	}

	if err := rows.Err(); err != nil {
		return nil, ClassifyError(err)
	}

	return events, nil
}

// Topics returns the distinct topic list across all stored events, in
// arbitrary stable order, for the /stats surface.
func (s *DedupStore) Topics(ctx context.Context) ([]string, error) {
	rows, err := s.conn.QueryContext(ctx, `SELECT DISTINCT topic FROM events ORDER BY topic`)
	if err != nil {
		return nil, ClassifyError(err)
	}
	defer rows.Close()

	topics := make([]string, 0)

	for rows.Next() {
		var topic string

		if err := rows.Scan(&topic); err != nil {
			return nil, ClassifyError(err)
		}

		topics = append(topics, topic)
	}

	if err := rows.Err(); err != nil {
		return nil, ClassifyError(err)
	}

	return topics, nil
}

func boolToInt64(b bool) int64 {
	if b {
		return 1
	}

	return 0
}
