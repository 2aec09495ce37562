// Package queue provides the Event Queue abstraction that decouples
// /publish (producer) from the worker pool (consumer) in queued-publish
// mode.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/aggregator-io/aggregator/internal/ingestion"
)

// ErrEmpty is returned by Dequeue when no entry became available before the
// given timeout elapsed.
var ErrEmpty = errors.New("queue: no entry available")

// Queue moves QueueEntry values from a publisher to a worker pool with
// at-least-once delivery: an entry dequeued but not Acked is expected to
// reappear (to this or another worker) if the consumer never acknowledges
// it.
type Queue interface {
	// Enqueue appends an entry to the queue's main list.
	Enqueue(ctx context.Context, entry ingestion.QueueEntry) error

	// Dequeue blocks up to timeout for an entry, moving it into an
	// in-flight state owned by workerID. Returns ErrEmpty on timeout.
	Dequeue(ctx context.Context, workerID string, timeout time.Duration) (ingestion.QueueEntry, error)

	// Ack marks an in-flight entry as durably processed, removing it from
	// workerID's in-flight state so it is never redelivered.
	Ack(ctx context.Context, workerID string, entry ingestion.QueueEntry) error

	// Requeue returns an in-flight entry to the main list, e.g. after a
	// transient processing failure. The entry is removed from workerID's
	// in-flight state.
	Requeue(ctx context.Context, workerID string, entry ingestion.QueueEntry) error

	// DeadLetter moves an in-flight entry to the dead-letter list instead
	// of requeuing it, e.g. after exhausting the retry budget.
	DeadLetter(ctx context.Context, workerID string, entry ingestion.QueueEntry) error

	// Size returns the number of entries currently waiting in the main
	// list (not counting in-flight or dead-lettered entries).
	Size(ctx context.Context) (int64, error)

	// Close releases any resources held by the queue.
	Close() error
}
