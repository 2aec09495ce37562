package queue

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/aggregator-io/aggregator/internal/ingestion"
)

// InMemoryQueue is a process-local Queue used when USE_INMEMORY_QUEUE=true.
// It is a test double: entries live only in this process's memory, there
// is no visibility-timeout reaper, and a crashed worker's in-flight
// entries are lost rather than recovered. It satisfies the Queue
// interface so ingestion and the worker pool need no special-casing.
type InMemoryQueue struct {
	mu       sync.Mutex
	main     *list.List
	inFlight map[string][]ingestion.QueueEntry // workerID -> entries it holds
	dead     []ingestion.QueueEntry
	closed   bool
}

// NewInMemoryQueue builds an empty InMemoryQueue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		main:     list.New(),
		inFlight: make(map[string][]ingestion.QueueEntry),
	}
}

// Enqueue appends entry to the main list.
func (q *InMemoryQueue) Enqueue(_ context.Context, entry ingestion.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.main.PushBack(entry)

	return nil
}

// Dequeue blocks up to timeout for an entry to appear, recording it as
// in-flight for workerID on success. It polls on a short tick rather than
// parking on a condition variable so a single background timer (started
// once by the caller's context, not per call) is never required.
func (q *InMemoryQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (ingestion.QueueEntry, error) {
	const pollInterval = 10 * time.Millisecond

	deadline := time.Now().Add(timeout)

	for {
		q.mu.Lock()
		if q.main.Len() > 0 {
			front := q.main.Front()
			entry, _ := q.main.Remove(front).(ingestion.QueueEntry)
			q.inFlight[workerID] = append(q.inFlight[workerID], entry)
			q.mu.Unlock()

			return entry, nil
		}
		q.mu.Unlock()

		if ctx.Err() != nil {
			return ingestion.QueueEntry{}, ctx.Err()
		}

		if time.Now().After(deadline) {
			return ingestion.QueueEntry{}, ErrEmpty
		}

		select {
		case <-ctx.Done():
			return ingestion.QueueEntry{}, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Ack drops entry from workerID's in-flight set.
func (q *InMemoryQueue) Ack(_ context.Context, workerID string, entry ingestion.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeInFlight(workerID, entry)

	return nil
}

// Requeue drops entry from workerID's in-flight set and pushes it back
// onto the main list.
func (q *InMemoryQueue) Requeue(_ context.Context, workerID string, entry ingestion.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeInFlight(workerID, entry)
	q.main.PushBack(entry)

	return nil
}

// DeadLetter drops entry from workerID's in-flight set and appends it to
// the dead-letter slice.
func (q *InMemoryQueue) DeadLetter(_ context.Context, workerID string, entry ingestion.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeInFlight(workerID, entry)
	q.dead = append(q.dead, entry)

	return nil
}

func (q *InMemoryQueue) removeInFlight(workerID string, entry ingestion.QueueEntry) {
	entries := q.inFlight[workerID]

	for i, e := range entries {
		if e.ID == entry.ID {
			q.inFlight[workerID] = append(entries[:i], entries[i+1:]...)

			break
		}
	}
}

// Size returns the number of entries waiting in the main list.
func (q *InMemoryQueue) Size(_ context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return int64(q.main.Len()), nil
}

// DeadLettered returns a snapshot of entries moved to the dead-letter
// list, for use in tests.
func (q *InMemoryQueue) DeadLettered() []ingestion.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]ingestion.QueueEntry, len(q.dead))
	copy(out, q.dead)

	return out
}

// Close marks the queue closed. A blocked Dequeue call still returns on
// its own poll cycle once the timeout or its context elapses.
func (q *InMemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true

	return nil
}
