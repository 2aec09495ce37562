package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/queue"
)

func testEntry(id string) ingestion.QueueEntry {
	return ingestion.QueueEntry{
		ID: id,
		Event: ingestion.Event{
			Topic:     "orders",
			EventID:   "evt-" + id,
			Source:    "test",
			Timestamp: time.Unix(0, 0).UTC(),
		},
	}
}

func TestInMemoryQueue_EnqueueDequeue_FIFO(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx := context.Background()

	if err := q.Enqueue(ctx, testEntry("1")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if err := q.Enqueue(ctx, testEntry("2")); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := q.Dequeue(ctx, "worker-a", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if first.ID != "1" {
		t.Fatalf("expected FIFO order, got entry %q first", first.ID)
	}
}

func TestInMemoryQueue_Dequeue_TimesOutWhenEmpty(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx := context.Background()

	start := time.Now()

	_, err := q.Dequeue(ctx, "worker-a", 30*time.Millisecond)
	if err != queue.ErrEmpty {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}

	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("returned before the timeout elapsed")
	}
}

func TestInMemoryQueue_Requeue_ReappearsOnMainList(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx := context.Background()

	entry := testEntry("1")
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeued, err := q.Dequeue(ctx, "worker-a", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Requeue(ctx, "worker-a", dequeued); err != nil {
		t.Fatalf("Requeue: %v", err)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if size != 1 {
		t.Fatalf("expected 1 entry back on the main list, got %d", size)
	}
}

func TestInMemoryQueue_DeadLetter_RecordsEntry(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx := context.Background()

	entry := testEntry("1")
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeued, err := q.Dequeue(ctx, "worker-a", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.DeadLetter(ctx, "worker-a", dequeued); err != nil {
		t.Fatalf("DeadLetter: %v", err)
	}

	dead := q.DeadLettered()
	if len(dead) != 1 || dead[0].ID != "1" {
		t.Fatalf("expected entry 1 in the dead-letter list, got %v", dead)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if size != 0 {
		t.Fatalf("dead-lettered entry should not reappear on the main list, size=%d", size)
	}
}

func TestInMemoryQueue_Ack_DoesNotRequeue(t *testing.T) {
	q := queue.NewInMemoryQueue()
	ctx := context.Background()

	entry := testEntry("1")
	if err := q.Enqueue(ctx, entry); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	dequeued, err := q.Dequeue(ctx, "worker-a", time.Second)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}

	if err := q.Ack(ctx, "worker-a", dequeued); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	size, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	if size != 0 {
		t.Fatalf("acked entry should not reappear, size=%d", size)
	}
}
