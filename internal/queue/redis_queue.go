package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/ingestion"
)

const (
	defaultHeartbeatTTL = 30 * time.Second
	processingListScan  = 100
)

// RedisQueue is a Queue backed by Redis lists, grounded on the
// BRPOPLPUSH reliable-queue pattern: Dequeue atomically moves an entry
// from the main list into a per-worker processing list and refreshes a
// heartbeat key with a TTL. Ack removes the entry from the processing
// list; Requeue/DeadLetter move it elsewhere. Apart from a payload that
// Dequeue cannot decode (which Dequeue itself drops), an entry only ever
// leaves the processing list through one of those three calls or the
// reaper, so a worker that crashes mid-apply leaves its in-flight entries
// recoverable.
type RedisQueue struct {
	client        *redis.Client
	key           string
	heartbeatTTL  time.Duration
	deadLetterKey string
	logger        *slog.Logger
}

// NewRedisQueue builds a RedisQueue using key as the main list name.
// Per-worker processing lists and heartbeat keys are derived from key so
// multiple queues sharing one Redis instance stay isolated.
func NewRedisQueue(client *redis.Client, key string, logger *slog.Logger) *RedisQueue {
	return &RedisQueue{
		client:        client,
		key:           key,
		heartbeatTTL:  defaultHeartbeatTTL,
		deadLetterKey: key + ":dead",
		logger:        logger,
	}
}

// SetHeartbeatTTL overrides the default heartbeat TTL. Intended for tests
// that need the reaper to trigger faster than production's 30s default.
func (q *RedisQueue) SetHeartbeatTTL(ttl time.Duration) {
	q.heartbeatTTL = ttl
}

func (q *RedisQueue) processingKey(workerID string) string {
	return q.key + ":processing:" + workerID
}

func (q *RedisQueue) heartbeatKey(workerID string) string {
	return q.key + ":heartbeat:" + workerID
}

// Enqueue pushes entry onto the head of the main list so Dequeue's
// BRPOPLPUSH (which pops from the tail) preserves FIFO order.
func (q *RedisQueue) Enqueue(ctx context.Context, entry ingestion.QueueEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	return nil
}

// Dequeue atomically moves one entry from the main list to workerID's
// processing list and sets a heartbeat key with a TTL. Returns ErrEmpty
// if nothing arrived within timeout.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string, timeout time.Duration) (ingestion.QueueEntry, error) {
	procList := q.processingKey(workerID)

	payload, err := q.client.BRPopLPush(ctx, q.key, procList, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return ingestion.QueueEntry{}, ErrEmpty
	}

	if err != nil {
		return ingestion.QueueEntry{}, fmt.Errorf("queue: dequeue: %w", err)
	}

	if err := q.client.Set(ctx, q.heartbeatKey(workerID), payload, q.heartbeatTTL).Err(); err != nil {
		q.logger.Warn("queue: heartbeat set failed", "worker_id", workerID, "error", err)
	}

	var entry ingestion.QueueEntry
	if err := json.Unmarshal([]byte(payload), &entry); err != nil {
		// Poison pill: remove it from the processing list so it cannot
		// wedge the reaper, and surface the raw payload in the error.
		_ = q.client.LRem(ctx, procList, 1, payload).Err()
		_ = q.client.Del(ctx, q.heartbeatKey(workerID)).Err()

		return ingestion.QueueEntry{}, fmt.Errorf("queue: malformed entry payload %q: %w", payload, err)
	}

	return entry, nil
}

// Ack removes entry from workerID's processing list and clears its
// heartbeat, marking it durably processed.
func (q *RedisQueue) Ack(ctx context.Context, workerID string, entry ingestion.QueueEntry) error {
	return q.finishProcessing(ctx, workerID, entry, nil)
}

// Requeue removes entry from workerID's processing list and pushes it
// back onto the main list for another attempt.
func (q *RedisQueue) Requeue(ctx context.Context, workerID string, entry ingestion.QueueEntry) error {
	return q.finishProcessing(ctx, workerID, entry, &q.key)
}

// DeadLetter removes entry from workerID's processing list and pushes it
// onto the dead-letter list instead of retrying it.
func (q *RedisQueue) DeadLetter(ctx context.Context, workerID string, entry ingestion.QueueEntry) error {
	return q.finishProcessing(ctx, workerID, entry, &q.deadLetterKey)
}

func (q *RedisQueue) finishProcessing(ctx context.Context, workerID string, entry ingestion.QueueEntry, pushTo *string) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("queue: marshal entry: %w", err)
	}

	if pushTo != nil {
		if err := q.client.LPush(ctx, *pushTo, payload).Err(); err != nil {
			return fmt.Errorf("queue: push to %s: %w", *pushTo, err)
		}
	}

	// Match the in-flight copy by entry ID rather than by payload bytes: the
	// caller may have changed the entry (e.g. bumped Retries) since Dequeue.
	procList := q.processingKey(workerID)

	held, err := q.client.LRange(ctx, procList, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("queue: read processing list: %w", err)
	}

	for _, raw := range held {
		var inFlight ingestion.QueueEntry
		if json.Unmarshal([]byte(raw), &inFlight) != nil || inFlight.ID != entry.ID {
			continue
		}

		if err := q.client.LRem(ctx, procList, 1, raw).Err(); err != nil {
			return fmt.Errorf("queue: remove from processing list: %w", err)
		}

		break
	}

	if err := q.client.Del(ctx, q.heartbeatKey(workerID)).Err(); err != nil {
		q.logger.Warn("queue: heartbeat delete failed", "worker_id", workerID, "error", err)
	}

	return nil
}

// Size reports the number of entries waiting in the main list.
func (q *RedisQueue) Size(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: size: %w", err)
	}

	return n, nil
}

// Close closes the underlying Redis client.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Reap scans every worker processing list this queue knows about and
// requeues the contents of any whose heartbeat key has expired, i.e. a
// worker that dequeued an entry and then crashed or hung before
// acknowledging it. It is meant to be called periodically from the
// worker pool's supervisor loop. Returns the number of entries requeued.
func (q *RedisQueue) Reap(ctx context.Context) (int, error) {
	pattern := q.key + ":processing:*"

	var (
		cursor   uint64
		requeued int
	)

	for {
		keys, next, err := q.client.Scan(ctx, cursor, pattern, processingListScan).Result()
		if err != nil {
			return requeued, fmt.Errorf("queue: scan processing lists: %w", err)
		}

		for _, procList := range keys {
			workerID := procList[len(q.key+":processing:"):]

			exists, err := q.client.Exists(ctx, q.heartbeatKey(workerID)).Result()
			if err != nil {
				q.logger.Warn("queue: reaper heartbeat check failed", "worker_id", workerID, "error", err)
				continue
			}

			if exists > 0 {
				continue
			}

			n, err := q.reapProcessingList(ctx, procList)
			if err != nil {
				q.logger.Warn("queue: reaper requeue failed", "worker_id", workerID, "error", err)
				continue
			}

			requeued += n
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	return requeued, nil
}

func (q *RedisQueue) reapProcessingList(ctx context.Context, procList string) (int, error) {
	entries, err := q.client.LRange(ctx, procList, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: read processing list %s: %w", procList, err)
	}

	for _, payload := range entries {
		if err := q.client.LPush(ctx, q.key, payload).Err(); err != nil {
			return 0, fmt.Errorf("queue: requeue from %s: %w", procList, err)
		}
	}

	if len(entries) > 0 {
		if err := q.client.Del(ctx, procList).Err(); err != nil {
			return 0, fmt.Errorf("queue: clear processing list %s: %w", procList, err)
		}
	}

	return len(entries), nil
}
