// Package worker runs the goroutine pool that dequeues published events
// and applies them to the Dedup Store, retrying transient failures with
// bounded exponential backoff before dead-lettering an entry.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/queue"
	"github.com/aggregator-io/aggregator/internal/storage"
)

const (
	defaultDequeueTimeout = 5 * time.Second
	defaultMaxRetries     = 5
	defaultBackoffBase    = 50 * time.Millisecond
	defaultBackoffMax     = time.Second
	reapInterval          = 2 * time.Second
)

// Applier is the subset of DedupStore the pool depends on, so tests can
// substitute a fake store without a database.
type Applier interface {
	ApplyEvent(ctx context.Context, event ingestion.Event) (inserted bool, err error)
}

// Reaper recovers entries left in-flight by a crashed worker. RedisQueue
// implements it; InMemoryQueue does not need to, so the pool degrades to
// no periodic reaping when the configured queue isn't one.
type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

// Pool runs Count worker goroutines, each pulling entries off q and
// applying them to store.
type Pool struct {
	queue   queue.Queue
	store   Applier
	logger  *slog.Logger
	count   int
	baseID  string

	maxRetries    int
	backoffBase   time.Duration
	backoffMax    time.Duration
	dequeueWait   time.Duration

	mu         sync.Mutex
	deadLetter int64
}

// Option configures a Pool at construction time.
type Option func(*Pool)

// WithMaxRetries overrides the default retry budget before an entry is
// dead-lettered.
func WithMaxRetries(n int) Option {
	return func(p *Pool) { p.maxRetries = n }
}

// WithBackoff overrides the default backoff base/cap.
func WithBackoff(base, max time.Duration) Option {
	return func(p *Pool) {
		p.backoffBase = base
		p.backoffMax = max
	}
}

// WithDequeueTimeout overrides how long each worker blocks per Dequeue call.
func WithDequeueTimeout(d time.Duration) Option {
	return func(p *Pool) { p.dequeueWait = d }
}

// New builds a Pool of count worker goroutines, none of which are started
// until Run is called.
func New(q queue.Queue, store Applier, logger *slog.Logger, count int, opts ...Option) *Pool {
	host, _ := os.Hostname()

	p := &Pool{
		queue:       q,
		store:       store,
		logger:      logger,
		count:       count,
		baseID:      fmt.Sprintf("%s-%d", host, os.Getpid()),
		maxRetries:  defaultMaxRetries,
		backoffBase: defaultBackoffBase,
		backoffMax:  defaultBackoffMax,
		dequeueWait: defaultDequeueTimeout,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run starts count worker goroutines and, if the queue supports it, a
// reaper loop, blocking until ctx is canceled and every worker has exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup

	for i := 0; i < p.count; i++ {
		wg.Add(1)

		workerID := fmt.Sprintf("%s-%d", p.baseID, i)

		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	if reaper, ok := p.queue.(Reaper); ok {
		wg.Add(1)

		go func() {
			defer wg.Done()
			p.runReaper(ctx, reaper)
		}()
	}

	wg.Wait()
}

// DeadLetterCount returns the number of entries this pool has
// dead-lettered since it started.
func (p *Pool) DeadLetterCount() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.deadLetter
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for ctx.Err() == nil {
		entry, err := p.queue.Dequeue(ctx, workerID, p.dequeueWait)
		if err != nil {
			if errors.Is(err, queue.ErrEmpty) || ctx.Err() != nil {
				continue
			}

			p.logger.Warn("worker: dequeue error", "worker_id", workerID, "error", err)
			time.Sleep(p.backoffBase)

			continue
		}

		p.process(ctx, workerID, entry)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, entry ingestion.QueueEntry) {
	_, err := p.store.ApplyEvent(ctx, entry.Event)
	if err == nil {
		if ackErr := p.queue.Ack(ctx, workerID, entry); ackErr != nil {
			p.logger.Error("worker: ack failed", "worker_id", workerID, "entry_id", entry.ID, "error", ackErr)
		}

		return
	}

	var transient *storage.TransientStoreError
	if !errors.As(err, &transient) {
		// Fatal: retrying will never succeed, dead-letter immediately.
		p.deadLetterEntry(ctx, workerID, entry, err)

		return
	}

	attempt := entry.Attempt()
	if attempt >= p.maxRetries {
		p.deadLetterEntry(ctx, workerID, entry, err)

		return
	}

	wait := backoff(attempt+1, p.backoffBase, p.backoffMax)

	p.logger.Warn("worker: transient apply failure, retrying",
		"worker_id", workerID, "entry_id", entry.ID, "attempt", attempt+1, "backoff", wait, "error", err)

	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}

	entry.IncrementAttempt()

	if requeueErr := p.queue.Requeue(ctx, workerID, entry); requeueErr != nil {
		p.logger.Error("worker: requeue failed", "worker_id", workerID, "entry_id", entry.ID, "error", requeueErr)
	}
}

func (p *Pool) deadLetterEntry(ctx context.Context, workerID string, entry ingestion.QueueEntry, cause error) {
	p.logger.Error("worker: dead-lettering entry", "worker_id", workerID, "entry_id", entry.ID, "error", cause)

	if err := p.queue.DeadLetter(ctx, workerID, entry); err != nil {
		p.logger.Error("worker: dead-letter push failed", "worker_id", workerID, "entry_id", entry.ID, "error", err)
	}

	p.mu.Lock()
	p.deadLetter++
	p.mu.Unlock()
}

func (p *Pool) runReaper(ctx context.Context, reaper Reaper) {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := reaper.Reap(ctx)
			if err != nil {
				p.logger.Warn("worker: reap failed", "error", err)

				continue
			}

			if n > 0 {
				p.logger.Info("worker: reaped crashed-worker entries", "count", n)
			}
		}
	}
}

// backoff returns base*2^(attempt-1) capped at max, mirroring the
// doubling-with-cap schedule used by Redis-backed worker pools elsewhere
// in the ecosystem.
func backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := time.Duration(1<<uint(attempt-1)) * base
	if d <= 0 || d > max {
		return max
	}

	return d
}
