// Package main provides the event aggregator service: an HTTP ingestion
// endpoint and a worker pool sharing one Dedup Store and one Event Queue,
// run as sibling goroutines under a single shutdown signal.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/aggregator-io/aggregator/internal/api"
	"github.com/aggregator-io/aggregator/internal/api/middleware"
	"github.com/aggregator-io/aggregator/internal/config"
	"github.com/aggregator-io/aggregator/internal/queue"
	"github.com/aggregator-io/aggregator/internal/storage"
	"github.com/aggregator-io/aggregator/internal/worker"
)

const (
	version = "1.0.0-dev"
	name    = "aggregator"

	defaultWorkerCount = 4
	defaultQueueKey    = "aggregator:events"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("starting aggregator service", slog.String("version", version))

	dbConfig := storage.LoadConfig()
	if err := dbConfig.Validate(); err != nil {
		logger.Error("invalid database configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	conn, err := storage.NewConnection(dbConfig)
	if err != nil {
		logger.Error("failed to connect to dedup store", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer conn.Close()

	store := storage.NewDedupStore(conn, logger)

	q, closeQueue := buildQueue(logger)
	defer closeQueue()

	rateLimiterRPS := config.GetEnvInt("RATE_LIMIT_RPS", 0)

	server := api.NewServer(&serverConfig, store, q, buildRateLimiter(rateLimiterRPS))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	if !config.GetEnvBool("DISABLE_WORKERS", false) {
		workerCount := config.GetEnvInt("WORKER_COUNT", defaultWorkerCount)
		pool := worker.New(q, store, logger, workerCount)

		wg.Add(1)

		go func() {
			defer wg.Done()
			pool.Run(ctx)
		}()

		logger.Info("worker pool started", slog.Int("worker_count", workerCount))
	} else {
		logger.Warn("worker pool disabled via DISABLE_WORKERS")
	}

	// server.Start is the sole owner of the shutdown signal: it registers
	// its own signal.Notify and blocks until the HTTP server has stopped
	// accepting connections and drained in-flight requests. Only once it
	// returns do we cancel the worker pool's context, so the two never
	// tear down concurrently in reaction to the same signal.
	if err := server.Start(); err != nil {
		logger.Error("server failed", slog.String("error", err.Error()))
	} else {
		logger.Info("server stopped")
	}

	cancel()
	wg.Wait()
	logger.Info("aggregator service stopped")
}

// buildQueue constructs the Event Queue per USE_INMEMORY_QUEUE: a Redis
// queue by default, or an in-process test double for tests that don't
// want a Redis dependency. The returned closer releases Redis resources
// (a no-op for the in-memory queue).
func buildQueue(logger *slog.Logger) (queue.Queue, func()) {
	if config.GetEnvBool("USE_INMEMORY_QUEUE", false) {
		logger.Warn("using in-memory queue: entries do not survive process restart")

		q := queue.NewInMemoryQueue()

		return q, func() { _ = q.Close() }
	}

	queueURL := config.GetEnvStr("QUEUE_URL", "redis://localhost:6379/0")

	opts, err := redis.ParseURL(queueURL)
	if err != nil {
		logger.Error("invalid QUEUE_URL", slog.String("error", err.Error()))
		os.Exit(1)
	}

	client := redis.NewClient(opts)

	queueKey := config.GetEnvStr("QUEUE_KEY", defaultQueueKey)
	q := queue.NewRedisQueue(client, queueKey, logger)

	return q, func() { _ = q.Close() }
}

// buildRateLimiter returns nil when rps <= 0, which disables the rate
// limit middleware entirely (see middleware.WithRateLimit).
func buildRateLimiter(rps int) middleware.RateLimiter {
	if rps <= 0 {
		return nil
	}

	return middleware.NewInMemoryRateLimiter(rps, 0)
}
