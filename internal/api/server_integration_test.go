// Package api provides HTTP API server implementation for the event aggregator.
package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aggregator-io/aggregator/internal/ingestion"
	"github.com/aggregator-io/aggregator/internal/queue"
	"github.com/aggregator-io/aggregator/internal/storage"
	"github.com/aggregator-io/aggregator/migrations"
)

// newTestServer starts a real Postgres container, runs migrations against
// it, and wires a Server over it plus a process-local queue - the same
// shape cmd/aggregator wires in production, minus Redis. It returns the
// raw *sql.DB alongside the Server so tests can sever the connection to
// simulate an unreachable store.
func newTestServer(t *testing.T) (*Server, *sql.DB) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("aggregator_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(120*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, testcontainers.TerminateContainer(pgContainer))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)

	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, runTestMigrations(db))

	conn := &storage.Connection{DB: db}
	store := storage.NewDedupStore(conn, slog.New(slog.NewTextHandler(testWriter{t}, nil)))

	q := queue.NewInMemoryQueue()
	t.Cleanup(func() { _ = q.Close() })

	cfg := ServerConfig{
		Port:            8080,
		Host:            "localhost",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 30 * time.Second,
		LogLevel:        slog.LevelWarn,
	}

	return NewServer(&cfg, store, q, nil), db
}

// testWriter adapts *testing.T into an io.Writer so slog output lands in
// the test log instead of stdout.
type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(bytes.TrimRight(p, "\n")))

	return len(p), nil
}

func runTestMigrations(db *sql.DB) error {
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return err
	}

	source, err := iofs.New(migrations.New(nil).FS(), ".")
	if err != nil {
		return err
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}

	return nil
}

func samplePublishBody(topic string, n int) []byte {
	events := make([]ingestion.Event, n)
	for i := range events {
		events[i] = ingestion.Event{
			Topic:     topic,
			EventID:   fmt.Sprintf("evt-%d", i),
			Source:    "integration-test",
			Timestamp: time.Now().UTC(),
			Payload:   json.RawMessage(`{"n":` + fmt.Sprint(i) + `}`),
		}
	}

	body, _ := json.Marshal(PublishRequest{Events: events})

	return body
}

func TestPublishAtomic_InsertsAndDedupes(t *testing.T) {
	server, _ := newTestServer(t)

	topic := "orders.created"
	body := samplePublishBody(topic, 3)

	req := httptest.NewRequest(http.MethodPost, "/publish?atomic=true", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp PublishAtomicResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 3, resp.Accepted)
	require.Equal(t, 3, resp.Inserted)
	require.Equal(t, 0, resp.Duplicate)

	// Re-publishing the same batch must be a no-op dedup, not an error.
	req2 := httptest.NewRequest(http.MethodPost, "/publish?atomic=true", bytes.NewReader(body))
	req2.Header.Set("Content-Type", "application/json")

	rr2 := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr2, req2)

	require.Equal(t, http.StatusOK, rr2.Code, rr2.Body.String())

	var resp2 PublishAtomicResponse
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &resp2))
	require.Equal(t, 0, resp2.Inserted)
	require.Equal(t, 3, resp2.Duplicate)
}

func TestPublishQueued_EnqueuesAndDrainable(t *testing.T) {
	server, _ := newTestServer(t)

	body := samplePublishBody("clicks", 2)

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp PublishQueuedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Accepted)
	require.Equal(t, 2, resp.Queued)

	size, err := server.queue.Size(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, size)
}

func TestPublish_RejectsEmptyBatch(t *testing.T) {
	server, _ := newTestServer(t)

	body, _ := json.Marshal(PublishRequest{Events: nil})

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "validation_error", problem.Error)
	require.NotEmpty(t, problem.CorrelationID)
}

func TestPublish_RejectsNonJSONContentType(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader([]byte("topic=a")))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestPublish_SharedSecretRequiredWhenConfigured(t *testing.T) {
	server, _ := newTestServer(t)
	server.config.PublishSharedSecret = "s3cr3t"

	body := samplePublishBody("orders.created", 1)

	t.Run("missing header rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("correct header accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Publish-Secret", "s3cr3t")

		rr := httptest.NewRecorder()
		server.httpServer.Handler.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	})
}

func TestEvents_RequiresTopicQueryParam(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestEvents_ReturnsInsertedEvents(t *testing.T) {
	server, _ := newTestServer(t)

	topic := "signups"
	body := samplePublishBody(topic, 2)

	publishReq := httptest.NewRequest(http.MethodPost, "/publish?atomic=true", bytes.NewReader(body))
	publishReq.Header.Set("Content-Type", "application/json")
	server.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), publishReq)

	req := httptest.NewRequest(http.MethodGet, "/events?topic="+topic, nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var events []ingestion.StoredEvent
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &events))
	require.Len(t, events, 2)
}

func TestEvents_ZeroLimitReturnsEmptyArray(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events?topic=signups&limit=0", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, "[]", rr.Body.String())
}

func TestStats_ReflectsPublishedBatches(t *testing.T) {
	server, _ := newTestServer(t)

	body := samplePublishBody("metrics.topic", 4)
	req := httptest.NewRequest(http.MethodPost, "/publish?atomic=true", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), req)

	statsReq := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, statsReq)

	require.Equal(t, http.StatusOK, rr.Code)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.EqualValues(t, 4, stats.Received)
	require.EqualValues(t, 4, stats.UniqueProcessed)
	require.Contains(t, stats.Topics, "metrics.topic")
	require.InDelta(t, 0.0, stats.DedupRatePercent, 0.01)
}

func TestMetricsReset_ZeroesCountersOnly(t *testing.T) {
	server, _ := newTestServer(t)

	body := samplePublishBody("reset.topic", 1)
	req := httptest.NewRequest(http.MethodPost, "/publish?atomic=true", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), req)

	resetReq := httptest.NewRequest(http.MethodPost, "/metrics/reset", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, resetReq)

	require.Equal(t, http.StatusOK, rr.Code)

	statsReq := httptest.NewRequest(http.MethodGet, "/stats", nil)
	statsRR := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(statsRR, statsReq)

	var stats StatsResponse
	require.NoError(t, json.Unmarshal(statsRR.Body.Bytes(), &stats))
	require.Zero(t, stats.Received)

	eventsReq := httptest.NewRequest(http.MethodGet, "/events?topic=reset.topic", nil)
	eventsRR := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(eventsRR, eventsReq)

	var events []ingestion.StoredEvent
	require.NoError(t, json.Unmarshal(eventsRR.Body.Bytes(), &events))
	require.Len(t, events, 1, "reset must not delete stored events")
}

func TestQueueStats_ReportsDepth(t *testing.T) {
	server, _ := newTestServer(t)

	body := samplePublishBody("queue.topic", 5)
	req := httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	server.httpServer.Handler.ServeHTTP(httptest.NewRecorder(), req)

	statsReq := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, statsReq)

	require.Equal(t, http.StatusOK, rr.Code)

	var stats QueueStatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &stats))
	require.EqualValues(t, 5, stats.QueueSize)
}

func TestHealth_DegradesWhenStoreUnreachable(t *testing.T) {
	server, db := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	require.Equal(t, "healthy", health.Status)

	// Force the store unreachable by closing its connection pool, then
	// confirm /health reports degraded rather than failing outright.
	require.NoError(t, db.Close())

	rr2 := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr2, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr2.Code)

	var degraded HealthResponse
	require.NoError(t, json.Unmarshal(rr2.Body.Bytes(), &degraded))
	require.Equal(t, "degraded", degraded.Status)
	require.NotEmpty(t, degraded.Detail)
}

func TestNotFound_ReturnsRFC7807(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	rr := httptest.NewRecorder()
	server.httpServer.Handler.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)

	var problem ProblemDetail
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &problem))
	require.Equal(t, "not_found", problem.Error)
}
