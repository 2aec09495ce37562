// Package storage provides the Postgres-backed Dedup Store for the aggregator.
package storage

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

const (
	postgresDriver = "postgres"
	ctxTimeout     = 5 * time.Second
)

// Connection wraps a pooled *sql.DB with the health-check/stats surface the
// rest of the service depends on.
type Connection struct {
	*sql.DB
}

// NewConnection opens a PostgreSQL connection pool and verifies it with an
// immediate health check so configuration errors surface at startup, not on
// the first request.
func NewConnection(config *Config) (*Connection, error) {
	db, err := sql.Open(postgresDriver, config.databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), ctxTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("database health check failed: %w", err)
	}

	return &Connection{db}, nil
}

// HealthCheck verifies the connection is still alive, with a default timeout
// if the caller passes no context deadline of its own.
func (c *Connection) HealthCheck(ctx context.Context) error { //nolint:contextcheck
	if ctx == nil {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(context.Background(), ctxTimeout)

		defer cancel()
	}

	return c.PingContext(ctx)
}

// Close closes the underlying connection pool. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.DB.Close()
}

// Stats returns connection pool statistics. /health does not include them.
func (c *Connection) Stats() sql.DBStats {
	return c.DB.Stats()
}

// SecureCompare performs a constant-time comparison of two strings, used for
// the optional shared-secret check on /publish. It never short-circuits on
// length so timing leaks no information about how much of the secret matched.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
