package main

import (
	"errors"
	"fmt"

	"github.com/aggregator-io/aggregator/internal/config"
)

// Static errors for validation.
var (
	ErrDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	ErrMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
)

// Config holds configuration for the migration tool.
type Config struct {
	DatabaseURL    string
	MigrationTable string
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return ErrMigrationTableEmpty
	}

	return nil
}

// String returns a representation of the configuration safe for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationTable: %s}", maskDatabaseURL(c.DatabaseURL), c.MigrationTable)
}

// maskDatabaseURL masks the password component of a Postgres connection URL.
func maskDatabaseURL(url string) string {
	if url == "" {
		return ""
	}

	authStart := -1

	for i := 0; i < len(url)-1; i++ {
		if url[i] == '/' && url[i+1] == '/' {
			authStart = i + 2

			break
		}
	}

	if authStart == -1 {
		return url
	}

	atPos := -1

	for i := authStart; i < len(url); i++ {
		if url[i] == '/' || url[i] == '?' || url[i] == '#' {
			break
		}

		if url[i] == '@' {
			atPos = i
		}
	}

	if atPos == -1 {
		return url
	}

	colonPos := -1

	for i := authStart; i < atPos; i++ {
		if url[i] == ':' {
			colonPos = i

			break
		}
	}

	if colonPos == -1 || atPos-(colonPos+1) == 0 {
		return url
	}

	return url[:colonPos+1] + "***" + url[atPos:]
}
