package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/aggregator-io/aggregator/migrations"
)

type (
	// MigrationRunner runs schema migrations against a Postgres database.
	MigrationRunner interface {
		Up() error
		Down() error
		Status() error
		Version() error
		Drop() error
		Close() error
	}

	migrationRunner struct {
		config  *Config
		migrate *migrate.Migrate
		db      *sql.DB
	}

	migrateLogger struct{}
)

var (
	_ migrate.Logger = (*migrateLogger)(nil)
	_ io.Writer      = (*migrateLogger)(nil)
)

func (migrateLogger) Printf(format string, v ...interface{}) { log.Printf(format, v...) }
func (migrateLogger) Verbose() bool                          { return false }

func (l migrateLogger) Write(p []byte) (int, error) {
	log.Print(string(p))

	return len(p), nil
}

// NewMigrationRunner opens a database connection and builds a migrate.Migrate
// instance backed by the compiled-in SQL migrations.
func NewMigrationRunner(cfg *Config) (MigrationRunner, error) {
	log.Printf("Initializing migration runner with config: %s", cfg.String())

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: cfg.MigrationTable})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	embedded := migrations.New(nil)
	if err := embedded.Validate(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("embedded migrations failed validation: %w", err)
	}

	source, err := iofs.New(embedded.FS(), ".")
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to build migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = migrateLogger{}

	log.Println("Migration runner initialized successfully")

	return &migrationRunner{config: cfg, migrate: m, db: db}, nil
}

// Up applies all pending migrations.
func (r *migrationRunner) Up() error {
	log.Println("Starting migration up...")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rolls back the most recently applied migration.
func (r *migrationRunner) Down() error {
	log.Println("Starting migration down...")

	err := r.migrate.Steps(-1)
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No migrations to rollback")
	} else {
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status prints the current migration version and dirty state.
func (r *migrationRunner) Status() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Migration Status: No migrations applied yet")

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	status := "clean"
	if dirty {
		status = "dirty (needs manual intervention)"
	}

	fmt.Printf("Migration Status: Version %d (%s)\n", ver, status)

	return nil
}

// Version prints the current migration version.
func (r *migrationRunner) Version() error {
	ver, dirty, err := r.migrate.Version()
	if err != nil {
		if errors.Is(err, migrate.ErrNilVersion) {
			fmt.Println("Current Version: No migrations applied")

			return nil
		}

		return fmt.Errorf("failed to get migration version: %w", err)
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	fmt.Printf("Current Version: %d%s\n", ver, dirtyNote)

	return nil
}

// Drop drops every table tracked by the migration tool. Destructive.
func (r *migrationRunner) Drop() error {
	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Close releases the runner's database connection.
func (r *migrationRunner) Close() error {
	sourceErr, dbErr := r.migrate.Close()

	if sourceErr != nil {
		return fmt.Errorf("failed to close migration source: %w", sourceErr)
	}

	if dbErr != nil {
		return fmt.Errorf("failed to close database driver: %w", dbErr)
	}

	return r.db.Close()
}
