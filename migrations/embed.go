// Package migrations embeds and validates the aggregator's SQL schema
// migrations for zero-config deployment.
package migrations

import (
	"crypto/sha256"
	"embed"
	"fmt"
	"io/fs"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

// EmbeddedMigration provides a true embedded migration system with
// filename, pairing, sequence, and checksum validation for production-ready
// migration management in containerized environments.
type EmbeddedMigration struct {
	fs        fs.FS
	checksums map[string]string // filename -> checksum for integrity checking
}

// MigrationInfo contains parsed information about a migration file.
type MigrationInfo struct {
	Sequence  int
	Name      string
	Direction string // "up" or "down"
	Filename  string
}

//go:embed *.sql
var embeddedMigrations embed.FS

// migrationFilenameRegex matches 001_name.up.sql / 001_name.down.sql.
var migrationFilenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_]+)\.(up|down)\.sql$`)

// New creates an EmbeddedMigration. Pass nil to use the compiled-in SQL
// files; a non-nil fs.FS is accepted so tests can substitute a fixture tree.
func New(filesystem fs.FS) *EmbeddedMigration {
	if filesystem == nil {
		filesystem = embeddedMigrations
	}

	return &EmbeddedMigration{
		fs:        filesystem,
		checksums: make(map[string]string),
	}
}

// FS returns the embedded filesystem for use with migrate's iofs source driver.
func (e *EmbeddedMigration) FS() fs.FS {
	return e.fs
}

// List returns every migration filename conforming to the strict naming
// standard, sorted lexically, so NNN_name.down.sql precedes NNN_name.up.sql
// and both precede (NNN+1)_....
func (e *EmbeddedMigration) List() ([]string, error) {
	entries, err := fs.ReadDir(e.fs, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded migrations directory: %w", err)
	}

	var files []string

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := entry.Name()

		if filepath.Ext(filename) == ".sql" && migrationFilenameRegex.MatchString(filename) {
			files = append(files, filename)
		}
	}

	sort.Strings(files)

	return files, nil
}

// Validate runs filename, pairing, sequence, and checksum validation over
// every embedded migration file.
func (e *EmbeddedMigration) Validate() error {
	files, err := e.List()
	if err != nil {
		return err
	}

	if len(files) == 0 {
		return fmt.Errorf("no embedded migration files found")
	}

	for _, file := range files {
		if _, err := e.Content(file); err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}
	}

	if err := e.validateFilenames(files); err != nil {
		return err
	}

	if err := e.validatePairing(files); err != nil {
		return err
	}

	if err := e.validateSequence(files); err != nil {
		return err
	}

	if len(e.checksums) > 0 {
		if err := e.validateChecksums(files); err != nil {
			return err
		}
	}

	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		e.checksums[file] = e.checksum(content)
	}

	return nil
}

// Content returns the raw content of a single embedded migration file.
func (e *EmbeddedMigration) Content(filename string) ([]byte, error) {
	return fs.ReadFile(e.fs, filename)
}

func (e *EmbeddedMigration) parseFilename(filename string) (*MigrationInfo, error) {
	matches := migrationFilenameRegex.FindStringSubmatch(filename)
	if len(matches) != 4 { //nolint:mnd
		return nil, fmt.Errorf(
			"invalid migration filename format: %s (expected: 001_name.up.sql or 001_name.down.sql)",
			filename,
		)
	}

	sequence, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid sequence number in filename %s: %w", filename, err)
	}

	return &MigrationInfo{
		Sequence:  sequence,
		Name:      matches[2],
		Direction: matches[3],
		Filename:  filename,
	}, nil
}

func (e *EmbeddedMigration) validateFilenames(files []string) error {
	for _, file := range files {
		if _, err := e.parseFilename(file); err != nil {
			return fmt.Errorf("filename validation failed for %s: %w", file, err)
		}
	}

	return nil
}

func (e *EmbeddedMigration) validatePairing(files []string) error {
	migrations := make(map[string]map[string]*MigrationInfo)

	for _, file := range files {
		migration, err := e.parseFilename(file)
		if err != nil {
			return err
		}

		key := fmt.Sprintf("%03d_%s", migration.Sequence, migration.Name)
		if migrations[key] == nil {
			migrations[key] = make(map[string]*MigrationInfo)
		}

		migrations[key][migration.Direction] = migration
	}

	for key, directions := range migrations {
		if len(directions) != 2 { //nolint:mnd
			if _, hasUp := directions["up"]; !hasUp {
				return fmt.Errorf("orphaned down migration: missing up migration for %s", key)
			}

			if _, hasDown := directions["down"]; !hasDown {
				return fmt.Errorf("orphaned up migration: missing down migration for %s", key)
			}
		}
	}

	return nil
}

func (e *EmbeddedMigration) validateSequence(files []string) error {
	sequences := make(map[int]bool)

	for _, file := range files {
		migration, err := e.parseFilename(file)
		if err != nil {
			return err
		}

		sequences[migration.Sequence] = true
	}

	sequenceNumbers := make([]int, 0, len(sequences))
	for seq := range sequences {
		sequenceNumbers = append(sequenceNumbers, seq)
	}

	sort.Ints(sequenceNumbers)

	if len(sequenceNumbers) == 0 {
		return nil
	}

	if sequenceNumbers[0] != 1 {
		return fmt.Errorf("migration sequence should start with 001, but found %03d", sequenceNumbers[0])
	}

	for i := 1; i < len(sequenceNumbers); i++ {
		expected := sequenceNumbers[i-1] + 1
		actual := sequenceNumbers[i]

		if actual != expected {
			return fmt.Errorf("gap in migration sequence: expected %03d, found %03d", expected, actual)
		}
	}

	return nil
}

func (e *EmbeddedMigration) checksum(content []byte) string {
	hash := sha256.Sum256(content)

	return fmt.Sprintf("%x", hash)
}

func (e *EmbeddedMigration) validateChecksums(files []string) error {
	for _, file := range files {
		content, err := e.Content(file)
		if err != nil {
			return fmt.Errorf("failed to read file %s for checksum validation: %w", file, err)
		}

		current := e.checksum(content)
		if stored, exists := e.checksums[file]; exists && current != stored {
			return fmt.Errorf("checksum mismatch for %s: file has been modified", file)
		}
	}

	return nil
}
