package migrations

import (
	"strings"
	"testing"
	"testing/fstest"
)

const (
	validUp   = "CREATE TABLE widgets (id INTEGER);"
	validDown = "DROP TABLE widgets;"
)

func twoMigrationFS() fstest.MapFS {
	return fstest.MapFS{
		"001_widgets.up.sql":   {Data: []byte(validUp)},
		"001_widgets.down.sql": {Data: []byte(validDown)},
	}
}

func TestEmbeddedMigration_List(t *testing.T) {
	em := New(twoMigrationFS())

	files, err := em.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("expected 2 files, got %d: %v", len(files), files)
	}

	if files[0] != "001_widgets.down.sql" || files[1] != "001_widgets.up.sql" {
		t.Fatalf("unexpected sort order: %v", files)
	}
}

func TestEmbeddedMigration_List_IgnoresMalformedFilenames(t *testing.T) {
	fsys := twoMigrationFS()
	fsys["not-a-migration.sql"] = &fstest.MapFile{Data: []byte("garbage")}

	em := New(fsys)

	files, err := em.List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}

	if len(files) != 2 {
		t.Fatalf("expected malformed filename to be skipped, got %v", files)
	}
}

func TestEmbeddedMigration_Validate_Succeeds(t *testing.T) {
	em := New(twoMigrationFS())

	if err := em.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestEmbeddedMigration_Validate_DetectsOrphanedUp(t *testing.T) {
	fsys := fstest.MapFS{
		"001_widgets.up.sql": {Data: []byte(validUp)},
	}

	em := New(fsys)

	err := em.Validate()
	if err == nil || !strings.Contains(err.Error(), "orphaned up migration") {
		t.Fatalf("expected orphaned up migration error, got %v", err)
	}
}

func TestEmbeddedMigration_Validate_DetectsSequenceGap(t *testing.T) {
	fsys := fstest.MapFS{
		"001_widgets.up.sql":   {Data: []byte(validUp)},
		"001_widgets.down.sql": {Data: []byte(validDown)},
		"003_gizmos.up.sql":    {Data: []byte(validUp)},
		"003_gizmos.down.sql":  {Data: []byte(validDown)},
	}

	em := New(fsys)

	err := em.Validate()
	if err == nil || !strings.Contains(err.Error(), "gap in migration sequence") {
		t.Fatalf("expected sequence gap error, got %v", err)
	}
}

func TestEmbeddedMigration_Validate_DetectsChecksumMismatch(t *testing.T) {
	fsys := twoMigrationFS()
	em := New(fsys)

	if err := em.Validate(); err != nil {
		t.Fatalf("first Validate() error = %v", err)
	}

	fsys["001_widgets.up.sql"] = &fstest.MapFile{Data: []byte(validUp + " -- tampered")}

	err := em.Validate()
	if err == nil || !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected checksum mismatch error, got %v", err)
	}
}

func TestEmbeddedMigration_EmbeddedSQLValidates(t *testing.T) {
	em := New(nil)

	if err := em.Validate(); err != nil {
		t.Fatalf("compiled-in migrations failed validation: %v", err)
	}
}

func TestEmbeddedMigration_Validate_NoFiles(t *testing.T) {
	em := New(fstest.MapFS{})

	if err := em.Validate(); err == nil {
		t.Fatalf("expected an error for empty migration set")
	}
}
