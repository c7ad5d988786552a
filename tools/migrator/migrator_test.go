package migrator

import (
	"database/sql"
	"strings"
	"testing"
	"testing/fstest"

	_ "github.com/mattn/go-sqlite3"
)

// =============================================================================
// Test Helpers
// =============================================================================

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	// a single connection keeps every query on the same in-memory database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func tableExists(t *testing.T, db *sql.DB, tableName string) bool {
	t.Helper()
	var name string
	err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", tableName).Scan(&name)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		t.Fatalf("failed to check if table exists: %v", err)
	}
	return true
}

func file(content string) *fstest.MapFile {
	return &fstest.MapFile{Data: []byte(content)}
}

func baseFS() fstest.MapFS {
	return fstest.MapFS{
		"migrations/001_create_stores.sql": file(`-- +migrate Up
CREATE TABLE stores (id TEXT PRIMARY KEY, name TEXT NOT NULL);
`),
		"migrations/002_create_rules.sql": file(`-- +migrate Up
-- +migrate Depends: 001
CREATE TABLE rules (
	id TEXT PRIMARY KEY,
	store_id TEXT NOT NULL REFERENCES stores(id)
);
CREATE INDEX idx_rules_store ON rules(store_id);
`),
		"migrations/003_create_logs.sql": file(`-- +migrate Up notransaction
-- +migrate Depends: 001 002
CREATE TABLE logs (id TEXT PRIMARY KEY, rule_id TEXT NOT NULL);
`),
		"migrations/README.md": file("not a migration"),
	}
}

// =============================================================================
// Parser Tests
// =============================================================================

func TestParseMigration_Valid(t *testing.T) {
	m, err := ParseMigration("001_create_stores.sql", []byte("-- +migrate Up\nCREATE TABLE stores (id TEXT);\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if m.Version != 1 {
		t.Errorf("expected version 1, got %d", m.Version)
	}
	if m.Name != "create_stores" {
		t.Errorf("expected name 'create_stores', got '%s'", m.Name)
	}
	if m.UpSQL != "CREATE TABLE stores (id TEXT);" {
		t.Errorf("unexpected UpSQL: %q", m.UpSQL)
	}
	if m.NoTransaction {
		t.Error("expected NoTransaction to be false")
	}
	if len(m.Dependencies) != 0 {
		t.Errorf("expected no dependencies, got %v", m.Dependencies)
	}
	if m.Checksum == "" {
		t.Error("expected checksum to be set")
	}
}

func TestParseMigration_Directives(t *testing.T) {
	content := `-- header comment
-- +migrate Up notransaction
-- +migrate Depends: 1 2
-- explains the index
CREATE INDEX idx ON t(c);`

	m, err := ParseMigration("003_add_index.sql", []byte(content))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !m.NoTransaction {
		t.Error("expected NoTransaction to be true")
	}
	if len(m.Dependencies) != 2 || m.Dependencies[0] != 1 || m.Dependencies[1] != 2 {
		t.Errorf("expected dependencies [1 2], got %v", m.Dependencies)
	}
	if m.UpSQL != "CREATE INDEX idx ON t(c);" {
		t.Errorf("unexpected UpSQL: %q", m.UpSQL)
	}
}

func TestParseMigration_Errors(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		content     string
		errContains string
	}{
		{"bad filename", "1_x.sql", "-- +migrate Up\nSELECT 1;", "invalid migration filename"},
		{"missing marker", "001_x.sql", "SELECT 1;", "missing '-- +migrate Up' marker"},
		{"empty sql", "001_x.sql", "-- +migrate Up\n-- nothing here\n", "contains no SQL"},
		{"empty depends", "002_x.sql", "-- +migrate Up\n-- +migrate Depends:\nSELECT 1;", "empty dependency list"},
		{"bad depends", "002_x.sql", "-- +migrate Up\n-- +migrate Depends: abc\nSELECT 1;", "invalid dependency version"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMigration(tt.filename, []byte(tt.content))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

// =============================================================================
// Loader Tests
// =============================================================================

func TestLoadMigrations_Sorted(t *testing.T) {
	migrations, err := LoadMigrations(baseFS(), "migrations")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	for i, m := range migrations {
		if m.Version != i+1 {
			t.Errorf("migration %d has version %d", i, m.Version)
		}
	}
}

func TestLoadMigrations_ValidationErrors(t *testing.T) {
	tests := []struct {
		name        string
		fs          fstest.MapFS
		errContains string
	}{
		{
			name: "gap",
			fs: fstest.MapFS{
				"m/001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"m/003_c.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			errContains: "gap in migration versions",
		},
		{
			name: "duplicate",
			fs: fstest.MapFS{
				"m/001_a.sql": file("-- +migrate Up\nSELECT 1;"),
				"m/001_b.sql": file("-- +migrate Up\nSELECT 1;"),
			},
			errContains: "duplicate migration version",
		},
		{
			name: "missing dependency",
			fs: fstest.MapFS{
				"m/001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 7\nSELECT 1;"),
			},
			errContains: "non-existent version 7",
		},
		{
			name: "cycle",
			fs: fstest.MapFS{
				"m/001_a.sql": file("-- +migrate Up\n-- +migrate Depends: 2\nSELECT 1;"),
				"m/002_b.sql": file("-- +migrate Up\n-- +migrate Depends: 1\nSELECT 1;"),
			},
			errContains: "circular dependency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.fs, "m")
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.errContains)
			}
			if !strings.Contains(err.Error(), tt.errContains) {
				t.Errorf("expected error containing %q, got %v", tt.errContains, err)
			}
		})
	}
}

func TestLoadMigrations_DirectoryNotFound(t *testing.T) {
	if _, err := LoadMigrations(fstest.MapFS{}, "missing"); err == nil {
		t.Error("expected error for missing directory")
	}
}

// =============================================================================
// Runner Tests
// =============================================================================

func TestRunMigrations_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	for _, table := range []string{"stores", "rules", "logs", "schema_migrations"} {
		if !tableExists(t, db, table) {
			t.Errorf("expected table %s to exist", table)
		}
	}

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("GetCurrentVersion failed: %v", err)
	}
	if version != 3 {
		t.Errorf("expected version 3, got %d", version)
	}
}

func TestRunMigrations_Idempotent(t *testing.T) {
	db := setupTestDB(t)

	for i := 0; i < 3; i++ {
		if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
			t.Fatalf("run %d failed: %v", i, err)
		}
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 3 {
		t.Errorf("expected 3 applied migrations, got %d", len(applied))
	}
}

func TestRunMigrations_Incremental(t *testing.T) {
	db := setupTestDB(t)

	partial := baseFS()
	delete(partial, "migrations/003_create_logs.sql")
	if err := RunMigrations(db, partial, "migrations"); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	if tableExists(t, db, "logs") {
		t.Fatal("logs table should not exist yet")
	}

	if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if !tableExists(t, db, "logs") {
		t.Error("expected logs table after second run")
	}
}

func TestRunMigrations_FailedMigrationRollsBack(t *testing.T) {
	db := setupTestDB(t)

	fsys := fstest.MapFS{
		"m/001_ok.sql":     file("-- +migrate Up\nCREATE TABLE ok (id INTEGER);"),
		"m/002_broken.sql": file("-- +migrate Up\nCREATE TABLE half (id INTEGER);\nTHIS IS NOT SQL;"),
	}

	err := RunMigrations(db, fsys, "m")
	if err == nil {
		t.Fatal("expected error from broken migration")
	}
	if !strings.Contains(err.Error(), "failed to apply migration 2") {
		t.Errorf("unexpected error: %v", err)
	}

	if tableExists(t, db, "half") {
		t.Error("partial migration should have been rolled back")
	}

	version, _ := GetCurrentVersion(db)
	if version != 1 {
		t.Errorf("expected version 1 after failure, got %d", version)
	}
}

func TestRunMigrations_ModifiedAfterApply(t *testing.T) {
	db := setupTestDB(t)

	if err := RunMigrations(db, baseFS(), "migrations"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	changed := baseFS()
	changed["migrations/001_create_stores.sql"] = file("-- +migrate Up\nCREATE TABLE stores (id TEXT PRIMARY KEY);\n")

	err := RunMigrations(db, changed, "migrations")
	if err == nil || !strings.Contains(err.Error(), "modified after being applied") {
		t.Errorf("expected modified migration error, got %v", err)
	}
}

func TestGetCurrentVersion_FreshDatabase(t *testing.T) {
	db := setupTestDB(t)

	version, err := GetCurrentVersion(db)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0, got %d", version)
	}
}

func TestGetStatus(t *testing.T) {
	db := setupTestDB(t)

	partial := baseFS()
	delete(partial, "migrations/003_create_logs.sql")
	if err := RunMigrations(db, partial, "migrations"); err != nil {
		t.Fatalf("RunMigrations failed: %v", err)
	}

	statuses, err := GetStatus(db, baseFS(), "migrations")
	if err != nil {
		t.Fatalf("GetStatus failed: %v", err)
	}
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}

	want := []bool{true, true, false}
	for i, s := range statuses {
		if s.Applied != want[i] {
			t.Errorf("migration %d applied = %v, want %v", s.Migration.Version, s.Applied, want[i])
		}
	}
}
