package migrator

import (
	"database/sql"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// Status pairs a known migration with its applied state.
type Status struct {
	Migration Migration
	Applied   bool
	AppliedAt time.Time
}

// RunMigrations applies all pending migrations found in dir of fsys.
func RunMigrations(db *sql.DB, fsys fs.FS, dir string) error {
	driver := detectDriver(db)

	if err := createSchemaTable(db); err != nil {
		return fmt.Errorf("failed to create schema table: %w", err)
	}

	if err := acquireLock(db, driver); err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer releaseLock(db, driver)

	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return fmt.Errorf("failed to get applied migrations: %w", err)
	}

	appliedByVersion := make(map[int]AppliedMigration, len(applied))
	maxApplied := 0
	for _, a := range applied {
		appliedByVersion[a.Version] = a
		if a.Version > maxApplied {
			maxApplied = a.Version
		}
	}

	var pending []Migration
	for _, m := range migrations {
		a, ok := appliedByVersion[m.Version]
		if !ok {
			pending = append(pending, m)
			continue
		}
		// Rows written before checksums were recorded carry an empty checksum
		if a.Checksum != "" && a.Checksum != m.Checksum {
			return fmt.Errorf("migration %d (%s) was modified after being applied", m.Version, m.Name)
		}
	}

	for _, m := range pending {
		if m.Version < maxApplied {
			return fmt.Errorf("cannot apply migration %d: version %d is already applied (migrations must be applied in order)", m.Version, maxApplied)
		}
	}

	for _, m := range pending {
		for _, dep := range m.Dependencies {
			if _, ok := appliedByVersion[dep]; !ok {
				return fmt.Errorf("migration %d depends on version %d which has not been applied", m.Version, dep)
			}
		}

		if err := applyMigration(db, driver, m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}

		appliedByVersion[m.Version] = AppliedMigration{Version: m.Version, Name: m.Name, Checksum: m.Checksum}
	}

	return nil
}

// GetStatus reports every known migration and whether it has been applied.
func GetStatus(db *sql.DB, fsys fs.FS, dir string) ([]Status, error) {
	migrations, err := LoadMigrations(fsys, dir)
	if err != nil {
		return nil, err
	}

	applied, err := GetAppliedMigrations(db)
	if err != nil {
		return nil, err
	}

	appliedAt := make(map[int]time.Time, len(applied))
	for _, a := range applied {
		appliedAt[a.Version] = a.AppliedAt
	}

	statuses := make([]Status, 0, len(migrations))
	for _, m := range migrations {
		at, ok := appliedAt[m.Version]
		statuses = append(statuses, Status{Migration: m, Applied: ok, AppliedAt: at})
	}
	return statuses, nil
}

// GetCurrentVersion returns the highest applied migration version.
// Returns 0 if no migrations have been applied.
func GetCurrentVersion(db *sql.DB) (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		if isMissingTable(err) {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}

// GetAppliedMigrations returns every applied migration ordered by version.
func GetAppliedMigrations(db *sql.DB) ([]AppliedMigration, error) {
	rows, err := db.Query("SELECT version, name, checksum, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		if isMissingTable(err) {
			return []AppliedMigration{}, nil
		}
		return nil, err
	}
	defer rows.Close()

	applied := []AppliedMigration{}
	for rows.Next() {
		var a AppliedMigration
		if err := rows.Scan(&a.Version, &a.Name, &a.Checksum, &a.AppliedAt); err != nil {
			return nil, err
		}
		applied = append(applied, a)
	}

	return applied, rows.Err()
}

func isMissingTable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		strings.Contains(msg, "does not exist")
}

// createSchemaTable creates the schema_migrations table if it doesn't exist.
func createSchemaTable(db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`
	_, err := db.Exec(query)
	return err
}

// applyMigration executes a single migration and records it in schema_migrations.
func applyMigration(db *sql.DB, driver string, m Migration) error {
	record := fmt.Sprintf("INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (%s, %s, %s, %s)",
		placeholder(driver, 1), placeholder(driver, 2), placeholder(driver, 3), placeholder(driver, 4))
	now := time.Now().UTC()

	if m.NoTransaction {
		if _, err := db.Exec(m.UpSQL); err != nil {
			return fmt.Errorf("failed to execute SQL: %w", err)
		}
		if _, err := db.Exec(record, m.Version, m.Name, m.Checksum, now); err != nil {
			return fmt.Errorf("failed to record migration: %w", err)
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if _, err := tx.Exec(m.UpSQL); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to execute SQL: %w", err)
	}

	if _, err := tx.Exec(record, m.Version, m.Name, m.Checksum, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// placeholder returns the appropriate SQL placeholder for the given driver.
func placeholder(driver string, n int) string {
	if driver == "postgres" {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// acquireLock takes a database-wide advisory lock where the driver supports one.
// SQLite relies on its file lock.
func acquireLock(db *sql.DB, driver string) error {
	switch driver {
	case "postgres":
		_, err := db.Exec("SELECT pg_advisory_lock(731902114)")
		return err
	case "mysql":
		var result int
		if err := db.QueryRow("SELECT GET_LOCK('storesync_migrations', 10)").Scan(&result); err != nil {
			return err
		}
		if result != 1 {
			return fmt.Errorf("failed to acquire MySQL lock")
		}
	}
	return nil
}

// releaseLock releases the lock taken by acquireLock.
func releaseLock(db *sql.DB, driver string) error {
	switch driver {
	case "postgres":
		_, err := db.Exec("SELECT pg_advisory_unlock(731902114)")
		return err
	case "mysql":
		_, err := db.Exec("SELECT RELEASE_LOCK('storesync_migrations')")
		return err
	}
	return nil
}

// detectDriver guesses the driver since sql.DB does not expose its name.
func detectDriver(db *sql.DB) string {
	var version string
	if err := db.QueryRow("SELECT sqlite_version()").Scan(&version); err == nil {
		return "sqlite3"
	}

	if err := db.QueryRow("SELECT version()").Scan(&version); err == nil {
		v := strings.ToLower(version)
		switch {
		case strings.Contains(v, "postgresql"):
			return "postgres"
		case strings.Contains(v, "mysql"), strings.Contains(v, "mariadb"):
			return "mysql"
		}
	}

	return "sqlite3"
}
