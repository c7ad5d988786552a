package db

import (
	"database/sql"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// GetSettings returns the global sync settings, falling back to defaults
// when the settings row is missing
func (db *DB) GetSettings() (models.Settings, error) {
	var s models.Settings
	err := db.QueryRow(`
		SELECT default_interval_minutes, default_conflict_policy, updated_at
		FROM sync_settings
		WHERE id = 1
	`).Scan(&s.DefaultIntervalMinutes, &s.DefaultConflictPolicy, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return models.DefaultSettings(), nil
	}
	if err != nil {
		return models.Settings{}, err
	}
	s.UpdatedAt = s.UpdatedAt.UTC()
	return s, nil
}

// SaveSettings replaces the global sync settings
func (db *DB) SaveSettings(s models.Settings) error {
	_, err := db.Exec(`
		INSERT INTO sync_settings (id, default_interval_minutes, default_conflict_policy, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			default_interval_minutes = excluded.default_interval_minutes,
			default_conflict_policy = excluded.default_conflict_policy,
			updated_at = excluded.updated_at
	`, s.DefaultIntervalMinutes, s.DefaultConflictPolicy, s.UpdatedAt.UTC())
	return err
}
