package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Entity Mapping Operations
// =============================================================================

const mappingColumns = `id, sync_type, source_store_id, source_entity_id, target_store_id,
	target_entity_id, created_at, last_synced_at, last_synced_hash`

func scanMapping(s rowScanner) (*models.Mapping, error) {
	var m models.Mapping
	err := s.Scan(
		&m.ID,
		&m.SyncType,
		&m.SourceStoreID,
		&m.SourceEntityID,
		&m.TargetStoreID,
		&m.TargetEntityID,
		&m.CreatedAt,
		&m.LastSyncedAt,
		&m.LastSyncedHash,
	)
	if err != nil {
		return nil, err
	}
	m.CreatedAt = m.CreatedAt.UTC()
	m.LastSyncedAt = m.LastSyncedAt.UTC()
	return &m, nil
}

func findMapping(q queryer, key models.MappingKey) (*models.Mapping, error) {
	query := `
		SELECT ` + mappingColumns + `
		FROM entity_mappings
		WHERE sync_type = ? AND source_store_id = ? AND source_entity_id = ? AND target_store_id = ?
	`

	m, err := scanMapping(q.QueryRow(query, key.SyncType, key.SourceStoreID, key.SourceEntityID, key.TargetStoreID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FindMapping looks a mapping up by its uniqueness key
func (db *DB) FindMapping(key models.MappingKey) (*models.Mapping, error) {
	return findMapping(db, key)
}

// FindMapping looks a mapping up within a transaction
func (tx *Tx) FindMapping(key models.MappingKey) (*models.Mapping, error) {
	return findMapping(tx, key)
}

// GetMapping retrieves a mapping by ID
func (db *DB) GetMapping(id string) (*models.Mapping, error) {
	m, err := scanMapping(db.QueryRow(`SELECT `+mappingColumns+` FROM entity_mappings WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// InsertMappingIfAbsent inserts m unless a mapping with the same key exists.
// It reports whether the row was inserted.
func (tx *Tx) InsertMappingIfAbsent(m *models.Mapping) (bool, error) {
	query := `
		INSERT INTO entity_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (sync_type, source_store_id, source_entity_id, target_store_id) DO NOTHING
	`

	res, err := tx.Exec(query,
		m.ID,
		m.SyncType,
		m.SourceStoreID,
		m.SourceEntityID,
		m.TargetStoreID,
		m.TargetEntityID,
		m.CreatedAt.UTC(),
		m.LastSyncedAt.UTC(),
		m.LastSyncedHash,
	)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateMappingSync points a mapping at targetEntityID and records the synced hash
func (tx *Tx) UpdateMappingSync(id, targetEntityID, hash string, at time.Time) error {
	res, err := tx.Exec(`
		UPDATE entity_mappings
		SET target_entity_id = ?, last_synced_hash = ?, last_synced_at = ?
		WHERE id = ?
	`, targetEntityID, hash, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// ListMappings retrieves mappings matching filter
func (db *DB) ListMappings(filter models.MappingFilter) ([]models.Mapping, error) {
	var (
		where []string
		args  []any
	)
	if filter.SyncType != "" {
		where = append(where, "sync_type = ?")
		args = append(args, filter.SyncType)
	}
	if filter.SourceStoreID != "" {
		where = append(where, "source_store_id = ?")
		args = append(args, filter.SourceStoreID)
	}
	if filter.TargetStoreID != "" {
		where = append(where, "target_store_id = ?")
		args = append(args, filter.TargetStoreID)
	}

	query := `SELECT ` + mappingColumns + ` FROM entity_mappings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	mappings := []models.Mapping{}
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}

// DeleteMapping removes a mapping and, by cascade, its conflicts
func (db *DB) DeleteMapping(id string) error {
	res, err := db.Exec(`DELETE FROM entity_mappings WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
