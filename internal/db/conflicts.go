package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Conflict Operations
// =============================================================================

const conflictColumns = `id, rule_id, mapping_id, sync_type, source_snapshot, target_snapshot,
	detected_at, state, method, resolved_value, resolved_at`

func scanConflict(s rowScanner) (*models.Conflict, error) {
	var (
		c            models.Conflict
		sourceJSON   string
		targetJSON   string
		resolvedJSON sql.NullString
		resolvedAt   sql.NullTime
	)
	err := s.Scan(
		&c.ID,
		&c.RuleID,
		&c.MappingID,
		&c.SyncType,
		&sourceJSON,
		&targetJSON,
		&c.DetectedAt,
		&c.State,
		&c.Method,
		&resolvedJSON,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sourceJSON), &c.SourceSnapshot); err != nil {
		return nil, fmt.Errorf("decode source snapshot of conflict %s: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(targetJSON), &c.TargetSnapshot); err != nil {
		return nil, fmt.Errorf("decode target snapshot of conflict %s: %w", c.ID, err)
	}
	if resolvedJSON.Valid {
		var v models.Entity
		if err := json.Unmarshal([]byte(resolvedJSON.String), &v); err != nil {
			return nil, fmt.Errorf("decode resolved value of conflict %s: %w", c.ID, err)
		}
		c.ResolvedValue = &v
	}
	c.DetectedAt = c.DetectedAt.UTC()
	c.ResolvedAt = timePtr(resolvedAt)
	return &c, nil
}

func encodeEntity(e *models.Entity) (sql.NullString, error) {
	if e == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

// CreateConflict inserts a conflict. A second pending conflict for the same
// mapping is rejected with ErrDuplicate.
func (db *DB) CreateConflict(c *models.Conflict) error {
	source, err := encodeEntity(&c.SourceSnapshot)
	if err != nil {
		return err
	}
	target, err := encodeEntity(&c.TargetSnapshot)
	if err != nil {
		return err
	}
	resolved, err := encodeEntity(c.ResolvedValue)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO sync_conflicts (` + conflictColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = db.Exec(query,
		c.ID,
		c.RuleID,
		c.MappingID,
		c.SyncType,
		source.String,
		target.String,
		c.DetectedAt.UTC(),
		c.State,
		c.Method,
		resolved,
		nullTime(c.ResolvedAt),
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetConflict retrieves a conflict by ID
func (db *DB) GetConflict(id string) (*models.Conflict, error) {
	c, err := scanConflict(db.QueryRow(`SELECT `+conflictColumns+` FROM sync_conflicts WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindPendingConflict returns the pending conflict of a mapping, if any
func (db *DB) FindPendingConflict(mappingID string) (*models.Conflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts WHERE mapping_id = ? AND state = ?`
	c, err := scanConflict(db.QueryRow(query, mappingID, models.ConflictPending))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConflicts retrieves conflicts matching filter, newest first
func (db *DB) ListConflicts(filter models.ConflictFilter) ([]models.Conflict, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}

	query := `SELECT ` + conflictColumns + ` FROM sync_conflicts`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY detected_at DESC, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	conflicts := []models.Conflict{}
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		conflicts = append(conflicts, *c)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return conflicts, nil
}

// ResolveConflict marks a pending conflict resolved. It returns ErrNotFound
// when the conflict does not exist or is no longer pending.
func (db *DB) ResolveConflict(id string, method models.ConflictPolicy, value models.Entity, at time.Time) error {
	resolved, err := encodeEntity(&value)
	if err != nil {
		return err
	}

	res, err := db.Exec(`
		UPDATE sync_conflicts
		SET state = ?, method = ?, resolved_value = ?, resolved_at = ?
		WHERE id = ? AND state = ?
	`, models.ConflictResolved, method, resolved, at.UTC(), id, models.ConflictPending)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
