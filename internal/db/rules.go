package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Sync Rule Operations
// =============================================================================

const ruleColumns = `id, name, source_store_id, target_store_id, sync_type, mode, interval_minutes,
	status, conflict_policy, last_run_at, last_run_status, created_at, updated_at`

func scanRule(s rowScanner) (*models.SyncRule, error) {
	var (
		rule      models.SyncRule
		lastRunAt sql.NullTime
	)
	err := s.Scan(
		&rule.ID,
		&rule.Name,
		&rule.SourceStoreID,
		&rule.TargetStoreID,
		&rule.SyncType,
		&rule.Mode,
		&rule.IntervalMinutes,
		&rule.Status,
		&rule.ConflictPolicy,
		&lastRunAt,
		&rule.LastRunStatus,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rule.LastRunAt = timePtr(lastRunAt)
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

// CreateRule inserts a new rule. CreatedAt and UpdatedAt are set by the caller.
func (db *DB) CreateRule(rule *models.SyncRule) error {
	query := `
		INSERT INTO sync_rules (` + ruleColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		rule.ID,
		rule.Name,
		rule.SourceStoreID,
		rule.TargetStoreID,
		rule.SyncType,
		rule.Mode,
		rule.IntervalMinutes,
		rule.Status,
		rule.ConflictPolicy,
		nullTime(rule.LastRunAt),
		rule.LastRunStatus,
		rule.CreatedAt.UTC(),
		rule.UpdatedAt.UTC(),
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// GetRule retrieves a rule by ID
func (db *DB) GetRule(id string) (*models.SyncRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM sync_rules WHERE id = ?`

	rule, err := scanRule(db.QueryRow(query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rule, nil
}

// ListRules retrieves rules matching filter, oldest first
func (db *DB) ListRules(filter models.RuleFilter) ([]models.SyncRule, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.SyncType != "" {
		where = append(where, "sync_type = ?")
		args = append(args, filter.SyncType)
	}
	if filter.StoreID != "" {
		where = append(where, "(source_store_id = ? OR target_store_id = ?)")
		args = append(args, filter.StoreID, filter.StoreID)
	}

	query := `SELECT ` + ruleColumns + ` FROM sync_rules`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	rules := []models.SyncRule{}
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// UpdateRule overwrites the editable fields of a rule
func (db *DB) UpdateRule(rule *models.SyncRule) error {
	query := `
		UPDATE sync_rules
		SET name = ?, source_store_id = ?, target_store_id = ?, sync_type = ?, mode = ?,
			interval_minutes = ?, status = ?, conflict_policy = ?, updated_at = ?
		WHERE id = ?
	`

	res, err := db.Exec(query,
		rule.Name,
		rule.SourceStoreID,
		rule.TargetStoreID,
		rule.SyncType,
		rule.Mode,
		rule.IntervalMinutes,
		rule.Status,
		rule.ConflictPolicy,
		rule.UpdatedAt.UTC(),
		rule.ID,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// SetRuleStatus changes only the status of a rule
func (db *DB) SetRuleStatus(id string, status models.RuleStatus, at time.Time) error {
	res, err := db.Exec(`UPDATE sync_rules SET status = ?, updated_at = ? WHERE id = ?`, status, at.UTC(), id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// RecordRuleRun stores the start time and outcome of the latest run
func (db *DB) RecordRuleRun(id string, startedAt time.Time, status models.RunStatus) error {
	res, err := db.Exec(`UPDATE sync_rules SET last_run_at = ?, last_run_status = ? WHERE id = ?`,
		startedAt.UTC(), status, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// DeleteRule removes a rule. Its logs and mappings are kept.
func (db *DB) DeleteRule(id string) error {
	res, err := db.Exec(`DELETE FROM sync_rules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkAffected(res)
}
