package db

import (
	"database/sql"
	"strings"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Sync Log Operations
// =============================================================================

const logColumns = `id, run_id, rule_id, rule_name, source_store_id, target_store_id, sync_type,
	run_trigger, started_at, finished_at, status, succeeded, failed, skipped, conflicted, message`

func scanLog(s rowScanner) (*models.SyncLog, error) {
	var (
		l          models.SyncLog
		finishedAt sql.NullTime
	)
	err := s.Scan(
		&l.ID,
		&l.RunID,
		&l.RuleID,
		&l.RuleName,
		&l.SourceStoreID,
		&l.TargetStoreID,
		&l.SyncType,
		&l.Trigger,
		&l.StartedAt,
		&finishedAt,
		&l.Status,
		&l.Counts.Succeeded,
		&l.Counts.Failed,
		&l.Counts.Skipped,
		&l.Counts.Conflicted,
		&l.Message,
	)
	if err != nil {
		return nil, err
	}
	l.StartedAt = l.StartedAt.UTC()
	l.FinishedAt = timePtr(finishedAt)
	return &l, nil
}

// CreateLog inserts the log row of a run that just started
func (db *DB) CreateLog(l *models.SyncLog) error {
	query := `
		INSERT INTO sync_logs (` + logColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.Exec(query,
		l.ID,
		l.RunID,
		l.RuleID,
		l.RuleName,
		l.SourceStoreID,
		l.TargetStoreID,
		l.SyncType,
		l.Trigger,
		l.StartedAt.UTC(),
		nullTime(l.FinishedAt),
		l.Status,
		l.Counts.Succeeded,
		l.Counts.Failed,
		l.Counts.Skipped,
		l.Counts.Conflicted,
		l.Message,
	)
	if IsDuplicate(err) {
		return ErrDuplicate
	}
	return err
}

// FinishLog writes the final status of a running log. A log is finalized once;
// finishing an already finished log returns ErrNotFound.
func (db *DB) FinishLog(l *models.SyncLog) error {
	res, err := db.Exec(`
		UPDATE sync_logs
		SET finished_at = ?, status = ?, succeeded = ?, failed = ?, skipped = ?, conflicted = ?, message = ?
		WHERE id = ? AND status = ?
	`,
		nullTime(l.FinishedAt),
		l.Status,
		l.Counts.Succeeded,
		l.Counts.Failed,
		l.Counts.Skipped,
		l.Counts.Conflicted,
		l.Message,
		l.ID,
		models.RunRunning,
	)
	if err != nil {
		return err
	}
	return checkAffected(res)
}

// GetLog retrieves a log by ID
func (db *DB) GetLog(id string) (*models.SyncLog, error) {
	l, err := scanLog(db.QueryRow(`SELECT `+logColumns+` FROM sync_logs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

// LatestLog returns the most recent log of a rule
func (db *DB) LatestLog(ruleID string) (*models.SyncLog, error) {
	query := `SELECT ` + logColumns + ` FROM sync_logs WHERE rule_id = ? ORDER BY started_at DESC, id DESC LIMIT 1`
	l, err := scanLog(db.QueryRow(query, ruleID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func logWhere(filter models.LogFilter) (string, []any) {
	var (
		where []string
		args  []any
	)
	if filter.RuleID != "" {
		where = append(where, "rule_id = ?")
		args = append(args, filter.RuleID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if !filter.From.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, filter.From.UTC())
	}
	if !filter.To.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, filter.To.UTC())
	}
	if len(where) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(where, " AND "), args
}

// ListLogs retrieves logs matching filter, newest first
func (db *DB) ListLogs(filter models.LogFilter) ([]models.SyncLog, error) {
	where, args := logWhere(filter)
	query := `SELECT ` + logColumns + ` FROM sync_logs` + where + ` ORDER BY started_at DESC, id DESC`
	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := []models.SyncLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}

// CountLogs counts logs matching filter, ignoring Limit and Offset
func (db *DB) CountLogs(filter models.LogFilter) (int, error) {
	where, args := logWhere(filter)
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sync_logs`+where, args...).Scan(&n)
	return n, err
}

// DeleteLogs removes finished logs matching filter together with their item
// results. Running logs are never deleted. Returns the number of logs removed.
func (db *DB) DeleteLogs(filter models.LogFilter) (int64, error) {
	where, args := logWhere(filter)
	if where == "" {
		where = " WHERE status <> ?"
	} else {
		where += " AND status <> ?"
	}
	args = append(args, models.RunRunning)

	var deleted int64
	err := db.WithTransaction(func(tx *Tx) error {
		if _, err := tx.Exec(`DELETE FROM sync_item_results WHERE run_id IN (SELECT run_id FROM sync_logs`+where+`)`, args...); err != nil {
			return err
		}

		res, err := tx.Exec(`DELETE FROM sync_logs`+where, args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// FailRunningLogs finalizes logs left running by a process that exited
// mid-run. Returns the number of logs updated.
func (db *DB) FailRunningLogs(message string, at time.Time) (int64, error) {
	res, err := db.Exec(`UPDATE sync_logs SET status = ?, finished_at = ?, message = ? WHERE status = ?`,
		models.RunError, at.UTC(), message, models.RunRunning)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
