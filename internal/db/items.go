package db

import (
	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Item Result Operations
// =============================================================================

// WriteItemResults stores a batch of item results in one transaction
func (db *DB) WriteItemResults(results []models.ItemResult) error {
	if len(results) == 0 {
		return nil
	}

	return db.WithTransaction(func(tx *Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO sync_item_results
				(run_id, rule_id, source_entity_id, target_entity_id, outcome, error, attempts, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, r := range results {
			_, err := stmt.Exec(
				r.RunID,
				r.RuleID,
				r.SourceEntityID,
				r.TargetEntityID,
				r.Outcome,
				r.Error,
				r.Attempts,
				r.RecordedAt.UTC(),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// ListItemResults retrieves the item results of a run in the order they were recorded
func (db *DB) ListItemResults(runID string) ([]models.ItemResult, error) {
	rows, err := db.Query(`
		SELECT id, run_id, rule_id, source_entity_id, target_entity_id, outcome, error, attempts, recorded_at
		FROM sync_item_results
		WHERE run_id = ?
		ORDER BY id
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []models.ItemResult{}
	for rows.Next() {
		var r models.ItemResult
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.RuleID,
			&r.SourceEntityID,
			&r.TargetEntityID,
			&r.Outcome,
			&r.Error,
			&r.Attempts,
			&r.RecordedAt,
		)
		if err != nil {
			return nil, err
		}
		r.RecordedAt = r.RecordedAt.UTC()
		results = append(results, r)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
