// Package tracker records sync runs: one log row per accepted run, per-item results
// written in batches, and the queries, export and cleanup operators run over them.
package tracker

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/syncer"
)

// ErrAlreadyFinished is returned when finishing a log twice
var ErrAlreadyFinished = errors.New("sync log already finished")

// Page is one page of a log listing
type Page struct {
	Logs   []models.SyncLog `json:"logs"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

// Tracker is the only writer of sync_logs
type Tracker struct {
	db     *db.DB
	items  *syncer.Syncer
	logger *slog.Logger
	now    func() time.Time
}

// New creates a tracker. items buffers per-item results; it is started and shut down
// by the owner.
func New(database *db.DB, items *syncer.Syncer, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     database,
		items:  items,
		logger: logger,
		now:    time.Now,
	}
}

// Start writes the running log of a new run. Rule fields are copied so the log
// outlives edits to the rule.
func (t *Tracker) Start(rule models.SyncRule, trigger models.Trigger) (*models.SyncLog, error) {
	l := &models.SyncLog{
		ID:            uuid.New().String(),
		RunID:         uuid.New().String(),
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		SourceStoreID: rule.SourceStoreID,
		TargetStoreID: rule.TargetStoreID,
		SyncType:      rule.SyncType,
		Trigger:       trigger,
		StartedAt:     t.now().UTC(),
		Status:        models.RunRunning,
	}

	if err := t.db.CreateLog(l); err != nil {
		return nil, fmt.Errorf("failed to create log for rule %s: %w", rule.ID, err)
	}

	t.logger.Debug("run log created", "rule_id", rule.ID, "run_id", l.RunID, "log_id", l.ID)
	return l, nil
}

// Finish finalizes a running log with its status, counts and message
func (t *Tracker) Finish(l *models.SyncLog) error {
	if l.FinishedAt == nil {
		now := t.now().UTC()
		l.FinishedAt = &now
	}

	err := t.db.FinishLog(l)
	if db.IsNotFound(err) {
		return ErrAlreadyFinished
	}
	if err != nil {
		return fmt.Errorf("failed to finish log %s: %w", l.ID, err)
	}
	return nil
}

// RecordItems hands per-item results to the batch writer
func (t *Tracker) RecordItems(results ...models.ItemResult) {
	if err := t.items.Record(results...); err != nil {
		t.logger.Warn("item results dropped", "count", len(results), "error", err)
	}
}

// FlushItems writes the buffered item results and waits for them to be stored
func (t *Tracker) FlushItems(ctx context.Context) error {
	if err := t.items.Sync(ctx); err != nil {
		return fmt.Errorf("failed to flush item results: %w", err)
	}
	return nil
}

func (t *Tracker) Get(id string) (*models.SyncLog, error) {
	l, err := t.db.GetLog(id)
	if db.IsNotFound(err) {
		return nil, &models.NotFoundError{Kind: "sync log", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get log %s: %w", id, err)
	}
	return l, nil
}

// Latest returns the newest log of a rule, or nil when it never ran
func (t *Tracker) Latest(ruleID string) (*models.SyncLog, error) {
	l, err := t.db.LatestLog(ruleID)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest log of rule %s: %w", ruleID, err)
	}
	return l, nil
}

// List returns one page of logs, newest first
func (t *Tracker) List(filter models.LogFilter) (*Page, error) {
	logs, err := t.db.ListLogs(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	total, err := t.db.CountLogs(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to count logs: %w", err)
	}
	return &Page{Logs: logs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

// Items returns the per-item results of a log's run
func (t *Tracker) Items(logID string) ([]models.ItemResult, error) {
	l, err := t.Get(logID)
	if err != nil {
		return nil, err
	}
	items, err := t.db.ListItemResults(l.RunID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items of run %s: %w", l.RunID, err)
	}
	return items, nil
}

// Clear deletes finished logs matching filter. Rule last-run fields are not touched.
func (t *Tracker) Clear(filter models.LogFilter) (int64, error) {
	filter.Limit, filter.Offset = 0, 0
	n, err := t.db.DeleteLogs(filter)
	if err != nil {
		return 0, fmt.Errorf("failed to clear logs: %w", err)
	}
	t.logger.Info("logs cleared", "count", n, "rule_id", filter.RuleID)
	return n, nil
}

// RecoverOrphans finalizes logs left running by a previous process
func (t *Tracker) RecoverOrphans() (int64, error) {
	n, err := t.db.FailRunningLogs("run interrupted by process restart", t.now())
	if err != nil {
		return 0, fmt.Errorf("failed to recover running logs: %w", err)
	}
	if n > 0 {
		t.logger.Warn("finalized logs left running by a previous process", "count", n)
	}
	return n, nil
}

// =============================================================================
// Export
// =============================================================================

var csvHeader = []string{"date", "rule", "source_store", "target_store", "status", "message"}

// ExportCSV writes every log matching filter as CSV, newest first
func (t *Tracker) ExportCSV(w io.Writer, filter models.LogFilter) error {
	filter.Limit, filter.Offset = 0, 0
	logs, err := t.db.ListLogs(filter)
	if err != nil {
		return fmt.Errorf("failed to list logs for export: %w", err)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, l := range logs {
		rule := l.RuleName
		if rule == "" {
			rule = l.RuleID
		}
		record := []string{
			l.StartedAt.UTC().Format(time.RFC3339),
			rule,
			l.SourceStoreID,
			l.TargetStoreID,
			string(l.Status),
			l.Message,
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
