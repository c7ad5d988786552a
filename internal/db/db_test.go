package db

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// =============================================================================
// Test Fixtures and Helpers
// =============================================================================

// newTestDB creates a migrated SQLite database in a temp directory. A file
// database is used so pooled connections share state.
func newTestDB(t *testing.T) *DB {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "test.db")

	db, err := OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func makeTestRule(id string) *models.SyncRule {
	return &models.SyncRule{
		ID:              id,
		Name:            "Rule " + id,
		SourceStoreID:   "store-a",
		TargetStoreID:   "store-b",
		SyncType:        models.SyncTypeInventory,
		Mode:            models.ModeOneWay,
		IntervalMinutes: 15,
		Status:          models.RuleActive,
		CreatedAt:       baseTime,
		UpdatedAt:       baseTime,
	}
}

func makeTestMapping(id, sourceEntityID, targetEntityID string) *models.Mapping {
	return &models.Mapping{
		ID:             id,
		SyncType:       models.SyncTypeInventory,
		SourceStoreID:  "store-a",
		SourceEntityID: sourceEntityID,
		TargetStoreID:  "store-b",
		TargetEntityID: targetEntityID,
		CreatedAt:      baseTime,
		LastSyncedAt:   baseTime,
		LastSyncedHash: "hash-1",
	}
}

func insertMapping(t *testing.T, db *DB, m *models.Mapping) {
	t.Helper()
	err := db.WithTransaction(func(tx *Tx) error {
		inserted, err := tx.InsertMappingIfAbsent(m)
		if err != nil {
			return err
		}
		if !inserted {
			t.Fatalf("mapping %s was not inserted", m.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("failed to insert mapping: %v", err)
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestOpenWithConfig_RunsMigrations(t *testing.T) {
	db := newTestDB(t)

	statuses, err := db.MigrationStatus()
	if err != nil {
		t.Fatalf("MigrationStatus failed: %v", err)
	}
	if len(statuses) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(statuses))
	}
	for _, s := range statuses {
		if !s.Applied {
			t.Errorf("migration %d not applied", s.Migration.Version)
		}
	}

	// second run is a no-op
	if err := db.Migrate(); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
		want []string
	}{
		{"plain path", "data.db", []string{"file:data.db?", "_foreign_keys=on", "_busy_timeout=5000", "_journal_mode=WAL"}},
		{"existing params", "file:data.db?cache=shared", []string{"cache=shared&", "_busy_timeout=5000"}},
		{"memory untouched", ":memory:", []string{":memory:"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sqliteDSN(tt.dsn, 5*time.Second)
			for _, w := range tt.want {
				if !strings.Contains(got, w) {
					t.Errorf("sqliteDSN(%q) = %q, want it to contain %q", tt.dsn, got, w)
				}
			}
		})
	}
}

func TestIsDuplicate(t *testing.T) {
	if IsDuplicate(nil) {
		t.Error("nil should not be a duplicate")
	}
	if !IsDuplicate(ErrDuplicate) {
		t.Error("ErrDuplicate should be a duplicate")
	}
}

// =============================================================================
// Rule Tests
// =============================================================================

func TestCreateAndGetRule(t *testing.T) {
	db := newTestDB(t)

	rule := makeTestRule("rule-1")
	rule.ConflictPolicy = models.PolicySourceWins
	if err := db.CreateRule(rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	got, err := db.GetRule("rule-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}

	if got.Name != rule.Name || got.SyncType != rule.SyncType || got.Mode != rule.Mode {
		t.Errorf("rule mismatch: got %+v", got)
	}
	if got.ConflictPolicy != models.PolicySourceWins {
		t.Errorf("ConflictPolicy = %q, want source-wins", got.ConflictPolicy)
	}
	if got.LastRunAt != nil {
		t.Errorf("LastRunAt = %v, want nil", got.LastRunAt)
	}
	if !got.CreatedAt.Equal(baseTime) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, baseTime)
	}
}

func TestCreateRule_Duplicate(t *testing.T) {
	db := newTestDB(t)

	if err := db.CreateRule(makeTestRule("rule-1")); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := db.CreateRule(makeTestRule("rule-1")); err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreateRule_SchemaRejectsShortInterval(t *testing.T) {
	db := newTestDB(t)

	rule := makeTestRule("rule-1")
	rule.IntervalMinutes = 1
	if err := db.CreateRule(rule); err == nil {
		t.Error("expected CHECK constraint failure for interval below 5 minutes")
	}
}

func TestGetRule_NotFound(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.GetRule("missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRules_Filters(t *testing.T) {
	db := newTestDB(t)

	r1 := makeTestRule("rule-1")
	r2 := makeTestRule("rule-2")
	r2.Status = models.RulePaused
	r2.CreatedAt = baseTime.Add(time.Minute)
	r3 := makeTestRule("rule-3")
	r3.SyncType = models.SyncTypePrices
	r3.SourceStoreID = "store-c"
	r3.TargetStoreID = "store-d"
	r3.CreatedAt = baseTime.Add(2 * time.Minute)

	for _, r := range []*models.SyncRule{r1, r2, r3} {
		if err := db.CreateRule(r); err != nil {
			t.Fatalf("CreateRule failed: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter models.RuleFilter
		want   []string
	}{
		{"all", models.RuleFilter{}, []string{"rule-1", "rule-2", "rule-3"}},
		{"active", models.RuleFilter{Status: models.RuleActive}, []string{"rule-1", "rule-3"}},
		{"sync type", models.RuleFilter{SyncType: models.SyncTypePrices}, []string{"rule-3"}},
		{"store either side", models.RuleFilter{StoreID: "store-b"}, []string{"rule-1", "rule-2"}},
		{"no match", models.RuleFilter{StoreID: "nowhere"}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules, err := db.ListRules(tt.filter)
			if err != nil {
				t.Fatalf("ListRules failed: %v", err)
			}
			if rules == nil {
				t.Fatal("expected empty slice, got nil")
			}
			if len(rules) != len(tt.want) {
				t.Fatalf("got %d rules, want %d", len(rules), len(tt.want))
			}
			for i, id := range tt.want {
				if rules[i].ID != id {
					t.Errorf("rules[%d] = %s, want %s", i, rules[i].ID, id)
				}
			}
		})
	}
}

func TestUpdateRuleAndRecordRun(t *testing.T) {
	db := newTestDB(t)

	rule := makeTestRule("rule-1")
	if err := db.CreateRule(rule); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}

	rule.IntervalMinutes = 60
	rule.Mode = models.ModeTwoWay
	rule.UpdatedAt = baseTime.Add(time.Hour)
	if err := db.UpdateRule(rule); err != nil {
		t.Fatalf("UpdateRule failed: %v", err)
	}

	runAt := baseTime.Add(2 * time.Hour)
	if err := db.RecordRuleRun("rule-1", runAt, models.RunPartial); err != nil {
		t.Fatalf("RecordRuleRun failed: %v", err)
	}

	got, err := db.GetRule("rule-1")
	if err != nil {
		t.Fatalf("GetRule failed: %v", err)
	}
	if got.IntervalMinutes != 60 || got.Mode != models.ModeTwoWay {
		t.Errorf("update not applied: %+v", got)
	}
	if got.LastRunAt == nil || !got.LastRunAt.Equal(runAt) {
		t.Errorf("LastRunAt = %v, want %v", got.LastRunAt, runAt)
	}
	if got.LastRunStatus != models.RunPartial {
		t.Errorf("LastRunStatus = %q, want partial", got.LastRunStatus)
	}
}

func TestDeleteRule(t *testing.T) {
	db := newTestDB(t)

	if err := db.CreateRule(makeTestRule("rule-1")); err != nil {
		t.Fatalf("CreateRule failed: %v", err)
	}
	if err := db.DeleteRule("rule-1"); err != nil {
		t.Fatalf("DeleteRule failed: %v", err)
	}
	if err := db.DeleteRule("rule-1"); err != ErrNotFound {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
	if err := db.SetRuleStatus("rule-1", models.RulePaused, baseTime); err != ErrNotFound {
		t.Errorf("SetRuleStatus on deleted rule: expected ErrNotFound, got %v", err)
	}
}

// =============================================================================
// Mapping Tests
// =============================================================================

func TestInsertMappingIfAbsent(t *testing.T) {
	db := newTestDB(t)

	insertMapping(t, db, makeTestMapping("map-1", "src-1", "tgt-1"))

	// same key with a different ID is ignored
	err := db.WithTransaction(func(tx *Tx) error {
		inserted, err := tx.InsertMappingIfAbsent(makeTestMapping("map-2", "src-1", "tgt-9"))
		if err != nil {
			return err
		}
		if inserted {
			t.Error("expected duplicate key to be ignored")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}

	got, err := db.FindMapping(makeTestMapping("", "src-1", "").Key())
	if err != nil {
		t.Fatalf("FindMapping failed: %v", err)
	}
	if got.ID != "map-1" || got.TargetEntityID != "tgt-1" {
		t.Errorf("unexpected mapping: %+v", got)
	}
}

func TestFindMapping_NotFound(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.FindMapping(makeTestMapping("", "nope", "").Key()); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateMappingSync(t *testing.T) {
	db := newTestDB(t)
	insertMapping(t, db, makeTestMapping("map-1", "src-1", "tgt-1"))

	at := baseTime.Add(time.Hour)
	err := db.WithTransaction(func(tx *Tx) error {
		return tx.UpdateMappingSync("map-1", "tgt-1", "hash-2", at)
	})
	if err != nil {
		t.Fatalf("UpdateMappingSync failed: %v", err)
	}

	got, err := db.GetMapping("map-1")
	if err != nil {
		t.Fatalf("GetMapping failed: %v", err)
	}
	if got.LastSyncedHash != "hash-2" || !got.LastSyncedAt.Equal(at) {
		t.Errorf("unexpected mapping after update: %+v", got)
	}
}

func TestListAndDeleteMappings(t *testing.T) {
	db := newTestDB(t)
	insertMapping(t, db, makeTestMapping("map-1", "src-1", "tgt-1"))
	other := makeTestMapping("map-2", "src-2", "tgt-2")
	other.SyncType = models.SyncTypePrices
	insertMapping(t, db, other)

	all, err := db.ListMappings(models.MappingFilter{SourceStoreID: "store-a", TargetStoreID: "store-b"})
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("expected 2 mappings, got %d", len(all))
	}

	prices, err := db.ListMappings(models.MappingFilter{SyncType: models.SyncTypePrices})
	if err != nil {
		t.Fatalf("ListMappings failed: %v", err)
	}
	if len(prices) != 1 || prices[0].ID != "map-2" {
		t.Errorf("unexpected price mappings: %+v", prices)
	}

	if err := db.DeleteMapping("map-1"); err != nil {
		t.Fatalf("DeleteMapping failed: %v", err)
	}
	if _, err := db.GetMapping("map-1"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

// =============================================================================
// Conflict Tests
// =============================================================================

func makeTestConflict(id, mappingID string) *models.Conflict {
	return &models.Conflict{
		ID:             id,
		RuleID:         "rule-1",
		MappingID:      mappingID,
		SyncType:       models.SyncTypeInventory,
		SourceSnapshot: models.Entity{ID: "src-1", SKU: "SKU-1", Quantity: 7, Price: decimal.RequireFromString("9.99")},
		TargetSnapshot: models.Entity{ID: "tgt-1", SKU: "SKU-1", Quantity: 4},
		DetectedAt:     baseTime,
		State:          models.ConflictPending,
	}
}

func TestConflictLifecycle(t *testing.T) {
	db := newTestDB(t)
	insertMapping(t, db, makeTestMapping("map-1", "src-1", "tgt-1"))

	if err := db.CreateConflict(makeTestConflict("c-1", "map-1")); err != nil {
		t.Fatalf("CreateConflict failed: %v", err)
	}

	// only one pending conflict per mapping
	if err := db.CreateConflict(makeTestConflict("c-2", "map-1")); err != ErrDuplicate {
		t.Errorf("expected ErrDuplicate for second pending conflict, got %v", err)
	}

	pending, err := db.FindPendingConflict("map-1")
	if err != nil {
		t.Fatalf("FindPendingConflict failed: %v", err)
	}
	if pending.ID != "c-1" || pending.SourceSnapshot.Quantity != 7 || pending.TargetSnapshot.Quantity != 4 {
		t.Errorf("unexpected pending conflict: %+v", pending)
	}
	if !pending.SourceSnapshot.Price.Equal(decimal.RequireFromString("9.99")) {
		t.Errorf("price snapshot = %s, want 9.99", pending.SourceSnapshot.Price)
	}

	value := pending.SourceSnapshot
	if err := db.ResolveConflict("c-1", models.PolicySourceWins, value, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("ResolveConflict failed: %v", err)
	}
	if err := db.ResolveConflict("c-1", models.PolicyTargetWins, value, baseTime.Add(time.Minute)); err != ErrNotFound {
		t.Errorf("resolving twice: expected ErrNotFound, got %v", err)
	}

	got, err := db.GetConflict("c-1")
	if err != nil {
		t.Fatalf("GetConflict failed: %v", err)
	}
	if got.State != models.ConflictResolved || got.Method != models.PolicySourceWins {
		t.Errorf("unexpected resolved conflict: %+v", got)
	}
	if got.ResolvedValue == nil || got.ResolvedValue.Quantity != 7 || got.ResolvedAt == nil {
		t.Errorf("resolution not recorded: %+v", got)
	}

	// a new pending conflict is allowed once the old one is resolved
	if err := db.CreateConflict(makeTestConflict("c-3", "map-1")); err != nil {
		t.Errorf("CreateConflict after resolve failed: %v", err)
	}

	list, err := db.ListConflicts(models.ConflictFilter{State: models.ConflictPending})
	if err != nil {
		t.Fatalf("ListConflicts failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != "c-3" {
		t.Errorf("unexpected pending list: %+v", list)
	}
}

func TestDeleteMapping_CascadesConflicts(t *testing.T) {
	db := newTestDB(t)
	insertMapping(t, db, makeTestMapping("map-1", "src-1", "tgt-1"))
	if err := db.CreateConflict(makeTestConflict("c-1", "map-1")); err != nil {
		t.Fatalf("CreateConflict failed: %v", err)
	}

	if err := db.DeleteMapping("map-1"); err != nil {
		t.Fatalf("DeleteMapping failed: %v", err)
	}
	if _, err := db.GetConflict("c-1"); err != ErrNotFound {
		t.Errorf("expected conflict to be deleted with its mapping, got %v", err)
	}
}

// =============================================================================
// Log Tests
// =============================================================================

func makeTestLog(id, ruleID string, startedAt time.Time) *models.SyncLog {
	return &models.SyncLog{
		ID:            id,
		RunID:         "run-" + id,
		RuleID:        ruleID,
		RuleName:      "Rule " + ruleID,
		SourceStoreID: "store-a",
		TargetStoreID: "store-b",
		SyncType:      models.SyncTypeInventory,
		Trigger:       models.TriggerSchedule,
		StartedAt:     startedAt,
		Status:        models.RunRunning,
	}
}

func finishTestLog(t *testing.T, db *DB, l *models.SyncLog, status models.RunStatus) {
	t.Helper()
	finished := l.StartedAt.Add(time.Second)
	l.FinishedAt = &finished
	l.Status = status
	l.Counts = models.ItemCounts{Succeeded: 3, Failed: 1}
	if err := db.FinishLog(l); err != nil {
		t.Fatalf("FinishLog failed: %v", err)
	}
}

func TestLogLifecycle(t *testing.T) {
	db := newTestDB(t)

	l := makeTestLog("log-1", "rule-1", baseTime)
	if err := db.CreateLog(l); err != nil {
		t.Fatalf("CreateLog failed: %v", err)
	}

	finishTestLog(t, db, l, models.RunPartial)

	// finalized exactly once
	if err := db.FinishLog(l); err != ErrNotFound {
		t.Errorf("second FinishLog: expected ErrNotFound, got %v", err)
	}

	got, err := db.GetLog("log-1")
	if err != nil {
		t.Fatalf("GetLog failed: %v", err)
	}
	if got.Status != models.RunPartial || got.Counts.Succeeded != 3 || got.Counts.Failed != 1 {
		t.Errorf("unexpected log: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
}

func TestListLogs_FilterAndPaging(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		ruleID := "rule-1"
		if i%2 == 1 {
			ruleID = "rule-2"
		}
		l := makeTestLog("log-"+string(rune('a'+i)), ruleID, baseTime.Add(time.Duration(i)*time.Hour))
		if err := db.CreateLog(l); err != nil {
			t.Fatalf("CreateLog failed: %v", err)
		}
		finishTestLog(t, db, l, models.RunSuccess)
	}

	logs, err := db.ListLogs(models.LogFilter{RuleID: "rule-1"})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(logs) != 3 {
		t.Fatalf("expected 3 logs for rule-1, got %d", len(logs))
	}
	if logs[0].ID != "log-e" {
		t.Errorf("expected newest first, got %s", logs[0].ID)
	}

	window, err := db.ListLogs(models.LogFilter{From: baseTime.Add(time.Hour), To: baseTime.Add(3 * time.Hour)})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(window) != 2 {
		t.Errorf("expected 2 logs in window, got %d", len(window))
	}

	page, err := db.ListLogs(models.LogFilter{Limit: 2, Offset: 2})
	if err != nil {
		t.Fatalf("ListLogs failed: %v", err)
	}
	if len(page) != 2 || page[0].ID != "log-c" {
		t.Errorf("unexpected page: %+v", page)
	}

	total, err := db.CountLogs(models.LogFilter{Limit: 2})
	if err != nil {
		t.Fatalf("CountLogs failed: %v", err)
	}
	if total != 5 {
		t.Errorf("CountLogs = %d, want 5", total)
	}

	latest, err := db.LatestLog("rule-2")
	if err != nil {
		t.Fatalf("LatestLog failed: %v", err)
	}
	if latest.ID != "log-d" {
		t.Errorf("LatestLog = %s, want log-d", latest.ID)
	}
}

func TestDeleteLogs_KeepsRunning(t *testing.T) {
	db := newTestDB(t)

	done := makeTestLog("log-1", "rule-1", baseTime)
	running := makeTestLog("log-2", "rule-1", baseTime.Add(time.Minute))
	for _, l := range []*models.SyncLog{done, running} {
		if err := db.CreateLog(l); err != nil {
			t.Fatalf("CreateLog failed: %v", err)
		}
	}
	finishTestLog(t, db, done, models.RunSuccess)

	err := db.WriteItemResults([]models.ItemResult{
		{RunID: done.RunID, RuleID: "rule-1", SourceEntityID: "src-1", Outcome: models.OutcomeSucceeded, Attempts: 1, RecordedAt: baseTime},
	})
	if err != nil {
		t.Fatalf("WriteItemResults failed: %v", err)
	}

	n, err := db.DeleteLogs(models.LogFilter{})
	if err != nil {
		t.Fatalf("DeleteLogs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d logs, want 1", n)
	}

	if _, err := db.GetLog("log-2"); err != nil {
		t.Errorf("running log should survive, got %v", err)
	}

	items, err := db.ListItemResults(done.RunID)
	if err != nil {
		t.Fatalf("ListItemResults failed: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("expected item results to be deleted with the log, got %d", len(items))
	}
}

func TestFailRunningLogs(t *testing.T) {
	db := newTestDB(t)

	if err := db.CreateLog(makeTestLog("log-1", "rule-1", baseTime)); err != nil {
		t.Fatalf("CreateLog failed: %v", err)
	}

	n, err := db.FailRunningLogs("interrupted", baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("FailRunningLogs failed: %v", err)
	}
	if n != 1 {
		t.Errorf("updated %d logs, want 1", n)
	}

	got, _ := db.GetLog("log-1")
	if got.Status != models.RunError || got.Message != "interrupted" {
		t.Errorf("unexpected log: %+v", got)
	}
}

// =============================================================================
// Item Result and Settings Tests
// =============================================================================

func TestWriteItemResults_Concurrent(t *testing.T) {
	db := newTestDB(t)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			batch := make([]models.ItemResult, 10)
			for i := range batch {
				batch[i] = models.ItemResult{
					RunID:          "run-1",
					RuleID:         "rule-1",
					SourceEntityID: "src",
					Outcome:        models.OutcomeSkipped,
					RecordedAt:     baseTime,
				}
			}
			if err := db.WriteItemResults(batch); err != nil {
				t.Errorf("writer %d failed: %v", w, err)
			}
		}(w)
	}
	wg.Wait()

	items, err := db.ListItemResults("run-1")
	if err != nil {
		t.Fatalf("ListItemResults failed: %v", err)
	}
	if len(items) != 40 {
		t.Errorf("expected 40 item results, got %d", len(items))
	}
}

func TestSettings(t *testing.T) {
	db := newTestDB(t)

	s, err := db.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if s.DefaultIntervalMinutes != 30 || s.DefaultConflictPolicy != models.PolicyManual {
		t.Errorf("unexpected default settings: %+v", s)
	}

	s.DefaultIntervalMinutes = 10
	s.DefaultConflictPolicy = models.PolicyTargetWins
	s.UpdatedAt = baseTime
	if err := db.SaveSettings(s); err != nil {
		t.Fatalf("SaveSettings failed: %v", err)
	}

	got, err := db.GetSettings()
	if err != nil {
		t.Fatalf("GetSettings failed: %v", err)
	}
	if got.DefaultIntervalMinutes != 10 || got.DefaultConflictPolicy != models.PolicyTargetWins {
		t.Errorf("settings not saved: %+v", got)
	}
}
