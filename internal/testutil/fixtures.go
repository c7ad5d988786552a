package testutil

import (
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/platform/memory"
)

// BaseTime is the fixed start time used by fixtures
var BaseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// TestTenant owns every fixture store unless a test says otherwise
const TestTenant = "tenant-1"

// NewTestDB returns a migrated SQLite database in a temp directory, closed on cleanup
func NewTestDB(t testing.TB) *db.DB {
	t.Helper()

	cfg := db.DefaultConfig()
	cfg.DSN = filepath.Join(t.TempDir(), "storesync.db")

	database, err := db.OpenWithConfig(cfg)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		database.Close()
	})
	return database
}

// NewMemoryRegistry registers one in-memory store per ID under TestTenant with a rate
// limit high enough that tests never wait on it
func NewMemoryRegistry(t testing.TB, ids ...string) (*platform.Registry, map[string]*memory.Store) {
	t.Helper()

	reg := platform.NewRegistry(NewTestLogger().Logger())
	stores := make(map[string]*memory.Store, len(ids))
	for _, id := range ids {
		store := memory.New(id)
		err := reg.Register(platform.Store{
			ID:                id,
			Name:              "Store " + id,
			TenantID:          TestTenant,
			Platform:          memory.Platform,
			RequestsPerSecond: 10000,
			Burst:             10000,
			CallTimeout:       5 * time.Second,
		}, store)
		if err != nil {
			t.Fatalf("failed to register store %s: %v", id, err)
		}
		stores[id] = store
	}
	return reg, stores
}

// MakeRule returns an active rule between two stores
func MakeRule(id, source, target string, syncType models.SyncType, mode models.Mode) *models.SyncRule {
	return &models.SyncRule{
		ID:              id,
		Name:            "Rule " + id,
		SourceStoreID:   source,
		TargetStoreID:   target,
		SyncType:        syncType,
		Mode:            mode,
		IntervalMinutes: 15,
		Status:          models.RuleActive,
		CreatedAt:       BaseTime,
		UpdatedAt:       BaseTime,
	}
}

// InsertRule writes rule straight to the database, bypassing validation
func InsertRule(t testing.TB, database *db.DB, rule *models.SyncRule) {
	t.Helper()
	if err := database.CreateRule(rule); err != nil {
		t.Fatalf("failed to insert rule %s: %v", rule.ID, err)
	}
}
