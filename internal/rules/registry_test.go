package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/platform/memory"
	"github.com/livinlefevreloca/storesync/internal/testutil"
)

func newTestRegistry(t *testing.T) (*Registry, *db.DB, map[string]*memory.Store) {
	t.Helper()
	database := testutil.NewTestDB(t)
	stores, mem := testutil.NewMemoryRegistry(t, "store-a", "store-b")
	require.NoError(t, stores.Register(platform.Store{ID: "other-tenant", TenantID: "tenant-2"}, memory.New("other-tenant")))

	r := NewRegistry(database, stores, database, testutil.NewTestLogger().Logger())
	r.now = testutil.NewMockClock(testutil.BaseTime).Now
	return r, database, mem
}

func validRule() models.SyncRule {
	return models.SyncRule{
		Name:            "inventory a to b",
		SourceStoreID:   "store-a",
		TargetStoreID:   "store-b",
		SyncType:        models.SyncTypeInventory,
		Mode:            models.ModeOneWay,
		IntervalMinutes: 10,
	}
}

func violationFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *models.ValidationError
	require.ErrorAs(t, err, &verr)
	fields := make([]string, 0, len(verr.Violations))
	for _, v := range verr.Violations {
		fields = append(fields, v.Field)
	}
	return fields
}

func TestCreate_Defaults(t *testing.T) {
	r, _, _ := newTestRegistry(t)

	rule := validRule()
	rule.IntervalMinutes = 0
	created, err := r.Create(context.Background(), rule)
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.RuleActive, created.Status)
	assert.Equal(t, 30, created.IntervalMinutes, "interval taken from settings")
	assert.Equal(t, testutil.BaseTime, created.CreatedAt)

	got, err := r.Get(created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Name, got.Name)
}

func TestCreate_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*models.SyncRule)
		fields []string
	}{
		{"interval below minimum", func(r *models.SyncRule) { r.IntervalMinutes = 4 }, []string{"interval"}},
		{"same store", func(r *models.SyncRule) { r.TargetStoreID = "store-a" }, []string{"targetStoreId"}},
		{"unknown sync type", func(r *models.SyncRule) { r.SyncType = "customers" }, []string{"syncType"}},
		{"unknown mode", func(r *models.SyncRule) { r.Mode = "both" }, []string{"mode"}},
		{"unknown policy", func(r *models.SyncRule) { r.ConflictPolicy = "newest-wins" }, []string{"conflictPolicy"}},
		{"missing store", func(r *models.SyncRule) { r.TargetStoreID = "ghost" }, []string{"targetStoreId"}},
		{"cross tenant", func(r *models.SyncRule) { r.TargetStoreID = "other-tenant" }, []string{"targetStoreId"}},
		{
			"every violation reported",
			func(r *models.SyncRule) {
				r.IntervalMinutes = 1
				r.Mode = "both"
				r.SourceStoreID = "ghost"
			},
			[]string{"mode", "interval", "sourceStoreId"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, database, _ := newTestRegistry(t)
			rule := validRule()
			tt.mutate(&rule)

			_, err := r.Create(context.Background(), rule)
			assert.ElementsMatch(t, tt.fields, violationFields(t, err))

			rules, err := database.ListRules(models.RuleFilter{})
			require.NoError(t, err)
			assert.Empty(t, rules, "nothing stored on validation failure")
		})
	}
}

func TestCreate_UnreachableStore(t *testing.T) {
	r, _, mem := newTestRegistry(t)
	mem["store-b"].FailNext("ping", errors.New("connection refused"))

	_, err := r.Create(context.Background(), validRule())
	assert.Equal(t, []string{"targetStoreId"}, violationFields(t, err))
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	r, _, mem := newTestRegistry(t)
	created, err := r.Create(ctx, validRule())
	require.NoError(t, err)

	interval := 60
	// an unreachable store that the patch does not touch does not block edits
	mem["store-b"].FailNext("ping", errors.New("down"))
	updated, err := r.Update(ctx, created.ID, models.RulePatch{IntervalMinutes: &interval})
	require.NoError(t, err)
	assert.Equal(t, 60, updated.IntervalMinutes)

	bad := 2
	_, err = r.Update(ctx, created.ID, models.RulePatch{IntervalMinutes: &bad})
	assert.Equal(t, []string{"interval"}, violationFields(t, err))

	_, err = r.Update(ctx, "missing", models.RulePatch{IntervalMinutes: &interval})
	var nf *models.RuleNotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestStatusAndToggle(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	created, err := r.Create(ctx, validRule())
	require.NoError(t, err)

	paused, err := r.Toggle(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RulePaused, paused.Status)

	active, err := r.Toggle(created.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleActive, active.Status)

	_, err = r.SetStatus(created.ID, "sleeping")
	assert.Equal(t, []string{"status"}, violationFields(t, err))

	list, err := r.List(models.RuleFilter{Status: models.RulePaused})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestDelete_KeepsLogs(t *testing.T) {
	ctx := context.Background()
	r, database, _ := newTestRegistry(t)
	created, err := r.Create(ctx, validRule())
	require.NoError(t, err)

	require.NoError(t, database.CreateLog(&models.SyncLog{
		ID:            "log-1",
		RunID:         "run-1",
		RuleID:        created.ID,
		SourceStoreID: created.SourceStoreID,
		TargetStoreID: created.TargetStoreID,
		SyncType:      created.SyncType,
		Trigger:       models.TriggerManual,
		StartedAt:     testutil.BaseTime,
		Status:        models.RunSuccess,
	}))

	require.NoError(t, r.Delete(created.ID))
	_, err = r.Get(created.ID)
	assert.True(t, models.IsNotFound(err))

	logs, err := database.ListLogs(models.LogFilter{RuleID: created.ID})
	require.NoError(t, err)
	assert.Len(t, logs, 1)

	assert.True(t, models.IsNotFound(r.Delete(created.ID)))
}

func TestRecordRun(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newTestRegistry(t)
	created, err := r.Create(ctx, validRule())
	require.NoError(t, err)

	require.NoError(t, r.RecordRun(created.ID, testutil.BaseTime, models.RunPartial))
	got, err := r.Get(created.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, models.RunPartial, got.LastRunStatus)

	assert.True(t, models.IsNotFound(r.RecordRun("missing", testutil.BaseTime, models.RunSuccess)))
}
