package mapping

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/testutil"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(testutil.NewTestDB(t), testutil.NewTestLogger().Logger())
	s.now = testutil.NewMockClock(testutil.BaseTime).Now
	return s
}

func makeMapping(sourceEntityID, targetEntityID, hash string) models.Mapping {
	return models.Mapping{
		SyncType:       models.SyncTypeInventory,
		SourceStoreID:  "store-a",
		SourceEntityID: sourceEntityID,
		TargetStoreID:  "store-b",
		TargetEntityID: targetEntityID,
		LastSyncedHash: hash,
	}
}

func TestUpsert_InsertThenFind(t *testing.T) {
	s := newTestStore(t)

	stored, written, err := s.Upsert(makeMapping("p1", "t1", "h1"), UpsertOptions{})
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotEmpty(t, stored.ID)
	assert.Equal(t, testutil.BaseTime, stored.CreatedAt)

	found, err := s.Find(stored.Key())
	require.NoError(t, err)
	assert.Equal(t, stored.ID, found.ID)
	assert.Equal(t, "t1", found.TargetEntityID)
	assert.Equal(t, "h1", found.LastSyncedHash)
}

func TestUpsert_Semantics(t *testing.T) {
	s := newTestStore(t)
	first, _, err := s.Upsert(makeMapping("p1", "t1", "h1"), UpsertOptions{})
	require.NoError(t, err)

	t.Run("same target same hash is a no-op", func(t *testing.T) {
		got, written, err := s.Upsert(makeMapping("p1", "t1", "h1"), UpsertOptions{})
		require.NoError(t, err)
		assert.False(t, written)
		assert.Equal(t, first.ID, got.ID)
	})

	t.Run("same target new hash refreshes in place", func(t *testing.T) {
		got, written, err := s.Upsert(makeMapping("p1", "t1", "h2"), UpsertOptions{})
		require.NoError(t, err)
		assert.True(t, written)
		assert.Equal(t, first.ID, got.ID)

		all, err := s.List(models.MappingFilter{})
		require.NoError(t, err)
		require.Len(t, all, 1, "never a second row for the same key")
		assert.Equal(t, "h2", all[0].LastSyncedHash)
	})

	t.Run("different target is rejected", func(t *testing.T) {
		_, _, err := s.Upsert(makeMapping("p1", "t9", "h3"), UpsertOptions{})
		var conflictErr *models.MappingConflictError
		require.ErrorAs(t, err, &conflictErr)
		assert.Equal(t, "t1", conflictErr.ExistingTargetID)
		assert.Equal(t, "t9", conflictErr.RequestedTargetID)

		found, err := s.Find(first.Key())
		require.NoError(t, err)
		assert.Equal(t, "t1", found.TargetEntityID, "rejected upsert leaves the row untouched")
	})

	t.Run("override repoints", func(t *testing.T) {
		got, written, err := s.Upsert(makeMapping("p1", "t9", "h3"), UpsertOptions{Override: true})
		require.NoError(t, err)
		assert.True(t, written)
		assert.Equal(t, first.ID, got.ID)
		assert.Equal(t, "t9", got.TargetEntityID)
	})
}

func TestUpsert_ConcurrentSameKey(t *testing.T) {
	s := newTestStore(t)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ids      = map[string]bool{}
		failures []error
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, _, err := s.Upsert(makeMapping("p1", "t1", "h1"), UpsertOptions{})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures = append(failures, err)
				return
			}
			ids[m.ID] = true
		}()
	}
	wg.Wait()

	assert.Empty(t, failures)
	assert.Len(t, ids, 1, "every caller sees the same row")

	all, err := s.List(models.MappingFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFindAndDelete_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Find(makeMapping("nope", "", "").Key())
	assert.True(t, models.IsNotFound(err))

	_, err = s.Get("nope")
	assert.True(t, models.IsNotFound(err))

	assert.True(t, models.IsNotFound(s.Delete("nope")))
}

func TestListForRule(t *testing.T) {
	s := newTestStore(t)
	testutil.InsertRule(t, s.db, testutil.MakeRule("r1", "store-a", "store-b", models.SyncTypeInventory, models.ModeOneWay))

	_, _, err := s.Upsert(makeMapping("p1", "t1", "h"), UpsertOptions{})
	require.NoError(t, err)

	other := makeMapping("p2", "t2", "h")
	other.SyncType = models.SyncTypePrices
	_, _, err = s.Upsert(other, UpsertOptions{})
	require.NoError(t, err)

	mappings, err := s.ListForRule("r1")
	require.NoError(t, err)
	require.Len(t, mappings, 1)
	assert.Equal(t, "p1", mappings[0].SourceEntityID)

	_, err = s.ListForRule("missing")
	var ruleErr *models.RuleNotFoundError
	assert.ErrorAs(t, err, &ruleErr)

	require.NoError(t, s.Delete(mappings[0].ID))
	mappings, err = s.ListForRule("r1")
	require.NoError(t, err)
	assert.Empty(t, mappings)
}
