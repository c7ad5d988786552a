package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livinlefevreloca/storesync/internal/models"
)

func TestApplyEntity_CreateAndMerge(t *testing.T) {
	ctx := context.Background()
	s := New("store-a")

	created, err := s.ApplyEntity(ctx, models.SyncTypeProducts, models.Entity{
		SKU:      "SKU-1",
		Title:    "Mug",
		Quantity: 10,
		Price:    decimal.RequireFromString("12.50"),
	})
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)

	// an inventory write only touches quantity
	updated, err := s.ApplyEntity(ctx, models.SyncTypeInventory, models.Entity{
		ID:       created.ID,
		Title:    "ignored",
		Quantity: 3,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, updated.Quantity)
	assert.Equal(t, "Mug", updated.Title)
	assert.True(t, updated.Price.Equal(decimal.RequireFromString("12.5")))

	got, err := s.GetEntity(ctx, models.SyncTypeInventory, created.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Quantity)
}

func TestApplyEntity_UnknownID(t *testing.T) {
	s := New("store-a")

	_, err := s.ApplyEntity(context.Background(), models.SyncTypeInventory, models.Entity{ID: "nope"})
	assert.True(t, errors.Is(err, models.ErrEntityNotFound))
}

func TestFetchEntities_SeparatesOrders(t *testing.T) {
	ctx := context.Background()
	s := New("store-a")
	s.Put(models.SyncTypeProducts, models.Entity{ID: "p2", SKU: "B"})
	s.Put(models.SyncTypeProducts, models.Entity{ID: "p1", SKU: "A"})
	s.Put(models.SyncTypeOrders, models.Entity{ID: "o1", SKU: "1001"})

	products, err := s.FetchEntities(ctx, models.SyncTypePrices)
	require.NoError(t, err)
	require.Len(t, products, 2)
	assert.Equal(t, "A", products[0].SKU, "sorted by SKU")

	orders, err := s.FetchEntities(ctx, models.SyncTypeOrders)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "1001", orders[0].SKU)
}

func TestFailNext(t *testing.T) {
	ctx := context.Background()
	s := New("store-a")
	boom := &models.AdapterError{StoreID: "store-a", Op: "fetch", Transient: true, Err: errors.New("boom")}
	s.FailNext("fetch", boom)

	_, err := s.FetchEntities(ctx, models.SyncTypeInventory)
	assert.ErrorIs(t, err, boom)

	_, err = s.FetchEntities(ctx, models.SyncTypeInventory)
	assert.NoError(t, err, "failures are consumed one per call")
	assert.Equal(t, 2, s.Calls("fetch"))
}

func TestStoredEntitiesAreCopies(t *testing.T) {
	s := New("store-a")
	e := s.Put(models.SyncTypeProducts, models.Entity{SKU: "A", Attributes: map[string]string{"color": "red"}})

	got, _ := s.Entity(models.SyncTypeProducts, e.ID)
	got.Attributes["color"] = "blue"

	again, _ := s.Entity(models.SyncTypeProducts, e.ID)
	assert.Equal(t, "red", again.Attributes["color"])
}
