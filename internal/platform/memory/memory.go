// Package memory is an in-process store adapter used for local setups and tests
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
)

// Platform is the name this adapter reports
const Platform = "memory"

// Store holds entities in memory. Products back the inventory, prices and
// products sync types; orders are kept separately.
type Store struct {
	mu       sync.Mutex
	storeID  string
	products map[string]models.Entity
	orders   map[string]models.Entity
	failures map[string][]error
	calls    map[string]int
	now      func() time.Time
}

// New creates an empty memory store
func New(storeID string) *Store {
	return &Store{
		storeID:  storeID,
		products: make(map[string]models.Entity),
		orders:   make(map[string]models.Entity),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// Factory builds a memory store for a configured store
func Factory(store platform.Store, _ *slog.Logger) (platform.Adapter, error) {
	return New(store.ID), nil
}

func (s *Store) Platform() string {
	return Platform
}

func (s *Store) collection(t models.SyncType) map[string]models.Entity {
	if t == models.SyncTypeOrders {
		return s.orders
	}
	return s.products
}

// Put stores e as-is, assigning an ID when empty. Returns the stored entity.
func (s *Store) Put(t models.SyncType, e models.Entity) models.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = s.now().UTC()
	}
	s.collection(t)[e.ID] = e.Clone()
	return e
}

// Entity returns the stored entity with id
func (s *Store) Entity(t models.SyncType, id string) (models.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.collection(t)[id]
	return e.Clone(), ok
}

// Len returns the number of stored entities backing t
func (s *Store) Len(t models.SyncType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collection(t))
}

// FailNext queues errors returned by the next calls of op
// ("fetch", "get", "apply" or "ping"), one per call
func (s *Store) FailNext(op string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], errs...)
}

// Calls returns how many times op was invoked
func (s *Store) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin counts the call and pops a queued failure. Caller holds s.mu.
func (s *Store) begin(op string) error {
	s.calls[op]++
	queued := s.failures[op]
	if len(queued) == 0 {
		return nil
	}
	s.failures[op] = queued[1:]
	return queued[0]
}

func (s *Store) FetchEntities(ctx context.Context, t models.SyncType) ([]models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("fetch"); err != nil {
		return nil, err
	}

	coll := s.collection(t)
	out := make([]models.Entity, 0, len(coll))
	for _, e := range coll {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SKU != out[j].SKU {
			return out[i].SKU < out[j].SKU
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetEntity(ctx context.Context, t models.SyncType, id string) (models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return models.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("get"); err != nil {
		return models.Entity{}, err
	}

	e, ok := s.collection(t)[id]
	if !ok {
		return models.Entity{}, s.notFound("get", id)
	}
	return e.Clone(), nil
}

func (s *Store) ApplyEntity(ctx context.Context, t models.SyncType, e models.Entity) (models.Entity, error) {
	if err := ctx.Err(); err != nil {
		return models.Entity{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.begin("apply"); err != nil {
		return models.Entity{}, err
	}

	coll := s.collection(t)
	now := s.now().UTC()

	if e.ID == "" {
		created := e.Clone()
		created.ID = uuid.NewString()
		created.UpdatedAt = now
		coll[created.ID] = created
		return created.Clone(), nil
	}

	existing, ok := coll[e.ID]
	if !ok {
		return models.Entity{}, s.notFound("apply", e.ID)
	}

	updated := existing.MergeFrom(e, t)
	updated.UpdatedAt = now
	coll[e.ID] = updated
	return updated.Clone(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.begin("ping")
}

func (s *Store) notFound(op, id string) error {
	return &models.AdapterError{
		StoreID: s.storeID,
		Op:      op,
		Err:     fmt.Errorf("%w: %s", models.ErrEntityNotFound, id),
	}
}
