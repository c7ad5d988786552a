package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// Registry resolves store IDs to their configuration and rate-limited adapter
type Registry struct {
	mu       sync.RWMutex
	stores   map[string]Store
	adapters map[string]Adapter
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		stores:   make(map[string]Store),
		adapters: make(map[string]Adapter),
		logger:   logger,
	}
}

// NewRegistryFromConfig builds an adapter for every configured store using the
// factory registered for its platform
func NewRegistryFromConfig(stores []Store, factories map[string]Factory, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry(logger)
	for _, s := range stores {
		factory, ok := factories[s.Platform]
		if !ok {
			return nil, fmt.Errorf("store %s: unsupported platform %q", s.ID, s.Platform)
		}

		adapter, err := factory(s.withDefaults(), logger.With("store_id", s.ID))
		if err != nil {
			return nil, fmt.Errorf("store %s: %w", s.ID, err)
		}

		if err := r.Register(s, adapter); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a store with its adapter. The adapter is wrapped with the
// store's rate limiter and call timeout.
func (r *Registry) Register(store Store, adapter Adapter) error {
	if store.ID == "" {
		return fmt.Errorf("store ID is required")
	}

	store = store.withDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stores[store.ID]; exists {
		return fmt.Errorf("store %s registered twice", store.ID)
	}

	r.stores[store.ID] = store
	r.adapters[store.ID] = newLimitedAdapter(adapter, store)

	r.logger.Info("registered store",
		"store_id", store.ID,
		"platform", store.Platform,
		"tenant_id", store.TenantID,
		"requests_per_second", store.RequestsPerSecond)
	return nil
}

// Store returns the configuration of a store
func (r *Registry) Store(id string) (Store, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[id]
	return s, ok
}

// Stores returns every registered store ordered by ID
func (r *Registry) Stores() []Store {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Store, 0, len(r.stores))
	for _, s := range r.stores {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Adapter returns the rate-limited adapter of a store
func (r *Registry) Adapter(storeID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[storeID]
	if !ok {
		return nil, &models.NotFoundError{Kind: "store", ID: storeID}
	}
	return a, nil
}

// Reachable verifies the store exists and answers a ping
func (r *Registry) Reachable(ctx context.Context, storeID string) error {
	a, err := r.Adapter(storeID)
	if err != nil {
		return err
	}
	return a.Ping(ctx)
}
