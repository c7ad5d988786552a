// Package platform defines the capability set every e-commerce store adapter
// provides, the per-store rate limiting around it, and the registry that
// resolves store IDs to adapters.
package platform

import (
	"context"
	"log/slog"
	"time"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// Adapter is the capability set the engine needs from one store.
// Implementations translate the platform's own representation to and from
// models.Entity and must be safe for concurrent use.
type Adapter interface {
	// Platform names the e-commerce platform, e.g. "shopify"
	Platform() string

	// FetchEntities lists every entity of the store relevant to syncType
	FetchEntities(ctx context.Context, syncType models.SyncType) ([]models.Entity, error)

	// GetEntity reads one entity by its platform ID
	GetEntity(ctx context.Context, syncType models.SyncType, id string) (models.Entity, error)

	// ApplyEntity writes the fields of entity relevant to syncType. An empty
	// entity ID creates a new entity. Returns the entity as stored.
	ApplyEntity(ctx context.Context, syncType models.SyncType, entity models.Entity) (models.Entity, error)

	// Ping verifies the store is reachable with the configured credentials
	Ping(ctx context.Context) error
}

// Store is a configured store connection
type Store struct {
	ID                string        `toml:"id" json:"id"`
	Name              string        `toml:"name" json:"name"`
	TenantID          string        `toml:"tenant_id" json:"tenantId"`
	Platform          string        `toml:"platform" json:"platform"`
	BaseURL           string        `toml:"base_url" json:"baseUrl,omitempty"`
	Currency          string        `toml:"currency" json:"currency"`
	APIKey            string        `toml:"api_key" json:"-"`
	APISecret         string        `toml:"api_secret" json:"-"`
	RequestsPerSecond float64       `toml:"requests_per_second" json:"requestsPerSecond"`
	Burst             int           `toml:"burst" json:"burst"`
	CallTimeout       time.Duration `toml:"call_timeout" json:"-"`
	MaxThrottleWaits  int           `toml:"max_throttle_waits" json:"-"`
}

// withDefaults fills unset limits with conservative values
func (s Store) withDefaults() Store {
	if s.RequestsPerSecond <= 0 {
		s.RequestsPerSecond = 2
	}
	if s.Burst <= 0 {
		s.Burst = 4
	}
	if s.CallTimeout <= 0 {
		s.CallTimeout = 30 * time.Second
	}
	if s.MaxThrottleWaits <= 0 {
		s.MaxThrottleWaits = 3
	}
	if s.Currency == "" {
		s.Currency = "USD"
	}
	return s
}

// Factory builds an adapter for a configured store
type Factory func(store Store, logger *slog.Logger) (Adapter, error)
