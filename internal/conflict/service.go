package conflict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/mapping"
	"github.com/livinlefevreloca/storesync/internal/metrics"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/runlock"
)

// Adapters resolves a store ID to its adapter
type Adapters interface {
	Adapter(storeID string) (platform.Adapter, error)
}

// Service records conflicts found by runs and applies operator resolutions
type Service struct {
	db       *db.DB
	mappings *mapping.Store
	adapters Adapters
	locker   runlock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

func NewService(database *db.DB, mappings *mapping.Store, adapters Adapters, locker runlock.Locker, logger *slog.Logger) *Service {
	return &Service{
		db:       database,
		mappings: mappings,
		adapters: adapters,
		locker:   locker,
		logger:   logger,
		now:      time.Now,
	}
}

// Record stores c. A mapping has at most one pending conflict: recording a second one
// returns the conflict already pending instead.
func (s *Service) Record(c models.Conflict) (*models.Conflict, error) {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = s.now().UTC()
	}
	if c.State == "" {
		c.State = models.ConflictPending
	}

	err := s.db.CreateConflict(&c)
	if errors.Is(err, db.ErrDuplicate) {
		existing, findErr := s.db.FindPendingConflict(c.MappingID)
		if findErr != nil {
			return nil, fmt.Errorf("failed to load pending conflict for mapping %s: %w", c.MappingID, findErr)
		}
		return existing, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}

	metrics.ConflictsDetected.WithLabelValues(policyLabel(c)).Inc()
	s.logger.Info("conflict recorded",
		"conflict_id", c.ID,
		"rule_id", c.RuleID,
		"mapping_id", c.MappingID,
		"state", c.State)
	return &c, nil
}

func policyLabel(c models.Conflict) string {
	if c.State == models.ConflictPending {
		return string(models.PolicyManual)
	}
	return string(c.Method)
}

// PendingFor returns the pending conflict of a mapping, or nil when there is none
func (s *Service) PendingFor(mappingID string) (*models.Conflict, error) {
	c, err := s.db.FindPendingConflict(mappingID)
	if db.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending conflict for mapping %s: %w", mappingID, err)
	}
	return c, nil
}

func (s *Service) Get(id string) (*models.Conflict, error) {
	c, err := s.db.GetConflict(id)
	if db.IsNotFound(err) {
		return nil, &models.NotFoundError{Kind: "conflict", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict %s: %w", id, err)
	}
	return c, nil
}

func (s *Service) List(filter models.ConflictFilter) ([]models.Conflict, error) {
	conflicts, err := s.db.ListConflicts(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	return conflicts, nil
}

// Resolve settles a pending conflict. The chosen value is written to every side whose
// current content differs from it, the mapping hash is refreshed, and the conflict is
// marked resolved. The rule's run locks are held throughout so resolution never
// interleaves with a run of the same rule or store pair. The winning side is read
// from its store under the lock, so edits made after detection are kept.
func (s *Service) Resolve(ctx context.Context, id string, method models.ConflictPolicy, manual *models.Entity) (*models.Conflict, error) {
	if !method.IsValid() {
		verr := &models.ValidationError{}
		verr.Add("resolution", fmt.Sprintf("must be one of source-wins, target-wins, manual; got %q", method))
		return nil, verr
	}
	if method == models.PolicyManual && manual == nil {
		verr := &models.ValidationError{}
		verr.Add("manualData", "required for manual resolution")
		return nil, verr
	}

	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.State != models.ConflictPending {
		return nil, &models.ConflictNotPendingError{ConflictID: id, State: c.State}
	}

	m, err := s.mappings.Get(c.MappingID)
	if err != nil {
		return nil, err
	}

	release, _, err := runlock.AcquireAll(ctx, s.locker, s.logger, c.RuleID, c.RuleID, m.Key().PairKey())
	if err != nil {
		return nil, err
	}
	defer release()

	// re-read under the lock
	c, err = s.Get(id)
	if err != nil {
		return nil, err
	}
	if c.State != models.ConflictPending {
		return nil, &models.ConflictNotPendingError{ConflictID: id, State: c.State}
	}

	// decide from what the stores hold now; the snapshots may be stale
	source, err := s.current(ctx, c.SyncType, m.SourceStoreID, m.SourceEntityID)
	if err != nil {
		return nil, err
	}
	target, err := s.current(ctx, c.SyncType, m.TargetStoreID, m.TargetEntityID)
	if err != nil {
		return nil, err
	}

	var value models.Entity
	switch method {
	case models.PolicySourceWins:
		value = source.Clone()
	case models.PolicyTargetWins:
		value = target.Clone()
	case models.PolicyManual:
		value = source.MergeFrom(*manual, c.SyncType)
	}
	value.ID = ""
	hash := value.ContentHash(c.SyncType)

	if err := s.applySide(ctx, c.SyncType, m.SourceStoreID, m.SourceEntityID, source, value, hash); err != nil {
		return nil, err
	}
	if err := s.applySide(ctx, c.SyncType, m.TargetStoreID, m.TargetEntityID, target, value, hash); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	refreshed := *m
	refreshed.LastSyncedHash = hash
	refreshed.LastSyncedAt = now
	if _, _, err := s.mappings.Upsert(refreshed, mapping.UpsertOptions{}); err != nil {
		return nil, err
	}

	err = s.db.ResolveConflict(id, method, value, now)
	if db.IsNotFound(err) {
		return nil, &models.ConflictNotPendingError{ConflictID: id, State: models.ConflictResolved}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to mark conflict %s resolved: %w", id, err)
	}

	s.logger.Info("conflict resolved",
		"conflict_id", id,
		"rule_id", c.RuleID,
		"mapping_id", m.ID,
		"method", method)

	c.State = models.ConflictResolved
	c.Method = method
	c.ResolvedValue = &value
	c.ResolvedAt = &now
	return c, nil
}

// current reads one side of a mapping as it is now
func (s *Service) current(ctx context.Context, t models.SyncType, storeID, entityID string) (models.Entity, error) {
	adapter, err := s.adapters.Adapter(storeID)
	if err != nil {
		return models.Entity{}, err
	}
	return adapter.GetEntity(ctx, t, entityID)
}

// applySide writes value to one side of the mapping unless current already holds that content
func (s *Service) applySide(ctx context.Context, t models.SyncType, storeID, entityID string, current, value models.Entity, hash string) error {
	if current.ContentHash(t) == hash {
		return nil
	}

	adapter, err := s.adapters.Adapter(storeID)
	if err != nil {
		return err
	}

	value.ID = entityID
	if _, err := adapter.ApplyEntity(ctx, t, value); err != nil {
		return err
	}
	return nil
}
