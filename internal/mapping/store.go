// Package mapping keeps the durable correspondence between an entity on a source store
// and its counterpart on a target store.
package mapping

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// UpsertOptions controls how Upsert treats an existing mapping with a different target
type UpsertOptions struct {
	// Override repoints an existing mapping instead of failing with MappingConflictError
	Override bool
}

// Store is safe for concurrent use. Uniqueness of the mapping key is enforced by the
// database, so concurrent upserts of the same key from separate processes also converge
// on one row.
type Store struct {
	db     *db.DB
	logger *slog.Logger
	now    func() time.Time
}

func NewStore(database *db.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     database,
		logger: logger,
		now:    time.Now,
	}
}

// Find returns the mapping for key, or a NotFoundError
func (s *Store) Find(key models.MappingKey) (*models.Mapping, error) {
	m, err := s.db.FindMapping(key)
	if db.IsNotFound(err) {
		return nil, &models.NotFoundError{Kind: "mapping", ID: key.String()}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find mapping %s: %w", key, err)
	}
	return m, nil
}

func (s *Store) Get(id string) (*models.Mapping, error) {
	m, err := s.db.GetMapping(id)
	if db.IsNotFound(err) {
		return nil, &models.NotFoundError{Kind: "mapping", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mapping %s: %w", id, err)
	}
	return m, nil
}

// Upsert records that m.Key() corresponds to m.TargetEntityID with content hash
// m.LastSyncedHash. It returns the stored mapping and whether anything was written:
//
//   - no row for the key: insert
//   - same target, same hash: no-op
//   - same target, new hash: refresh hash and last-synced time in place
//   - different target: MappingConflictError unless opts.Override
func (s *Store) Upsert(m models.Mapping, opts UpsertOptions) (*models.Mapping, bool, error) {
	key := m.Key()
	now := s.now().UTC()

	if m.LastSyncedAt.IsZero() {
		m.LastSyncedAt = now
	}

	var (
		stored  *models.Mapping
		written bool
	)
	err := s.db.WithTransaction(func(tx *db.Tx) error {
		candidate := m
		candidate.ID = uuid.New().String()
		candidate.CreatedAt = now

		inserted, err := tx.InsertMappingIfAbsent(&candidate)
		if err != nil {
			return err
		}
		if inserted {
			stored, written = &candidate, true
			return nil
		}

		existing, err := tx.FindMapping(key)
		if err != nil {
			return err
		}

		if existing.TargetEntityID != m.TargetEntityID && !opts.Override {
			return &models.MappingConflictError{
				Key:               key,
				ExistingTargetID:  existing.TargetEntityID,
				RequestedTargetID: m.TargetEntityID,
			}
		}

		if existing.TargetEntityID == m.TargetEntityID && existing.LastSyncedHash == m.LastSyncedHash {
			stored = existing
			return nil
		}

		if err := tx.UpdateMappingSync(existing.ID, m.TargetEntityID, m.LastSyncedHash, m.LastSyncedAt); err != nil {
			return err
		}
		if existing.TargetEntityID != m.TargetEntityID {
			s.logger.Warn("mapping repointed",
				"mapping_id", existing.ID,
				"key", key.String(),
				"from", existing.TargetEntityID,
				"to", m.TargetEntityID)
		}
		existing.TargetEntityID = m.TargetEntityID
		existing.LastSyncedHash = m.LastSyncedHash
		existing.LastSyncedAt = m.LastSyncedAt.UTC()
		stored, written = existing, true
		return nil
	})
	if err != nil {
		var conflictErr *models.MappingConflictError
		if errors.As(err, &conflictErr) {
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to upsert mapping %s: %w", key, err)
	}

	return stored, written, nil
}

// Delete removes a mapping by operator action. Pending conflicts on it go with it.
func (s *Store) Delete(id string) error {
	err := s.db.DeleteMapping(id)
	if db.IsNotFound(err) {
		return &models.NotFoundError{Kind: "mapping", ID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to delete mapping %s: %w", id, err)
	}
	s.logger.Info("mapping deleted", "mapping_id", id)
	return nil
}

func (s *Store) List(filter models.MappingFilter) ([]models.Mapping, error) {
	mappings, err := s.db.ListMappings(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list mappings: %w", err)
	}
	return mappings, nil
}

// ListForRule returns the mappings a rule reads and writes
func (s *Store) ListForRule(ruleID string) ([]models.Mapping, error) {
	rule, err := s.db.GetRule(ruleID)
	if db.IsNotFound(err) {
		return nil, &models.RuleNotFoundError{RuleID: ruleID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", ruleID, err)
	}

	return s.List(models.MappingFilter{
		SyncType:      rule.SyncType,
		SourceStoreID: rule.SourceStoreID,
		TargetStoreID: rule.TargetStoreID,
	})
}
