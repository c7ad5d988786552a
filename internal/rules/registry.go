// Package rules manages the lifecycle and validation of sync rules.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
)

// Stores is the store catalog rules are validated against
type Stores interface {
	Store(id string) (platform.Store, bool)
	Reachable(ctx context.Context, id string) error
}

// SettingsSource supplies the defaults applied to new rules
type SettingsSource interface {
	GetSettings() (models.Settings, error)
}

// Registry validates and persists rules. It never touches runs: pausing or deleting a
// rule leaves an in-flight run to finish, and the scheduler sees the change on its
// next tick.
type Registry struct {
	db       *db.DB
	stores   Stores
	settings SettingsSource
	logger   *slog.Logger
	now      func() time.Time
}

func NewRegistry(database *db.DB, stores Stores, settings SettingsSource, logger *slog.Logger) *Registry {
	return &Registry{
		db:       database,
		stores:   stores,
		settings: settings,
		logger:   logger,
		now:      time.Now,
	}
}

// Create validates and stores a new rule. A zero interval takes the default from
// settings and an empty status means active.
func (r *Registry) Create(ctx context.Context, rule models.SyncRule) (*models.SyncRule, error) {
	if rule.ID == "" {
		rule.ID = uuid.New().String()
	}
	if rule.Status == "" {
		rule.Status = models.RuleActive
	}
	if rule.IntervalMinutes == 0 {
		settings, err := r.settings.GetSettings()
		if err != nil {
			return nil, fmt.Errorf("failed to load settings: %w", err)
		}
		rule.IntervalMinutes = settings.DefaultIntervalMinutes
	}
	rule.LastRunAt = nil
	rule.LastRunStatus = ""

	if err := r.validate(ctx, rule, true, true); err != nil {
		return nil, err
	}

	now := r.now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now

	err := r.db.CreateRule(&rule)
	if errors.Is(err, db.ErrDuplicate) {
		verr := &models.ValidationError{}
		verr.Add("id", fmt.Sprintf("rule %s already exists", rule.ID))
		return nil, verr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}

	r.logger.Info("rule created",
		"rule_id", rule.ID,
		"sync_type", rule.SyncType,
		"source_store_id", rule.SourceStoreID,
		"target_store_id", rule.TargetStoreID,
		"mode", rule.Mode,
		"interval_minutes", rule.IntervalMinutes)
	return &rule, nil
}

// Update applies patch and re-validates the result. Store reachability is only
// re-checked for a store the patch changes.
func (r *Registry) Update(ctx context.Context, id string, patch models.RulePatch) (*models.SyncRule, error) {
	current, err := r.Get(id)
	if err != nil {
		return nil, err
	}

	updated := patch.Apply(*current)
	sourceChanged := updated.SourceStoreID != current.SourceStoreID
	targetChanged := updated.TargetStoreID != current.TargetStoreID
	if err := r.validate(ctx, updated, sourceChanged, targetChanged); err != nil {
		return nil, err
	}

	updated.UpdatedAt = r.now().UTC()
	err = r.db.UpdateRule(&updated)
	if db.IsNotFound(err) {
		return nil, &models.RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update rule %s: %w", id, err)
	}

	r.logger.Info("rule updated", "rule_id", id)
	return &updated, nil
}

// Delete removes a rule from scheduling. Past logs and mappings stay.
func (r *Registry) Delete(id string) error {
	err := r.db.DeleteRule(id)
	if db.IsNotFound(err) {
		return &models.RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to delete rule %s: %w", id, err)
	}
	r.logger.Info("rule deleted", "rule_id", id)
	return nil
}

func (r *Registry) Get(id string) (*models.SyncRule, error) {
	rule, err := r.db.GetRule(id)
	if db.IsNotFound(err) {
		return nil, &models.RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return rule, nil
}

func (r *Registry) List(filter models.RuleFilter) ([]models.SyncRule, error) {
	rules, err := r.db.ListRules(filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return rules, nil
}

// SetStatus activates or pauses a rule
func (r *Registry) SetStatus(id string, status models.RuleStatus) (*models.SyncRule, error) {
	if status != models.RuleActive && status != models.RulePaused {
		verr := &models.ValidationError{}
		verr.Add("status", fmt.Sprintf("must be one of [active paused], got %q", status))
		return nil, verr
	}

	err := r.db.SetRuleStatus(id, status, r.now())
	if db.IsNotFound(err) {
		return nil, &models.RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set status of rule %s: %w", id, err)
	}

	r.logger.Info("rule status changed", "rule_id", id, "status", status)
	return r.Get(id)
}

// Toggle flips a rule between active and paused
func (r *Registry) Toggle(id string) (*models.SyncRule, error) {
	rule, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	next := models.RulePaused
	if rule.Status == models.RulePaused {
		next = models.RuleActive
	}
	return r.SetStatus(id, next)
}

// RecordRun stores the start and outcome of a finished run
func (r *Registry) RecordRun(id string, startedAt time.Time, status models.RunStatus) error {
	err := r.db.RecordRuleRun(id, startedAt, status)
	if db.IsNotFound(err) {
		return &models.RuleNotFoundError{RuleID: id}
	}
	if err != nil {
		return fmt.Errorf("failed to record run of rule %s: %w", id, err)
	}
	return nil
}

// =============================================================================
// Validation
// =============================================================================

// validate collects every violated constraint before failing
func (r *Registry) validate(ctx context.Context, rule models.SyncRule, pingSource, pingTarget bool) error {
	verr := models.Validate(rule)
	if verr == nil {
		verr = &models.ValidationError{}
	}

	source, sourceOK := r.checkStore(ctx, verr, "sourceStoreId", rule.SourceStoreID, pingSource)
	target, targetOK := r.checkStore(ctx, verr, "targetStoreId", rule.TargetStoreID, pingTarget)
	if sourceOK && targetOK && source.TenantID != target.TenantID {
		verr.Add("targetStoreId", fmt.Sprintf("store %s belongs to tenant %q but source store %s belongs to %q",
			target.ID, target.TenantID, source.ID, source.TenantID))
	}

	if verr.HasViolations() {
		return verr
	}
	return nil
}

func (r *Registry) checkStore(ctx context.Context, verr *models.ValidationError, field, id string, ping bool) (platform.Store, bool) {
	if id == "" {
		// already reported by the struct tags
		return platform.Store{}, false
	}

	store, ok := r.stores.Store(id)
	if !ok {
		verr.Add(field, fmt.Sprintf("store %s does not exist", id))
		return platform.Store{}, false
	}

	if ping {
		if err := r.stores.Reachable(ctx, id); err != nil {
			r.logger.Warn("store unreachable during rule validation", "store_id", id, "error", err)
			verr.Add(field, fmt.Sprintf("store %s is unreachable: %v", id, err))
		}
	}
	return store, true
}
