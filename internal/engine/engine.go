// Package engine wires the synchronization components into one process-level
// service and exposes the operations the API and CLI are built on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/storesync/internal/config"
	"github.com/livinlefevreloca/storesync/internal/conflict"
	"github.com/livinlefevreloca/storesync/internal/db"
	"github.com/livinlefevreloca/storesync/internal/executor"
	"github.com/livinlefevreloca/storesync/internal/mapping"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/platform/memory"
	"github.com/livinlefevreloca/storesync/internal/platform/shopify"
	"github.com/livinlefevreloca/storesync/internal/platform/woocommerce"
	"github.com/livinlefevreloca/storesync/internal/rules"
	"github.com/livinlefevreloca/storesync/internal/runlock"
	"github.com/livinlefevreloca/storesync/internal/scheduler"
	"github.com/livinlefevreloca/storesync/internal/scheduler/index"
	"github.com/livinlefevreloca/storesync/internal/syncer"
	"github.com/livinlefevreloca/storesync/internal/tracker"
)

// Factories returns the adapter factory for every supported platform
func Factories() map[string]platform.Factory {
	return map[string]platform.Factory{
		shopify.Platform:     shopify.New,
		woocommerce.Platform: woocommerce.New,
		memory.Platform:      memory.Factory,
	}
}

// Options overrides components that are otherwise built from configuration
type Options struct {
	// Stores replaces the registry built from the [[stores]] section
	Stores *platform.Registry

	// Locker replaces the local or redis locker chosen by the [redis] section
	Locker runlock.Locker

	// ManualOnly keeps the scheduler loop stopped; runs happen only on request
	ManualOnly bool
}

// Engine owns every long-lived component of a storesync process
type Engine struct {
	Stores    *platform.Registry
	Rules     *rules.Registry
	Mappings  *mapping.Store
	Conflicts *conflict.Service
	Tracker   *tracker.Tracker
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler

	db         *db.DB
	items      *syncer.Syncer
	locker     runlock.Locker
	manualOnly bool
	started    atomic.Bool
	logger     *slog.Logger
	now        func() time.Time
}

// New builds an engine over an open, migrated database
func New(ctx context.Context, cfg *config.Config, database *db.DB, opts Options, logger *slog.Logger) (*Engine, error) {
	stores := opts.Stores
	if stores == nil {
		var err error
		stores, err = platform.NewRegistryFromConfig(cfg.Stores, Factories(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to build store registry: %w", err)
		}
	}

	locker := opts.Locker
	if locker == nil {
		if cfg.Redis.Enabled {
			redisLocker, err := runlock.NewRedis(ctx, cfg.Redis, logger)
			if err != nil {
				return nil, fmt.Errorf("failed to connect run lock to redis: %w", err)
			}
			locker = redisLocker
		} else {
			locker = runlock.NewLocal()
		}
	}

	items, err := syncer.NewSyncer(cfg.Tracker, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create item result syncer: %w", err)
	}

	e := &Engine{
		Stores:     stores,
		db:         database,
		items:      items,
		locker:     locker,
		manualOnly: opts.ManualOnly,
		logger:     logger,
		now:        time.Now,
	}

	e.Rules = rules.NewRegistry(database, stores, database, logger)
	e.Mappings = mapping.NewStore(database, logger)
	e.Conflicts = conflict.NewService(database, e.Mappings, stores, locker, logger)
	e.Tracker = tracker.New(database, items, logger)

	e.Executor, err = executor.New(cfg.Executor, executor.Dependencies{
		Rules:     e.Rules,
		Mappings:  e.Mappings,
		Conflicts: e.Conflicts,
		Adapters:  stores,
		Tracker:   e.Tracker,
		Settings:  database,
		Locker:    locker,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create executor: %w", err)
	}

	e.Scheduler, err = scheduler.NewScheduler(cfg.Scheduler, e.Rules, e.Executor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	return e, nil
}

// Start recovers logs orphaned by a previous process, then starts the item
// writer and, unless ManualOnly is set, the scheduler loop
func (e *Engine) Start() error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}

	recovered, err := e.Tracker.RecoverOrphans()
	if err != nil {
		return fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if recovered > 0 {
		e.logger.Warn("marked interrupted runs as failed", "count", recovered)
	}

	e.items.Start(e.db)

	if !e.manualOnly {
		e.Scheduler.Start()
	}

	e.logger.Info("engine started",
		"stores", len(e.Stores.Stores()),
		"manual_only", e.manualOnly)
	return nil
}

// Shutdown stops the scheduler, waits for in-flight runs, drains buffered item
// results and releases the locker
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error

	if err := e.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	if e.started.Load() {
		if err := e.items.Shutdown(); err != nil {
			errs = append(errs, fmt.Errorf("failed to drain item results: %w", err))
		}
	}

	if closer, ok := e.locker.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close locker: %w", err))
		}
	}

	e.logger.Info("engine stopped")
	return errors.Join(errs...)
}

// Health reports whether the database answers
func (e *Engine) Health(ctx context.Context) error {
	return e.db.PingContext(ctx)
}

// =============================================================================
// Rules
// =============================================================================

// CreateRule validates and stores a rule, then refreshes the schedule
func (e *Engine) CreateRule(ctx context.Context, rule models.SyncRule) (*models.SyncRule, error) {
	created, err := e.Rules.Create(ctx, rule)
	if err != nil {
		return nil, err
	}
	e.Scheduler.RuleChanged()
	return created, nil
}

// UpdateRule applies a patch, then refreshes the schedule
func (e *Engine) UpdateRule(ctx context.Context, id string, patch models.RulePatch) (*models.SyncRule, error) {
	updated, err := e.Rules.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	e.Scheduler.RuleChanged()
	return updated, nil
}

// DeleteRule removes a rule. Its logs and mappings are kept.
func (e *Engine) DeleteRule(id string) error {
	if err := e.Rules.Delete(id); err != nil {
		return err
	}
	e.Scheduler.RuleChanged()
	return nil
}

// ToggleRule flips a rule between active and paused
func (e *Engine) ToggleRule(id string) (*models.SyncRule, error) {
	rule, err := e.Rules.Toggle(id)
	if err != nil {
		return nil, err
	}
	e.Scheduler.RuleChanged()
	return rule, nil
}

// =============================================================================
// Runs
// =============================================================================

// RunNow runs a rule synchronously
func (e *Engine) RunNow(ctx context.Context, ruleID string) (*models.SyncLog, error) {
	return e.Scheduler.RunNow(ctx, ruleID)
}

// RunAll hands every active rule to the scheduler's worker pool
func (e *Engine) RunAll(ctx context.Context) (scheduler.RunAllResponse, error) {
	return e.Scheduler.RunAll(ctx)
}

// Stop asks a running rule to stop after its current item
func (e *Engine) Stop(ruleID string) error {
	if _, err := e.Rules.Get(ruleID); err != nil {
		return err
	}
	return e.Executor.Stop(ruleID)
}

// RuleState is the derived status of one rule
type RuleState struct {
	RuleID        string            `json:"ruleId"`
	RuleName      string            `json:"ruleName"`
	Status        models.RuleStatus `json:"status"`
	Running       bool              `json:"running"`
	Run           *executor.RunInfo `json:"run,omitempty"`
	LastRunAt     *time.Time        `json:"lastRunAt,omitempty"`
	LastRunStatus models.RunStatus  `json:"lastRunStatus,omitempty"`
	LastLog       *models.SyncLog   `json:"lastLog,omitempty"`
	NextRunAt     *time.Time        `json:"nextRunAt,omitempty"`
}

// RuleStatus returns the state of one rule
func (e *Engine) RuleStatus(ruleID string) (*RuleState, error) {
	rule, err := e.Rules.Get(ruleID)
	if err != nil {
		return nil, err
	}
	return e.stateOf(*rule)
}

// Status returns the state of every rule, ordered by rule ID
func (e *Engine) Status() ([]RuleState, error) {
	all, err := e.Rules.List(models.RuleFilter{})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })

	states := make([]RuleState, 0, len(all))
	for _, rule := range all {
		state, err := e.stateOf(rule)
		if err != nil {
			return nil, err
		}
		states = append(states, *state)
	}
	return states, nil
}

func (e *Engine) stateOf(rule models.SyncRule) (*RuleState, error) {
	last, err := e.Tracker.Latest(rule.ID)
	if err != nil {
		return nil, err
	}

	state := &RuleState{
		RuleID:        rule.ID,
		RuleName:      rule.Name,
		Status:        rule.Status,
		LastRunAt:     rule.LastRunAt,
		LastRunStatus: rule.LastRunStatus,
		LastLog:       last,
	}

	if info, ok := e.Executor.Running(rule.ID); ok {
		state.Running = true
		state.Run = &info
	}

	if rule.Status == models.RuleActive {
		next := index.NextDue(rule, e.now().UTC())
		state.NextRunAt = &next
	}
	return state, nil
}

// =============================================================================
// Settings
// =============================================================================

// Settings returns the global defaults
func (e *Engine) Settings() (models.Settings, error) {
	return e.db.GetSettings()
}

// UpdateSettings validates and stores new global defaults
func (e *Engine) UpdateSettings(s models.Settings) (models.Settings, error) {
	if verr := models.Validate(s); verr != nil {
		return models.Settings{}, verr
	}

	s.UpdatedAt = e.now().UTC()
	if err := e.db.SaveSettings(s); err != nil {
		return models.Settings{}, fmt.Errorf("failed to save settings: %w", err)
	}

	e.logger.Info("settings updated",
		"default_interval", s.DefaultIntervalMinutes,
		"default_conflict_policy", s.DefaultConflictPolicy)
	return s, nil
}
