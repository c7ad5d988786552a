// Package executor runs one synchronization pass for a rule: fetch the source
// entities, diff them against their mappings, apply what changed and record the
// outcome of every item.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/livinlefevreloca/storesync/internal/conflict"
	"github.com/livinlefevreloca/storesync/internal/mapping"
	"github.com/livinlefevreloca/storesync/internal/metrics"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/platform"
	"github.com/livinlefevreloca/storesync/internal/rules"
	"github.com/livinlefevreloca/storesync/internal/runlock"
	"github.com/livinlefevreloca/storesync/internal/tracker"
)

// how long a finishing run waits for its item results to be stored
const itemFlushTimeout = 10 * time.Second

// Dependencies are the components a run reads and writes
type Dependencies struct {
	Rules     *rules.Registry
	Mappings  *mapping.Store
	Conflicts *conflict.Service
	Adapters  conflict.Adapters
	Tracker   *tracker.Tracker
	Settings  rules.SettingsSource
	Locker    runlock.Locker
}

// RunInfo describes a run in flight in this process
type RunInfo struct {
	RuleID    string         `json:"ruleId"`
	RunID     string         `json:"runId"`
	LogID     string         `json:"logId"`
	Trigger   models.Trigger `json:"trigger"`
	StartedAt time.Time      `json:"startedAt"`
}

type activeRun struct {
	info RunInfo
	stop atomic.Bool
}

// Executor is safe for concurrent use. Runs of different rules proceed in parallel;
// runs of the same rule, or of rules sharing a store pair and sync type, are
// serialized by the run locks.
type Executor struct {
	config Config
	deps   Dependencies
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running map[string]*activeRun // ruleID → run
}

func New(config Config, deps Dependencies, logger *slog.Logger) (*Executor, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Executor{
		config:  config,
		deps:    deps,
		logger:  logger,
		now:     time.Now,
		running: make(map[string]*activeRun),
	}, nil
}

// Run executes one pass of a rule and returns its finalized log. Rules that are
// missing, paused or already running are rejected before any log is written.
func (e *Executor) Run(ctx context.Context, ruleID string, trigger models.Trigger) (*models.SyncLog, error) {
	rule, err := e.deps.Rules.Get(ruleID)
	if err != nil {
		if models.IsNotFound(err) {
			metrics.RunsRejected.WithLabelValues("not_found").Inc()
		}
		return nil, err
	}
	if rule.Status != models.RuleActive {
		metrics.RunsRejected.WithLabelValues("not_active").Inc()
		return nil, &models.RuleNotActiveError{RuleID: rule.ID, Status: rule.Status}
	}

	release, lost, err := runlock.AcquireAll(ctx, e.deps.Locker, e.logger, rule.ID, rule.ID, rule.PairKey())
	if err != nil {
		metrics.RunsRejected.WithLabelValues("already_running").Inc()
		return nil, err
	}
	defer release()

	l, err := e.deps.Tracker.Start(*rule, trigger)
	if err != nil {
		return nil, err
	}

	active := e.register(l)
	defer e.unregister(rule.ID)

	metrics.RunsInFlight.Inc()
	defer metrics.RunsInFlight.Dec()

	r := &runState{
		rule:   *rule,
		policy: e.policyFor(*rule),
		log:    l,
		active: active,
		lost:   lost,
		logger: e.logger.With("rule_id", rule.ID, "run_id", l.RunID),
	}
	r.logger.Info("run started", "trigger", trigger, "sync_type", rule.SyncType, "mode", rule.Mode)

	e.execute(ctx, r)
	e.finish(r)
	return l, nil
}

// Stop asks the run of ruleID to finish after the item in progress
func (e *Executor) Stop(ruleID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, ok := e.running[ruleID]
	if !ok {
		return models.ErrRuleNotRunning
	}
	active.stop.Store(true)
	e.logger.Info("stop requested", "rule_id", ruleID, "run_id", active.info.RunID)
	return nil
}

// Running returns the run of ruleID in flight in this process, if any
func (e *Executor) Running(ruleID string) (RunInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	active, ok := e.running[ruleID]
	if !ok {
		return RunInfo{}, false
	}
	return active.info, true
}

// RunningAll returns every run in flight in this process, oldest first
func (e *Executor) RunningAll() []RunInfo {
	e.mu.Lock()
	out := make([]RunInfo, 0, len(e.running))
	for _, active := range e.running {
		out = append(out, active.info)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

func (e *Executor) register(l *models.SyncLog) *activeRun {
	active := &activeRun{info: RunInfo{
		RuleID:    l.RuleID,
		RunID:     l.RunID,
		LogID:     l.ID,
		Trigger:   l.Trigger,
		StartedAt: l.StartedAt,
	}}
	e.mu.Lock()
	e.running[l.RuleID] = active
	e.mu.Unlock()
	return active
}

func (e *Executor) unregister(ruleID string) {
	e.mu.Lock()
	delete(e.running, ruleID)
	e.mu.Unlock()
}

// policyFor returns the rule's conflict policy, falling back to the global default
func (e *Executor) policyFor(rule models.SyncRule) models.ConflictPolicy {
	if rule.ConflictPolicy != "" {
		return rule.ConflictPolicy
	}
	settings, err := e.deps.Settings.GetSettings()
	if err != nil {
		e.logger.Warn("failed to load settings, holding conflicts for manual resolution",
			"rule_id", rule.ID, "error", err)
		return models.PolicyManual
	}
	return settings.DefaultConflictPolicy
}

// =============================================================================
// Run state
// =============================================================================

type runState struct {
	rule   models.SyncRule
	policy models.ConflictPolicy
	log    *models.SyncLog
	active *activeRun
	logger *slog.Logger
	// closed when a run lock expires under us
	lost <-chan struct{}

	source platform.Adapter
	target platform.Adapter

	// target entities by SKU, loaded on the first unmapped item
	targets map[string]models.Entity

	counts   models.ItemCounts
	firstErr string
	abortMsg string
	stopMsg  string
}

type itemResult struct {
	outcome  models.ItemOutcome
	targetID string
	attempts int
	err      error
	note     string
}

func (res itemResult) failed(err error) itemResult {
	res.outcome = models.OutcomeFailed
	res.err = err
	return res
}

// outcome derives the final status and message from what the run saw
func (r *runState) outcome() (models.RunStatus, string) {
	c := r.counts
	summary := fmt.Sprintf("synchronized %d items: %d succeeded, %d failed, %d skipped, %d conflicted",
		c.Total(), c.Succeeded, c.Failed, c.Skipped, c.Conflicted)

	switch {
	case r.abortMsg != "":
		if c.Total() == 0 {
			return models.RunError, r.abortMsg
		}
		return models.RunError, r.abortMsg + "; " + summary
	case r.stopMsg != "":
		return models.RunStopped, r.stopMsg + "; " + summary
	case c.Total() > 0 && c.Failed == c.Total():
		return models.RunError, summary + "; first failure: " + r.firstErr
	case c.Failed > 0:
		return models.RunPartial, summary + "; first failure: " + r.firstErr
	case c.Conflicted > 0:
		return models.RunPartial, summary
	}
	return models.RunSuccess, summary
}

// =============================================================================
// Pipeline
// =============================================================================

// execute processes every source entity in adapter order. A panic ends the run as
// an error instead of taking the process down.
func (e *Executor) execute(ctx context.Context, r *runState) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("run panicked", "panic", p, "stack", string(debug.Stack()))
			r.abortMsg = fmt.Sprintf("internal error: %v", p)
		}
	}()

	var err error
	if r.source, err = e.deps.Adapters.Adapter(r.rule.SourceStoreID); err != nil {
		r.abortMsg = fmt.Sprintf("source store unavailable: %v", err)
		return
	}
	if r.target, err = e.deps.Adapters.Adapter(r.rule.TargetStoreID); err != nil {
		r.abortMsg = fmt.Sprintf("target store unavailable: %v", err)
		return
	}

	var entities []models.Entity
	attempts, err := e.retry(ctx, func() error {
		var err error
		entities, err = r.source.FetchEntities(ctx, r.rule.SyncType)
		return err
	})
	if err != nil {
		if models.IsAuthExpired(err) {
			e.pauseForAuth(r, err)
			return
		}
		r.logger.Error("source fetch failed", "attempts", attempts, "error", err)
		r.abortMsg = fmt.Sprintf("failed to fetch %s from store %s after %d attempts: %v",
			r.rule.SyncType, r.rule.SourceStoreID, attempts, err)
		return
	}
	r.logger.Debug("fetched source entities", "count", len(entities))

	for _, entity := range entities {
		if r.active.stop.Load() {
			r.stopMsg = "stopped by operator"
			return
		}
		select {
		case <-r.lost:
			r.stopMsg = "run lock lost"
			return
		default:
		}
		if err := ctx.Err(); err != nil {
			r.stopMsg = fmt.Sprintf("run interrupted: %v", err)
			return
		}

		res := e.syncItem(ctx, r, entity)
		e.record(r, entity, res)

		if res.err != nil && models.IsAuthExpired(res.err) {
			e.pauseForAuth(r, res.err)
			return
		}
	}
}

// syncItem brings one source entity and its counterpart in line
func (e *Executor) syncItem(ctx context.Context, r *runState, src models.Entity) itemResult {
	key := models.MappingKey{
		SyncType:       r.rule.SyncType,
		SourceStoreID:  r.rule.SourceStoreID,
		SourceEntityID: src.ID,
		TargetStoreID:  r.rule.TargetStoreID,
	}

	m, err := e.deps.Mappings.Find(key)
	if models.IsNotFound(err) {
		return e.firstSync(ctx, r, key, src)
	}
	if err != nil {
		return itemResult{}.failed(err)
	}
	return e.syncMapped(ctx, r, m, src)
}

// firstSync links an unmapped source entity to the target entity with the same SKU,
// creating one when there is none, and propagates source to target in either mode.
func (e *Executor) firstSync(ctx context.Context, r *runState, key models.MappingKey, src models.Entity) itemResult {
	t := r.rule.SyncType
	hash := src.ContentHash(t)
	var res itemResult

	counterpart, found, n, err := e.matchTarget(ctx, r, src.SKU)
	res.attempts += n
	if err != nil {
		return res.failed(err)
	}
	// a matched target that already holds the source content is adopted, not written
	adopted := found && counterpart.ContentHash(t) == hash

	switch {
	case !found:
		value := src.Clone()
		value.ID = ""
		n, err := e.retry(ctx, func() error {
			var err error
			counterpart, err = r.target.ApplyEntity(ctx, t, value)
			return err
		})
		res.attempts += n
		if err != nil {
			return res.failed(fmt.Errorf("failed to create counterpart: %w", err))
		}
		if counterpart.SKU != "" {
			r.targets[counterpart.SKU] = counterpart
		}
		r.logger.Debug("created counterpart", "source_entity_id", src.ID, "target_entity_id", counterpart.ID)

	case counterpart.ContentHash(t) != hash:
		value := src.Clone()
		value.ID = counterpart.ID
		n, err := e.retry(ctx, func() error {
			_, err := r.target.ApplyEntity(ctx, t, value)
			return err
		})
		res.attempts += n
		if err != nil {
			return res.failed(err)
		}
	}

	res.targetID = counterpart.ID
	_, _, err = e.deps.Mappings.Upsert(models.Mapping{
		SyncType:       key.SyncType,
		SourceStoreID:  key.SourceStoreID,
		SourceEntityID: key.SourceEntityID,
		TargetStoreID:  key.TargetStoreID,
		TargetEntityID: counterpart.ID,
		LastSyncedHash: hash,
		LastSyncedAt:   e.now().UTC(),
	}, mapping.UpsertOptions{})
	if err != nil {
		return res.failed(err)
	}

	res.outcome = models.OutcomeSucceeded
	if adopted {
		res.outcome = models.OutcomeSkipped
	}
	return res
}

// matchTarget looks up the target entity carrying sku. The target listing is
// fetched once per run.
func (e *Executor) matchTarget(ctx context.Context, r *runState, sku string) (models.Entity, bool, int, error) {
	attempts := 0
	if r.targets == nil {
		var entities []models.Entity
		n, err := e.retry(ctx, func() error {
			var err error
			entities, err = r.target.FetchEntities(ctx, r.rule.SyncType)
			return err
		})
		attempts = n
		if err != nil {
			return models.Entity{}, false, attempts, fmt.Errorf("failed to list target entities for matching: %w", err)
		}

		r.targets = make(map[string]models.Entity, len(entities))
		for _, entity := range entities {
			if entity.SKU == "" {
				continue
			}
			// first in adapter order wins on duplicate SKUs
			if _, dup := r.targets[entity.SKU]; !dup {
				r.targets[entity.SKU] = entity
			}
		}
	}

	if sku == "" {
		return models.Entity{}, false, attempts, nil
	}
	entity, ok := r.targets[sku]
	return entity, ok, attempts, nil
}

// syncMapped compares both sides of an existing mapping against the hash of the last
// sync and applies what the conflict rules decide
func (e *Executor) syncMapped(ctx context.Context, r *runState, m *models.Mapping, src models.Entity) itemResult {
	t := r.rule.SyncType
	res := itemResult{targetID: m.TargetEntityID}
	sourceHash := src.ContentHash(t)

	var (
		target     models.Entity
		targetHash string
	)
	if r.rule.Mode == models.ModeTwoWay {
		pending, err := e.deps.Conflicts.PendingFor(m.ID)
		if err != nil {
			return res.failed(err)
		}
		if pending != nil {
			res.outcome = models.OutcomeConflicted
			res.note = fmt.Sprintf("awaiting resolution of conflict %s", pending.ID)
			return res
		}

		n, err := e.retry(ctx, func() error {
			var err error
			target, err = r.target.GetEntity(ctx, t, m.TargetEntityID)
			return err
		})
		res.attempts += n
		if err != nil {
			return res.failed(fmt.Errorf("failed to read counterpart %s: %w", m.TargetEntityID, err))
		}
		targetHash = target.ContentHash(t)
	}

	d := conflict.Decide(r.rule.Mode, r.policy, sourceHash, targetHash, m.LastSyncedHash)
	r.logger.Debug("item decision",
		"source_entity_id", src.ID,
		"target_entity_id", m.TargetEntityID,
		"action", d.Action.String(),
		"conflicted", d.Conflicted)

	switch d.Action {
	case conflict.ActionNone:
		res.outcome = models.OutcomeSkipped
		return res

	case conflict.ActionAdoptHash:
		// both sides converged on their own
		if err := e.refreshMapping(m, sourceHash); err != nil {
			return res.failed(err)
		}
		res.outcome = models.OutcomeSkipped
		return res

	case conflict.ActionHold:
		c, err := e.deps.Conflicts.Record(models.Conflict{
			RuleID:         r.rule.ID,
			MappingID:      m.ID,
			SyncType:       t,
			SourceSnapshot: src,
			TargetSnapshot: target,
		})
		if err != nil {
			return res.failed(err)
		}
		res.outcome = models.OutcomeConflicted
		res.note = fmt.Sprintf("both sides changed, conflict %s awaits resolution", c.ID)
		return res
	}

	var (
		value   models.Entity
		adapter platform.Adapter
		hash    string
		method  models.ConflictPolicy
	)
	if d.Action == conflict.ActionPushSource {
		value, adapter, hash, method = src.Clone(), r.target, sourceHash, models.PolicySourceWins
		value.ID = m.TargetEntityID
	} else {
		value, adapter, hash, method = target.Clone(), r.source, targetHash, models.PolicyTargetWins
		value.ID = src.ID
	}

	n, err := e.retry(ctx, func() error {
		_, err := adapter.ApplyEntity(ctx, t, value)
		return err
	})
	res.attempts += n
	if err != nil {
		return res.failed(err)
	}

	if err := e.refreshMapping(m, hash); err != nil {
		return res.failed(err)
	}

	if d.Conflicted {
		e.auditConflict(r, m, src, target, method, value)
		res.note = fmt.Sprintf("both sides changed, settled by %s", method)
	}
	res.outcome = models.OutcomeSucceeded
	return res
}

func (e *Executor) refreshMapping(m *models.Mapping, hash string) error {
	refreshed := *m
	refreshed.LastSyncedHash = hash
	refreshed.LastSyncedAt = e.now().UTC()
	_, _, err := e.deps.Mappings.Upsert(refreshed, mapping.UpsertOptions{})
	return err
}

// auditConflict records a conflict an automatic policy already settled
func (e *Executor) auditConflict(r *runState, m *models.Mapping, src, target models.Entity, method models.ConflictPolicy, value models.Entity) {
	now := e.now().UTC()
	resolved := value.Clone()
	resolved.ID = ""
	_, err := e.deps.Conflicts.Record(models.Conflict{
		RuleID:         r.rule.ID,
		MappingID:      m.ID,
		SyncType:       r.rule.SyncType,
		SourceSnapshot: src,
		TargetSnapshot: target,
		DetectedAt:     now,
		State:          models.ConflictResolved,
		Method:         method,
		ResolvedValue:  &resolved,
		ResolvedAt:     &now,
	})
	if err != nil {
		r.logger.Warn("failed to record settled conflict", "mapping_id", m.ID, "error", err)
	}
}

// pauseForAuth aborts the run and pauses the rule until its store credentials are fixed
func (e *Executor) pauseForAuth(r *runState, err error) {
	storeID := r.rule.SourceStoreID
	var authErr *models.AuthExpiredError
	if errors.As(err, &authErr) && authErr.StoreID != "" {
		storeID = authErr.StoreID
	}

	r.abortMsg = fmt.Sprintf("credentials for store %s were rejected; update them and re-activate the rule", storeID)
	r.logger.Error("store credentials rejected, pausing rule", "store_id", storeID, "error", err)

	if _, err := e.deps.Rules.SetStatus(r.rule.ID, models.RulePaused); err != nil && !models.IsNotFound(err) {
		r.logger.Error("failed to pause rule", "error", err)
	}
}

// record counts one item and hands its result to the tracker
func (e *Executor) record(r *runState, src models.Entity, res itemResult) {
	r.counts.Add(res.outcome)
	metrics.RecordItem(string(r.rule.SyncType), string(res.outcome))

	detail := res.note
	if res.err != nil {
		detail = res.err.Error()
		if r.firstErr == "" {
			r.firstErr = fmt.Sprintf("%s: %s", src.ID, detail)
		}
		r.logger.Warn("item failed",
			"source_entity_id", src.ID,
			"attempts", res.attempts,
			"error", res.err)
	}

	e.deps.Tracker.RecordItems(models.ItemResult{
		RunID:          r.log.RunID,
		RuleID:         r.rule.ID,
		SourceEntityID: src.ID,
		TargetEntityID: res.targetID,
		Outcome:        res.outcome,
		Error:          detail,
		Attempts:       res.attempts,
		RecordedAt:     e.now().UTC(),
	})
}

// finish finalizes the log and the rule's last-run fields
func (e *Executor) finish(r *runState) {
	l := r.log
	l.Counts = r.counts
	l.Status, l.Message = r.outcome()
	finishedAt := e.now().UTC()
	l.FinishedAt = &finishedAt

	// items are stored before the log reports its final counts
	flushCtx, cancel := context.WithTimeout(context.Background(), itemFlushTimeout)
	if err := e.deps.Tracker.FlushItems(flushCtx); err != nil {
		r.logger.Warn("item results not yet stored", "error", err)
	}
	cancel()

	if err := e.deps.Tracker.Finish(l); err != nil {
		r.logger.Error("failed to finalize run log", "error", err)
	}

	if err := e.deps.Rules.RecordRun(r.rule.ID, l.StartedAt, l.Status); err != nil {
		if models.IsNotFound(err) {
			r.logger.Debug("rule deleted while running")
		} else {
			r.logger.Error("failed to record last run on rule", "error", err)
		}
	}

	duration := finishedAt.Sub(l.StartedAt)
	metrics.RecordRun(string(r.rule.SyncType), string(l.Status), duration.Seconds())
	r.logger.Info("run finished",
		"status", l.Status,
		"succeeded", r.counts.Succeeded,
		"failed", r.counts.Failed,
		"skipped", r.counts.Skipped,
		"conflicted", r.counts.Conflicted,
		"duration", duration)
}

// =============================================================================
// Retry
// =============================================================================

// retry runs op until it succeeds, fails with a non-retryable error or exhausts
// MaxAttempts. Returns the number of attempts made.
func (e *Executor) retry(ctx context.Context, op func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.config.InitialBackoff
	b.MaxInterval = e.config.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(e.config.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	return attempts, err
}

func retryable(err error) bool {
	var rateErr *models.RateLimitExceededError
	return models.IsTransient(err) || errors.As(err, &rateErr)
}
