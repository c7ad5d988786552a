package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livinlefevreloca/storesync/internal/inbox"
	"github.com/livinlefevreloca/storesync/internal/metrics"
	"github.com/livinlefevreloca/storesync/internal/models"
	"github.com/livinlefevreloca/storesync/internal/scheduler/index"
)

// ErrInboxFull is returned when a request could not be queued before the send timeout
var ErrInboxFull = errors.New("scheduler inbox is full")

// ErrStopped is returned for requests made after the scheduler shut down
var ErrStopped = errors.New("scheduler is stopped")

// Runner executes one rule
type Runner interface {
	Run(ctx context.Context, ruleID string, trigger models.Trigger) (*models.SyncLog, error)
}

// RuleSource lists the rules the index is built from
type RuleSource interface {
	List(filter models.RuleFilter) ([]models.SyncRule, error)
}

type job struct {
	ruleID  string
	trigger models.Trigger
}

type dispatchResult int

const (
	dispatched dispatchResult = iota
	deferred
	skipped
)

type runAllResult struct {
	response RunAllResponse
	err      error
}

// Scheduler owns the tick loop that decides which rules are due and feeds
// them to a bounded pool of workers.
type Scheduler struct {
	// Configuration
	config SchedulerConfig
	logger *slog.Logger
	rules  RuleSource
	runner Runner
	now    func() time.Time

	// State
	index *index.DueIndex

	// Rules queued or running through the pool
	mu      sync.Mutex
	pending map[string]struct{}

	// Stats (accessed only by main loop)
	iterations      int64
	dispatchCount   int64
	deferCount      int64
	indexBuildCount int64

	// Communication
	inbox *inbox.Inbox[InboxMessage]
	jobs  chan job

	// Control
	runCtx       context.Context
	cancelRuns   context.CancelFunc
	shutdown     chan struct{}
	done         chan struct{}
	rebuildIndex chan struct{}
	workers      sync.WaitGroup
	started      atomic.Bool
	stopOnce     sync.Once
}

// NewScheduler creates a new scheduler instance with validated configuration
func NewScheduler(config SchedulerConfig, rules RuleSource, runner Runner, logger *slog.Logger) (*Scheduler, error) {
	// 1. Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())

	// 2. Initialize scheduler with empty index
	s := &Scheduler{
		config:       config,
		logger:       logger,
		rules:        rules,
		runner:       runner,
		now:          time.Now,
		index:        index.NewDueIndex(nil),
		pending:      make(map[string]struct{}),
		inbox:        inbox.New[InboxMessage](config.InboxBufferSize, config.InboxSendTimeout, logger),
		jobs:         make(chan job, config.QueueSize),
		runCtx:       runCtx,
		cancelRuns:   cancel,
		shutdown:     make(chan struct{}),
		done:         make(chan struct{}),
		rebuildIndex: make(chan struct{}, 1),
	}

	// 3. Build initial index (synchronously on startup)
	if err := s.performIndexBuild(s.now()); err != nil {
		cancel()
		return nil, err
	}

	return s, nil
}

// Start launches the worker pool and the main loop. It does not block.
func (s *Scheduler) Start() {
	if !s.started.CompareAndSwap(false, true) {
		return
	}

	s.logger.Info("starting scheduler",
		"tick_interval", s.config.TickInterval,
		"workers", s.config.Workers)

	for i := 0; i < s.config.Workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}

	go s.run()
}

// Shutdown stops the loop, drops queued rules and waits for in-flight runs.
// Runs still going after ShutdownTimeout (or when ctx ends) are cancelled and
// waited for once more.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.shutdown) })

	if !s.started.Load() {
		s.cancelRuns()
		return nil
	}
	<-s.done

	finished := make(chan struct{})
	go func() {
		s.workers.Wait()
		close(finished)
	}()

	timer := time.NewTimer(s.config.ShutdownTimeout)
	defer timer.Stop()

	select {
	case <-finished:
		s.cancelRuns()
		s.logger.Info("scheduler stopped")
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("cancelling in-flight runs", "timeout", s.config.ShutdownTimeout)
	s.cancelRuns()
	<-finished
	return fmt.Errorf("in-flight runs were cancelled during shutdown")
}

// RunNow runs a rule immediately on the caller's goroutine and returns its log
func (s *Scheduler) RunNow(ctx context.Context, ruleID string) (*models.SyncLog, error) {
	return s.runner.Run(ctx, ruleID, models.TriggerManual)
}

// RunAll hands every active rule to the worker pool without waiting for the runs
func (s *Scheduler) RunAll(ctx context.Context) (RunAllResponse, error) {
	resp, err := s.request(ctx, MsgRunAll)
	if err != nil {
		return RunAllResponse{}, err
	}
	result := resp.(runAllResult)
	return result.response, result.err
}

// Stats returns loop and inbox statistics
func (s *Scheduler) Stats(ctx context.Context) (StatsResponse, error) {
	resp, err := s.request(ctx, MsgGetStats)
	if err != nil {
		return StatsResponse{}, err
	}
	return resp.(StatsResponse), nil
}

// RuleChanged asks the loop to rebuild the due index. It never blocks.
func (s *Scheduler) RuleChanged() {
	select {
	case s.rebuildIndex <- struct{}{}:
	default:
	}
}

// NextDue returns the earliest due run in the current index
func (s *Scheduler) NextDue() (index.DueRun, bool) {
	return s.index.Next()
}

func (s *Scheduler) request(ctx context.Context, msgType MessageType) (interface{}, error) {
	select {
	case <-s.shutdown:
		return nil, ErrStopped
	default:
	}

	respChan := make(chan interface{}, 1)
	if err := s.inbox.Send(ctx, InboxMessage{Type: msgType, ResponseChan: respChan}); err != nil {
		if errors.Is(err, inbox.ErrTimeout) {
			return nil, ErrInboxFull
		}
		return nil, err
	}

	select {
	case resp := <-respChan:
		return resp, nil
	case <-s.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// Main loop
// =============================================================================

// run is the main scheduler loop
func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.iteration()

	for {
		select {
		case <-s.shutdown:
			s.handleShutdown()
			return

		case <-ticker.C:
			s.iteration()

		case <-s.rebuildIndex:
			// Explicit rebuild requested (rule created, edited or toggled)
			if err := s.performIndexBuild(s.now()); err != nil {
				s.logger.Error("failed to rebuild index", "error", err)
			}

		case msg := <-s.inbox.Chan():
			s.inbox.MarkReceived()
			s.handleMessage(msg)
			s.processInbox()
		}
	}
}

// iteration performs a single iteration of the scheduler loop
func (s *Scheduler) iteration() {
	start := time.Now()
	now := s.now()

	// Step 1: Rebuild the index so edits and finished runs are reflected
	if err := s.performIndexBuild(now); err != nil {
		// Keep the previous index; a stale due time is better than skipping the tick
		s.logger.Error("failed to rebuild index", "error", err)
	}

	// Step 2: Hand due rules to the pool
	for _, run := range s.index.Due(now) {
		s.dispatch(run.RuleID, models.TriggerSchedule)
	}

	// Step 3: Process ALL inbox messages
	s.processInbox()

	// Step 4: Record iteration statistics
	s.iterations++
	metrics.InboxDepth.Set(float64(s.inbox.Len()))
	metrics.SchedulerIterationDuration.Observe(time.Since(start).Seconds())
}

// performIndexBuild queries active rules and swaps in a fresh due index
func (s *Scheduler) performIndexBuild(now time.Time) error {
	rules, err := s.rules.List(models.RuleFilter{Status: models.RuleActive})
	if err != nil {
		return fmt.Errorf("failed to list active rules: %w", err)
	}

	s.index.Swap(index.Build(rules, now))
	s.indexBuildCount++

	s.logger.Debug("rebuilt due index", "rules", len(rules), "size", s.index.Len())
	return nil
}

// dispatch offers a rule to the pool without blocking
func (s *Scheduler) dispatch(ruleID string, trigger models.Trigger) dispatchResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, busy := s.pending[ruleID]; busy {
		return skipped
	}

	select {
	case s.jobs <- job{ruleID: ruleID, trigger: trigger}:
		s.pending[ruleID] = struct{}{}
		s.dispatchCount++
		metrics.SchedulerDispatched.WithLabelValues(string(trigger)).Inc()
		return dispatched
	default:
		s.deferCount++
		metrics.SchedulerDeferred.Inc()
		s.logger.Debug("worker pool full, deferring rule", "rule_id", ruleID)
		return deferred
	}
}

func (s *Scheduler) release(ruleID string) {
	s.mu.Lock()
	delete(s.pending, ruleID)
	s.mu.Unlock()
}

func (s *Scheduler) pendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// processInbox drains all available messages from the inbox
func (s *Scheduler) processInbox() int {
	messagesProcessed := 0

	// Process all available messages (non-blocking)
	for {
		msg, ok := s.inbox.TryReceive()
		if !ok {
			break
		}

		s.handleMessage(msg)
		messagesProcessed++
	}

	return messagesProcessed
}

// handleMessage dispatches messages to appropriate handlers
func (s *Scheduler) handleMessage(msg InboxMessage) {
	s.logger.Debug("handling message", "type", msg.Type.String())

	switch msg.Type {
	case MsgRunAll:
		s.handleRunAll(msg)
	case MsgGetStats:
		s.handleGetStats(msg)
	case MsgShutdown:
		s.stopOnce.Do(func() { close(s.shutdown) })
	default:
		s.logger.Warn("unknown message type", "type", msg.Type)
	}
}

// handleRunAll dispatches every active rule regardless of its due time
func (s *Scheduler) handleRunAll(msg InboxMessage) {
	var result runAllResult

	rules, err := s.rules.List(models.RuleFilter{Status: models.RuleActive})
	if err != nil {
		result.err = fmt.Errorf("failed to list active rules: %w", err)
	} else {
		sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

		resp := RunAllResponse{
			Dispatched: []string{},
			Deferred:   []string{},
			Skipped:    []string{},
		}
		for _, rule := range rules {
			switch s.dispatch(rule.ID, models.TriggerManual) {
			case dispatched:
				resp.Dispatched = append(resp.Dispatched, rule.ID)
			case deferred:
				resp.Deferred = append(resp.Deferred, rule.ID)
			case skipped:
				resp.Skipped = append(resp.Skipped, rule.ID)
			}
		}
		result.response = resp

		s.logger.Info("run-all requested",
			"dispatched", len(resp.Dispatched),
			"deferred", len(resp.Deferred),
			"skipped", len(resp.Skipped))
	}

	if msg.ResponseChan != nil {
		msg.ResponseChan <- result
	}
}

// handleGetStats returns current scheduler statistics
func (s *Scheduler) handleGetStats(msg InboxMessage) {
	stats := SchedulerStats{
		IndexSize:       s.index.Len(),
		Pending:         s.pendingCount(),
		Iterations:      s.iterations,
		Dispatched:      s.dispatchCount,
		Deferred:        s.deferCount,
		IndexBuildCount: s.indexBuildCount,
	}
	if next, ok := s.index.Next(); ok {
		stats.NextDue = &next
	}

	response := StatsResponse{
		SchedulerStats: stats,
		InboxStats:     s.inbox.Stats(),
	}

	if msg.ResponseChan != nil {
		msg.ResponseChan <- response
	}
}

// handleShutdown drops rules still waiting for a worker
func (s *Scheduler) handleShutdown() {
	dropped := 0
	for {
		select {
		case j := <-s.jobs:
			s.release(j.ruleID)
			dropped++
		default:
			s.logger.Info("scheduler loop stopped", "dropped_rules", dropped)
			return
		}
	}
}

// =============================================================================
// Workers
// =============================================================================

func (s *Scheduler) worker() {
	defer s.workers.Done()

	for {
		select {
		case <-s.shutdown:
			return
		case j := <-s.jobs:
			select {
			case <-s.shutdown:
				s.release(j.ruleID)
				return
			default:
			}
			s.execute(j)
		}
	}
}

func (s *Scheduler) execute(j job) {
	defer s.release(j.ruleID)

	l, err := s.runner.Run(s.runCtx, j.ruleID, j.trigger)
	switch {
	case err == nil:
		s.logger.Debug("rule run finished",
			"rule_id", j.ruleID,
			"trigger", j.trigger,
			"status", l.Status)
	case isRejection(err):
		s.logger.Debug("rule run rejected", "rule_id", j.ruleID, "reason", err)
	default:
		s.logger.Error("rule run failed to start", "rule_id", j.ruleID, "error", err)
	}
}

// isRejection reports errors that mean the rule was simply not eligible
func isRejection(err error) bool {
	var running *models.AlreadyRunningError
	var inactive *models.RuleNotActiveError
	var missing *models.RuleNotFoundError
	return errors.As(err, &running) || errors.As(err, &inactive) || errors.As(err, &missing)
}
