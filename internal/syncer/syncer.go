// Package syncer buffers per-item run results and writes them to the database in
// batches from a background goroutine.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livinlefevreloca/storesync/internal/metrics"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// Writer persists a batch of item results
type Writer interface {
	WriteItemResults(results []models.ItemResult) error
}

// Stats provides current syncer statistics
type Stats struct {
	BufferedResults int
	QueuedBatches   int
	LastFlush       time.Time
}

// ErrNotRunning is returned by Sync when there is no writer to wait for
var ErrNotRunning = errors.New("syncer: writer not running")

// batch is one hand-off to the writer. done, when set, receives the write error
// once the batch and every batch queued before it have been written.
type batch struct {
	results []models.ItemResult
	done    chan error
}

// Syncer is safe for concurrent use by every run in flight
type Syncer struct {
	config Config
	logger *slog.Logger

	mu        sync.Mutex
	buffer    []models.ItemResult
	lastFlush time.Time
	started   bool
	closed    bool

	batches  chan batch
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewSyncer creates a syncer with the specified configuration
func NewSyncer(config Config, logger *slog.Logger) (*Syncer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &Syncer{
		config:    config,
		logger:    logger,
		buffer:    make([]models.ItemResult, 0, config.FlushThreshold),
		lastFlush: time.Now(),
		batches:   make(chan batch, config.BatchChannelSize),
		shutdown:  make(chan struct{}),
	}, nil
}

// Record buffers results and flushes once the threshold is reached. It returns an
// error when the buffer is full; the rejected results are dropped.
func (s *Syncer) Record(results ...models.ItemResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		metrics.ItemResultsDropped.Add(float64(len(results)))
		return fmt.Errorf("syncer is shut down, dropped %d item results", len(results))
	}

	if len(s.buffer)+len(results) > s.config.MaxBufferedResults {
		metrics.ItemResultsDropped.Add(float64(len(results)))
		return fmt.Errorf("item result buffer exceeded maximum size: %d + %d > %d",
			len(s.buffer), len(results), s.config.MaxBufferedResults)
	}
	s.buffer = append(s.buffer, results...)

	if len(s.buffer) >= s.config.FlushThreshold {
		if err := s.flushLocked(); err != nil {
			s.logger.Warn("threshold flush deferred", "error", err)
		}
	}
	return nil
}

// Flush hands the buffered results to the writer goroutine without blocking.
// When the writer is behind the results stay buffered and an error is returned.
func (s *Syncer) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked()
}

func (s *Syncer) flushLocked() error {
	if len(s.buffer) == 0 {
		return nil
	}

	select {
	case s.batches <- batch{results: s.buffer}:
		s.buffer = make([]models.ItemResult, 0, s.config.FlushThreshold)
		s.lastFlush = time.Now()
		return nil
	default:
		return fmt.Errorf("batch channel full, %d item results buffered", len(s.buffer))
	}
}

// Sync hands the buffered results to the writer and waits until every result
// recorded before the call is written, or ctx ends. Unlike Flush it blocks while
// the writer is behind.
func (s *Syncer) Sync(ctx context.Context) error {
	done := make(chan error, 1)

	// the lock keeps Shutdown from closing the channel under the send
	s.mu.Lock()
	if s.closed || !s.started {
		s.mu.Unlock()
		return ErrNotRunning
	}
	select {
	case s.batches <- batch{results: s.buffer, done: done}:
		if len(s.buffer) > 0 {
			s.buffer = make([]models.ItemResult, 0, s.config.FlushThreshold)
			s.lastFlush = time.Now()
		}
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	}
	s.mu.Unlock()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetStats returns current syncer statistics
func (s *Syncer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BufferedResults: len(s.buffer),
		QueuedBatches:   len(s.batches),
		LastFlush:       s.lastFlush,
	}
}

// Start launches the writer and the periodic flusher
func (s *Syncer) Start(writer Writer) {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runWriter(writer)
	go s.runFlusher()
}

func (s *Syncer) runFlusher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("periodic flush deferred", "error", err)
			}
		}
	}
}

// runWriter writes batches until the channel is closed and drained
func (s *Syncer) runWriter(writer Writer) {
	defer s.wg.Done()

	for b := range s.batches {
		err := s.write(writer, b.results)
		if b.done != nil {
			b.done <- err
		}
	}

	s.logger.Debug("item result writer shut down")
}

func (s *Syncer) write(writer Writer, results []models.ItemResult) error {
	if len(results) == 0 {
		return nil
	}
	if err := writer.WriteItemResults(results); err != nil {
		metrics.ItemResultsDropped.Add(float64(len(results)))
		s.logger.Error("failed to write item results",
			"count", len(results),
			"run_id", results[0].RunID,
			"error", err)
		return err
	}
	s.logger.Debug("wrote item results", "count", len(results))
	return nil
}

// Shutdown stops the flusher, hands every buffered result to the writer and waits
// for it to finish. Results recorded afterwards are rejected.
func (s *Syncer) Shutdown() error {
	s.logger.Info("starting syncer shutdown")

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	remaining := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	close(s.shutdown)

	if started {
		// closed is set, so Record and Flush have nothing left to send
		if len(remaining) > 0 {
			s.logger.Debug("performing final flush", "item_results", len(remaining))
			s.batches <- batch{results: remaining}
		}
	} else if len(remaining) > 0 {
		metrics.ItemResultsDropped.Add(float64(len(remaining)))
		s.logger.Warn("syncer never started, dropping buffered item results", "count", len(remaining))
	}

	close(s.batches)
	s.wg.Wait()

	s.logger.Info("syncer shutdown complete")
	return nil
}
