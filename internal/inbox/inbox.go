// Package inbox is a bounded, typed mailbox used to hand requests to a
// single-owner loop. Senders give up after a timeout or when their context ends.
package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by Send when the mailbox stayed full for the whole timeout
var ErrTimeout = errors.New("inbox: send timed out")

// Inbox carries messages of type T from any number of senders to one receiver
type Inbox[T any] struct {
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger

	sent     atomic.Int64
	received atomic.Int64
	timeouts atomic.Int64
	maxDepth atomic.Int64
}

// Stats is a point-in-time snapshot of inbox usage
type Stats struct {
	TotalSent     int64 `json:"totalSent"`
	TotalReceived int64 `json:"totalReceived"`
	TimeoutCount  int64 `json:"timeoutCount"`
	CurrentDepth  int   `json:"currentDepth"`
	MaxDepthSeen  int   `json:"maxDepthSeen"`
}

// New creates an inbox holding up to bufferSize messages
func New[T any](bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
	}
}

// Send enqueues msg. It returns ErrTimeout when the inbox stays full for the
// configured timeout, or the context's error if ctx ends first.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) error {
	select {
	case ib.ch <- msg:
		ib.accepted()
		return nil
	default:
	}

	timer := time.NewTimer(ib.timeout)
	defer timer.Stop()

	select {
	case ib.ch <- msg:
		ib.accepted()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		ib.timeouts.Add(1)
		ib.logger.Warn("inbox send timeout",
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return ErrTimeout
	}
}

func (ib *Inbox[T]) accepted() {
	ib.sent.Add(1)
	depth := int64(len(ib.ch))
	for {
		seen := ib.maxDepth.Load()
		if depth <= seen || ib.maxDepth.CompareAndSwap(seen, depth) {
			return
		}
	}
}

// TryReceive returns the next message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg := <-ib.ch:
		ib.received.Add(1)
		return msg, true
	default:
		var zero T
		return zero, false
	}
}

// Chan exposes the receive side for select statements.
// Pair every message taken from it with MarkReceived.
func (ib *Inbox[T]) Chan() <-chan T {
	return ib.ch
}

// MarkReceived counts a message taken directly from Chan
func (ib *Inbox[T]) MarkReceived() {
	ib.received.Add(1)
}

// Len returns the number of queued messages
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Stats returns a snapshot of the counters
func (ib *Inbox[T]) Stats() Stats {
	return Stats{
		TotalSent:     ib.sent.Load(),
		TotalReceived: ib.received.Load(),
		TimeoutCount:  ib.timeouts.Load(),
		CurrentDepth:  len(ib.ch),
		MaxDepthSeen:  int(ib.maxDepth.Load()),
	}
}
