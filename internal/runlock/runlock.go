// Package runlock provides the single-owner locks that keep at most one run per rule in flight.
package runlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// Locker hands out exclusive locks keyed by string. TryAcquire never waits: a held key
// returns *models.AlreadyRunningError. The returned release func is safe to call more than once.
type Locker interface {
	TryAcquire(ctx context.Context, key string) (release func(), err error)
}

// Watcher is implemented by lockers whose locks can be lost while held, such as
// one backed by a TTL that failed to refresh. onLost is called at most once.
type Watcher interface {
	TryAcquireWatched(ctx context.Context, key string, onLost func()) (release func(), err error)
}

// Local is an in-process Locker
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryAcquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.held[key]; ok {
		return nil, &models.AlreadyRunningError{Key: key}
	}
	l.held[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether key is currently locked
func (l *Local) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// AcquireAll takes every key in order and releases what it took if any acquisition fails.
// The AlreadyRunningError it returns names ruleID and the key that was held.
// The returned channel is closed if a Watcher reports any of the locks lost; it is
// never closed for lockers that cannot lose a lock.
func AcquireAll(ctx context.Context, locker Locker, logger *slog.Logger, ruleID string, keys ...string) (func(), <-chan struct{}, error) {
	lost := make(chan struct{})
	var lostOnce sync.Once
	onLost := func() {
		lostOnce.Do(func() {
			logger.Warn("run lock lost", "rule_id", ruleID)
			close(lost)
		})
	}

	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	watcher, watched := locker.(Watcher)
	for _, key := range keys {
		var (
			release func()
			err     error
		)
		if watched {
			release, err = watcher.TryAcquireWatched(ctx, key, onLost)
		} else {
			release, err = locker.TryAcquire(ctx, key)
		}
		if err != nil {
			releaseAll()
			var running *models.AlreadyRunningError
			if errors.As(err, &running) {
				running.RuleID = ruleID
				logger.Debug("run lock held", "rule_id", ruleID, "key", key)
			}
			return nil, nil, err
		}
		releases = append(releases, release)
	}
	return releaseAll, lost, nil
}
