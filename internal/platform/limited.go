package platform

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"

	"github.com/livinlefevreloca/storesync/internal/metrics"
	"github.com/livinlefevreloca/storesync/internal/models"
)

// limitedAdapter wraps an adapter with the store's outbound token bucket,
// a per-call timeout and call metrics. One instance is shared by every run
// touching the store so the limit holds across concurrent runs.
type limitedAdapter struct {
	inner   Adapter
	storeID string
	limiter *rate.Limiter
	timeout time.Duration
}

func newLimitedAdapter(inner Adapter, store Store) *limitedAdapter {
	return &limitedAdapter{
		inner:   inner,
		storeID: store.ID,
		limiter: rate.NewLimiter(rate.Limit(store.RequestsPerSecond), store.Burst),
		timeout: store.CallTimeout,
	}
}

func (a *limitedAdapter) Platform() string {
	return a.inner.Platform()
}

// call waits for a token, bounds fn by the call timeout and records the outcome
func (a *limitedAdapter) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	waitStart := time.Now()
	if err := a.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// the wait would outlast the context deadline
		r := a.limiter.Reserve()
		delay := r.Delay()
		r.Cancel()
		return &models.RateLimitExceededError{StoreID: a.storeID, RetryAfter: delay}
	}
	metrics.RateLimitWait.WithLabelValues(a.storeID).Observe(time.Since(waitStart).Seconds())

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		err = &models.AdapterError{StoreID: a.storeID, Op: op, Transient: true, Err: errors.New("call timed out")}
	}
	metrics.RecordAdapterCall(a.inner.Platform(), op, resultLabel(err), time.Since(start).Seconds())
	return err
}

func resultLabel(err error) string {
	var (
		rateErr *models.RateLimitExceededError
		authErr *models.AuthExpiredError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &authErr):
		return "auth_expired"
	case models.IsTransient(err):
		return "transient"
	}
	return "error"
}

func (a *limitedAdapter) FetchEntities(ctx context.Context, syncType models.SyncType) ([]models.Entity, error) {
	var out []models.Entity
	err := a.call(ctx, "fetch", func(ctx context.Context) error {
		var err error
		out, err = a.inner.FetchEntities(ctx, syncType)
		return err
	})
	return out, err
}

func (a *limitedAdapter) GetEntity(ctx context.Context, syncType models.SyncType, id string) (models.Entity, error) {
	var out models.Entity
	err := a.call(ctx, "get", func(ctx context.Context) error {
		var err error
		out, err = a.inner.GetEntity(ctx, syncType, id)
		return err
	})
	return out, err
}

func (a *limitedAdapter) ApplyEntity(ctx context.Context, syncType models.SyncType, entity models.Entity) (models.Entity, error) {
	var out models.Entity
	err := a.call(ctx, "apply", func(ctx context.Context) error {
		var err error
		out, err = a.inner.ApplyEntity(ctx, syncType, entity)
		return err
	})
	return out, err
}

func (a *limitedAdapter) Ping(ctx context.Context) error {
	return a.call(ctx, "ping", a.inner.Ping)
}
