package runlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/livinlefevreloca/storesync/internal/models"
)

// RedisConfig configures the cross-process locker
type RedisConfig struct {
	Enabled   bool          `toml:"enabled"`
	Addr      string        `toml:"addr"`
	Password  string        `toml:"password"`
	DB        int           `toml:"db"`
	KeyPrefix string        `toml:"key_prefix"`
	TTL       time.Duration `toml:"ttl"`
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "storesync:lock:",
		TTL:       30 * time.Second,
	}
}

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Redis is a Locker shared by every process pointed at the same server.
// A held lock is refreshed at a third of its TTL until released, so a crashed
// holder frees its rules after at most one TTL.
type Redis struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	logger    *slog.Logger
}

// NewRedis connects to the configured server and verifies it answers
func NewRedis(ctx context.Context, config RedisConfig, logger *slog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return NewRedisWithClient(client, config, logger), nil
}

func NewRedisWithClient(client redis.UniversalClient, config RedisConfig, logger *slog.Logger) *Redis {
	if config.KeyPrefix == "" {
		config.KeyPrefix = DefaultRedisConfig().KeyPrefix
	}
	if config.TTL <= 0 {
		config.TTL = DefaultRedisConfig().TTL
	}
	return &Redis{
		client:    client,
		keyPrefix: config.KeyPrefix,
		ttl:       config.TTL,
		logger:    logger,
	}
}

func (r *Redis) TryAcquire(ctx context.Context, key string) (func(), error) {
	return r.TryAcquireWatched(ctx, key, nil)
}

// TryAcquireWatched is TryAcquire that calls onLost when a refresh finds the
// lock gone or owned by someone else.
func (r *Redis) TryAcquireWatched(ctx context.Context, key string, onLost func()) (func(), error) {
	lockKey := r.keyPrefix + key
	token := uuid.New().String()

	ok, err := r.client.SetNX(ctx, lockKey, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, &models.AlreadyRunningError{Key: key}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if r.keepAlive(lockKey, token, done) && onLost != nil {
			onLost()
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(releaseCtx, r.client, []string{lockKey}, token).Int64()
			if err != nil {
				r.logger.Error("failed to release lock", "key", key, "error", err)
				return
			}
			if n == 0 {
				r.logger.Warn("lock expired before release", "key", key)
			}
		})
	}, nil
}

// keepAlive refreshes the lock until done is closed. It reports whether the lock was
// lost, either taken by another holder or left unrefreshed for a whole TTL.
func (r *Redis) keepAlive(lockKey, token string, done <-chan struct{}) bool {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	extended := time.Now()

	for {
		select {
		case <-done:
			return false
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/3)
			n, err := extendScript.Run(ctx, r.client, []string{lockKey}, token, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				r.logger.Warn("failed to extend lock", "key", lockKey, "error", err)
				if time.Since(extended) >= r.ttl {
					r.logger.Error("lock expired while unreachable", "key", lockKey)
					return true
				}
				continue
			}
			if n == 0 {
				r.logger.Error("lock lost while held", "key", lockKey)
				return true
			}
			extended = time.Now()
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
