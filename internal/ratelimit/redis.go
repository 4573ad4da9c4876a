package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// keyPrefix namespaces every limiter key in the shared store so multiple
// gateway deployments can share one Redis instance.
const keyPrefix = "waygate:ratelimit:"

// RedisStorage implements Storage on a shared Redis instance.
type RedisStorage struct {
	client *redis.Client
}

// NewRedisStorage connects to the Redis instance described by rawURL
// (redis://[user:pass@]host:port/db) and verifies it is reachable within a
// short timeout.
func NewRedisStorage(rawURL string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStorage{client: client}, nil
}

// IncrWindow atomically increments the windowed counter, attaching the TTL
// when the increment created the key.
func (rs *RedisStorage) IncrWindow(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	fullKey := keyPrefix + key

	pipe := rs.client.TxPipeline()
	incr := pipe.Incr(ctx, fullKey)
	// PEXPIRE keeps millisecond precision; EXPIRE would round sub-second TTLs up to 1s.
	pipe.Do(ctx, "pexpire", fullKey, ttl.Milliseconds(), "nx")
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}
	return incr.Val(), nil
}

// Close closes the Redis connection.
func (rs *RedisStorage) Close() error {
	return rs.client.Close()
}

// ResolveStorage picks the limiter backend at startup. When a shared-store
// URL is configured it is probed once with a short timeout; on failure the
// limiter falls back to process-local counters for the remaining lifetime of
// the process (no background reconnection).
func ResolveStorage(redisURL string, logger *zap.Logger) Storage {
	if redisURL == "" {
		return NewMemoryStorage()
	}

	storage, err := NewRedisStorage(redisURL)
	if err != nil {
		logger.Warn("shared rate-limit store unavailable, falling back to in-memory counters",
			zap.Error(err))
		return NewMemoryStorage()
	}

	logger.Info("rate limiter using shared redis store")
	return storage
}
