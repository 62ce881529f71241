package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/al-bashkir/session-lease/internal/lease"
)

// DefaultRedisKey is the key holding expiresAt when none is configured.
const DefaultRedisKey = "session-lease:expires_at"

// redisGrace keeps the key readable for a while after the lease ran out so
// every process still observes the expiry instead of a missing value.
const redisGrace = time.Hour

// Redis mirrors expiresAt (epoch milliseconds) into a Redis key shared by
// every process attached to the same session.
type Redis struct {
	client redis.Cmdable
	key    string
}

// NewRedis creates a Redis mirror. An empty key selects DefaultRedisKey.
func NewRedis(client redis.Cmdable, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// Name returns the mirror name.
func (r *Redis) Name() string { return "redis" }

// Load reads the key.
func (r *Redis) Load(ctx context.Context) (time.Time, bool, error) {
	val, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get %s: %w", r.key, err)
	}

	expiresAt, err := lease.ParseTimestamp(val)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("redis value %s: %w", r.key, err)
	}
	return expiresAt, true, nil
}

// Save writes the key with a TTL covering the rest of the lease.
func (r *Redis) Save(ctx context.Context, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl < 0 {
		ttl = 0
	}
	ttl += redisGrace

	value := strconv.FormatInt(lease.UnixMilli(expiresAt), 10)
	if err := r.client.Set(ctx, r.key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", r.key, err)
	}
	return nil
}

// Clear deletes the key.
func (r *Redis) Clear(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", r.key, err)
	}
	return nil
}

// Connect opens a Redis client from a redis:// or rediss:// URL and verifies
// it with a ping.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	if url == "" {
		return nil, errors.New("empty redis connection URL")
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
