package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis stores JSON documents with a fixed TTL.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedis connects to the server at url (redis://host:port/db).
func NewRedis(ctx context.Context, url, prefix string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, prefix, ttl), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Redis {
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Get decodes the value at key into dst. It reports false on a miss.
func (r *Redis) Get(ctx context.Context, key string, dst any) (bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("redis get failed: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		// corrupt entries are dropped so the next read recomputes
		r.client.Del(ctx, r.prefix+key)
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores v at key for the configured TTL.
func (r *Redis) Set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return r.client.Set(ctx, r.prefix+key, data, r.ttl).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}

// ListingKey is the cache key for a listing rollup.
func ListingKey(listingID string, days int) string {
	return fmt.Sprintf("listing:%s:%d", listingID, days)
}

// UserKey is the cache key for a seller rollup.
func UserKey(userID string, days int) string {
	return fmt.Sprintf("user:%s:%d", userID, days)
}

// PlatformKey is the cache key for the platform rollup.
func PlatformKey(days int) string {
	return fmt.Sprintf("platform:%d", days)
}
