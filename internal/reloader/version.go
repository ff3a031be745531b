package reloader

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// VersionKey holds a counter bumped on every subscription change.
const VersionKey = "webhooks:registry:version"

// RedisVersions reads and bumps the registry version in Redis.
type RedisVersions struct {
	client redis.Cmdable
	key    string
}

// NewRedisVersions creates a version source on client using VersionKey.
func NewRedisVersions(client redis.Cmdable) *RedisVersions {
	return &RedisVersions{client: client, key: VersionKey}
}

// Version returns the current version, or 0 if none was published yet.
func (v *RedisVersions) Version(ctx context.Context) (int64, error) {
	version, err := v.client.Get(ctx, v.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get registry version from Redis: %w", err)
	}
	return version, nil
}

// Bump increments the version so every instance reloads.
func (v *RedisVersions) Bump(ctx context.Context) (int64, error) {
	version, err := v.client.Incr(ctx, v.key).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to bump registry version: %w", err)
	}
	return version, nil
}
