package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/casegrid/pkg/retry"
)

// NewRedisClient creates a Redis client from a redis:// URL.
// Returns nil if Redis is not configured (url is empty).
func NewRedisClient(ctx context.Context, url string, retryCfg *retry.Config) (*redis.Client, error) {
	if url == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cache URL: %w", err)
	}

	client := redis.NewClient(opts)

	err = retry.Do(ctx, retryCfg, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
