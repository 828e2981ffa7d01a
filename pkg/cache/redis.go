package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// unlinkBatch bounds the number of keys sent in one UNLINK.
const unlinkBatch = 500

// RedisCache stores pages in Redis. Each table has a set of its live keys
// under viewidx:<table>.
type RedisCache struct {
	client redis.UniversalClient
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache wraps a connected client. The cache owns the client and closes it.
func NewRedisCache(client redis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Lookup(ctx context.Context, fp models.Fingerprint) (*CachedPage, bool, error) {
	b, err := c.client.Get(ctx, fp.Key()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	page, err := decodePage(b)
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

func (c *RedisCache) Store(ctx context.Context, fp models.Fingerprint, page *CachedPage, ttl time.Duration) error {
	b, err := encodePage(page)
	if err != nil {
		return err
	}
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fp.Key(), b, ttl)
		pipe.SAdd(ctx, indexKey(fp.Table), fp.Key())
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis store: %w", err)
	}
	return nil
}

// Invalidate renames the index away first so stores racing with the
// invalidation land in a fresh index instead of being dropped with the old one.
func (c *RedisCache) Invalidate(ctx context.Context, table string) error {
	idx := indexKey(table)
	tmp := idx + ":drain:" + uuid.NewString()

	if err := c.client.Rename(ctx, idx, tmp).Err(); err != nil {
		if isNoSuchKey(err) {
			return nil
		}
		return fmt.Errorf("redis rename index: %w", err)
	}

	keys, err := c.client.SMembers(ctx, tmp).Result()
	if err != nil {
		return fmt.Errorf("redis read index: %w", err)
	}
	for start := 0; start < len(keys); start += unlinkBatch {
		end := min(start+unlinkBatch, len(keys))
		if err := c.client.Unlink(ctx, keys[start:end]...).Err(); err != nil {
			return fmt.Errorf("redis unlink: %w", err)
		}
	}
	if err := c.client.Del(ctx, tmp).Err(); err != nil {
		return fmt.Errorf("redis delete index: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func isNoSuchKey(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "no such key")
}
