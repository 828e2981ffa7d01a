package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coocood/freecache"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// pruneThreshold is the index size at which expired keys are swept on store.
const pruneThreshold = 4096

// MemoryCache stores pages in a freecache ring buffer inside the process.
type MemoryCache struct {
	cache *freecache.Cache

	mu    sync.Mutex
	index map[string]map[string]struct{}
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache allocates a cache of sizeBytes. freecache enforces a 512KiB minimum.
func NewMemoryCache(sizeBytes int) *MemoryCache {
	return &MemoryCache{
		cache: freecache.NewCache(sizeBytes),
		index: make(map[string]map[string]struct{}),
	}
}

func (c *MemoryCache) Lookup(_ context.Context, fp models.Fingerprint) (*CachedPage, bool, error) {
	b, err := c.cache.Get([]byte(fp.Key()))
	if errors.Is(err, freecache.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("memory get: %w", err)
	}
	page, err := decodePage(b)
	if err != nil {
		return nil, false, err
	}
	return page, true, nil
}

func (c *MemoryCache) Store(_ context.Context, fp models.Fingerprint, page *CachedPage, ttl time.Duration) error {
	b, err := encodePage(page)
	if err != nil {
		return err
	}
	key := fp.Key()

	expire := int(ttl / time.Second)
	if ttl > 0 && expire == 0 {
		expire = 1
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.cache.Set([]byte(key), b, expire); err != nil {
		return fmt.Errorf("memory set: %w", err)
	}

	table := models.NormalizeTableName(fp.Table)
	keys, ok := c.index[table]
	if !ok {
		keys = make(map[string]struct{})
		c.index[table] = keys
	}
	keys[key] = struct{}{}
	if len(keys) >= pruneThreshold {
		c.pruneLocked(keys)
	}
	return nil
}

func (c *MemoryCache) pruneLocked(keys map[string]struct{}) {
	for k := range keys {
		if _, err := c.cache.TTL([]byte(k)); err != nil {
			delete(keys, k)
		}
	}
}

func (c *MemoryCache) Invalidate(_ context.Context, table string) error {
	table = models.NormalizeTableName(table)

	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.index[table] {
		c.cache.Del([]byte(k))
	}
	delete(c.index, table)
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int64 {
	return c.cache.EntryCount()
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Clear()
	c.index = make(map[string]map[string]struct{})
	return nil
}
