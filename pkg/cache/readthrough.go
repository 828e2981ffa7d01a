package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ComputeFunc produces a page on a cache miss.
type ComputeFunc func(ctx context.Context) (*CachedPage, error)

// Options configures a ReadThrough.
type Options struct {
	DefaultTTL time.Duration
	SearchTTL  time.Duration
	Metrics    *Metrics
}

// ReadThrough serves pages from a backend and computes misses once per fingerprint.
//
// A compute that started before an Invalidate of its table never stores its
// result. Backend faults are logged at WARN and bypassed.
//
// Pages returned from Get may be shared between concurrent callers and must
// be treated as read-only.
type ReadThrough struct {
	backend Cache
	opts    Options
	logger  *zap.Logger
	group   singleflight.Group

	// mu orders stores against invalidations; generations counts invalidations per table.
	mu          sync.RWMutex
	generations map[string]uint64

	now func() time.Time
}

// NewReadThrough wraps backend.
func NewReadThrough(backend Cache, opts Options, logger *zap.Logger) *ReadThrough {
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = opts.DefaultTTL
	}
	return &ReadThrough{
		backend:     backend,
		opts:        opts,
		logger:      logger.Named("cache"),
		generations: make(map[string]uint64),
		now:         time.Now,
	}
}

// Get returns the page for fp, computing it on a miss. The bool result
// reports whether the page came from the backend.
func (r *ReadThrough) Get(ctx context.Context, fp models.Fingerprint, compute ComputeFunc) (*CachedPage, bool, error) {
	table := models.NormalizeTableName(fp.Table)

	cached, ok, err := r.backend.Lookup(ctx, fp)
	switch {
	case err != nil:
		r.degraded("lookup", fp.Key(), err)
	case ok:
		r.opts.Metrics.hit(table)
		return cached, true, nil
	}
	r.opts.Metrics.miss(table)

	gen := r.generation(table)
	flightKey := fp.Key() + "#" + strconv.FormatUint(gen, 10)

	ch := r.group.DoChan(flightKey, func() (any, error) {
		p, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		r.storeIfCurrent(context.WithoutCancel(ctx), fp, table, gen, p)
		return p, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err == nil {
			return res.Val.(*CachedPage), false, nil
		}
		// The caller that led the flight went away; this caller is still waiting.
		if res.Shared && ctx.Err() == nil && errors.Is(res.Err, context.Canceled) {
			p, err := compute(ctx)
			if err != nil {
				return nil, false, err
			}
			r.storeIfCurrent(ctx, fp, table, gen, p)
			return p, false, nil
		}
		return nil, false, res.Err
	}
}

// Invalidate drops every cached page of table and fences off in-flight computes.
func (r *ReadThrough) Invalidate(ctx context.Context, table string) error {
	table = models.NormalizeTableName(table)

	r.mu.Lock()
	r.generations[table]++
	err := r.backend.Invalidate(ctx, table)
	r.mu.Unlock()

	r.opts.Metrics.invalidated(table)
	if err != nil {
		r.degraded("invalidate", indexKey(table), err)
		return apperrors.CacheDegraded("invalidate", err)
	}
	r.logger.Debug("Invalidated table cache", zap.String("table", table))
	return nil
}

// TTLFor returns the expiry applied to pages stored under fp.
func (r *ReadThrough) TTLFor(fp models.Fingerprint) time.Duration {
	if fp.Search {
		return r.opts.SearchTTL
	}
	return r.opts.DefaultTTL
}

// Close releases the backend.
func (r *ReadThrough) Close() error {
	return r.backend.Close()
}

func (r *ReadThrough) generation(table string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.generations[table]
}

func (r *ReadThrough) storeIfCurrent(ctx context.Context, fp models.Fingerprint, table string, gen uint64, page *CachedPage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.generations[table] != gen {
		r.logger.Debug("Discarding page computed before invalidation", zap.String("key", fp.Key()))
		return
	}

	ttl := r.TTLFor(fp)
	page.InsertedAt = r.now().UTC()
	page.TTL = ttl
	if err := r.backend.Store(ctx, fp, page, ttl); err != nil {
		r.degraded("store", fp.Key(), err)
	}
}

func (r *ReadThrough) degraded(op, key string, err error) {
	r.opts.Metrics.degrade(op)
	r.logger.Warn("Cache degraded, bypassing",
		zap.String("operation", op),
		zap.String("key", key),
		zap.Error(apperrors.CacheDegraded(op, err)))
}
