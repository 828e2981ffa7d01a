// Package cache memoizes view pages keyed by request fingerprint.
//
// A Cache backend stores encoded pages and keeps a per-table key index so a
// table can be invalidated in one call. ReadThrough layers single-flight,
// TTL policy and invalidation generations on top of any backend and treats
// every backend fault as advisory.
package cache

import (
	"context"
	"time"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// CachedPage is a memoized view result.
type CachedPage struct {
	Columns    []models.ColumnDescriptor
	Rows       []models.Row
	Total      int64
	InsertedAt time.Time
	TTL        time.Duration
}

// Cache is a fingerprint-keyed page store.
type Cache interface {
	// Lookup returns the page stored under fp. A miss is (nil, false, nil).
	Lookup(ctx context.Context, fp models.Fingerprint) (*CachedPage, bool, error)

	// Store saves page under fp for ttl and records fp in the table's key index.
	Store(ctx context.Context, fp models.Fingerprint, page *CachedPage, ttl time.Duration) error

	// Invalidate removes every entry belonging to table.
	Invalidate(ctx context.Context, table string) error

	Close() error
}

func indexKey(table string) string {
	return "viewidx:" + models.NormalizeTableName(table)
}
