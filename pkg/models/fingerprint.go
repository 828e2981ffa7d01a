package models

import "strings"

// Fingerprint identifies a normalized view request within one table's key-space.
type Fingerprint struct {
	Table  string
	Hash   string // sha256 hex of the canonical request
	Search bool   // true when the request carries a search term or filters
}

// Key returns the cache key. Every key embeds its table so invalidation can be table-scoped.
func (f Fingerprint) Key() string {
	return "view:" + NormalizeTableName(f.Table) + ":" + f.Hash
}

// NormalizeTableName is the table form used in cache keys and broadcaster sets.
func NormalizeTableName(table string) string {
	return strings.ToLower(strings.TrimSpace(table))
}
