// Package models contains domain types for casegrid.
package models

import (
	"context"
)

// RequestOrigin describes where a mutating request came from.
// It is copied into audit entries.
type RequestOrigin struct {
	ClientAddress string
	UserAgent     string
}

// originKey is the context key for storing request origin information.
type originKey struct{}

// WithRequestOrigin returns a new context carrying the request origin.
func WithRequestOrigin(ctx context.Context, o RequestOrigin) context.Context {
	return context.WithValue(ctx, originKey{}, o)
}

// GetRequestOrigin retrieves the request origin from the context.
// Returns a zero value and false if absent.
func GetRequestOrigin(ctx context.Context) (RequestOrigin, bool) {
	o, ok := ctx.Value(originKey{}).(RequestOrigin)
	return o, ok
}
