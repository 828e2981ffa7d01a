// Package testhelpers provides utilities for testing casegrid components.
package testhelpers

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestJWTSecret signs tokens produced by GenerateTestJWT.
const TestJWTSecret = "casegrid-test-secret-0123456789abcdef"

// TokenOptions describes the actor encoded in a test token.
type TokenOptions struct {
	Subject string
	Name    string
	Admin   bool
	CanEdit bool
	Type    string        // "access" when empty
	TTL     time.Duration // 1h when zero; negative yields an expired token
}

// GenerateTestJWT creates an HS256 access token signed with TestJWTSecret.
func GenerateTestJWT(t *testing.T, opts TokenOptions) string {
	t.Helper()

	typ := opts.Type
	if typ == "" {
		typ = "access"
	}
	ttl := opts.TTL
	if ttl == 0 {
		ttl = time.Hour
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  opts.Subject,
		"name": opts.Name,
		"adm":  opts.Admin,
		"edt":  opts.CanEdit,
		"typ":  typ,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(TestJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return signed
}

// GenerateTestJWTWithBearer returns the token with "Bearer " prefix for Authorization header.
func GenerateTestJWTWithBearer(t *testing.T, opts TokenOptions) string {
	t.Helper()
	return "Bearer " + GenerateTestJWT(t, opts)
}
