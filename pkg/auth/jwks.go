package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// TokenValidator verifies an access token and returns its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (*Claims, error)
	Close()
}

// HMACValidator verifies HS256 tokens signed with a shared secret.
type HMACValidator struct {
	secret []byte
	parser *jwt.Parser
}

// NewHMACValidator creates a validator for tokens signed with secret.
func NewHMACValidator(secret string) (*HMACValidator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	return &HMACValidator{
		secret: []byte(secret),
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// ValidateToken checks the signature, expiry and token type.
func (v *HMACValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return claims, nil
}

// Close is a no-op.
func (v *HMACValidator) Close() {}

// JWKSValidator verifies RS256 tokens against keys fetched from a JWKS endpoint.
// Keys are refreshed in the background by keyfunc until ctx passed to
// NewJWKSValidator is cancelled.
type JWKSValidator struct {
	jwks   keyfunc.Keyfunc
	parser *jwt.Parser
	cancel context.CancelFunc
}

// NewJWKSValidator fetches the key set at jwksURL.
func NewJWKSValidator(ctx context.Context, jwksURL string) (*JWKSValidator, error) {
	ctx, cancel := context.WithCancel(ctx)
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create JWKS client for %s: %w", jwksURL, err)
	}
	v := newJWKSValidator(jwks)
	v.cancel = cancel
	return v, nil
}

func newJWKSValidator(jwks keyfunc.Keyfunc) *JWKSValidator {
	return &JWKSValidator{
		jwks: jwks,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
			jwt.WithExpirationRequired(),
		),
	}
}

// ValidateToken checks the signature against the key named by the kid header.
func (v *JWKSValidator) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	return claims, nil
}

// Close stops the background key refresh.
func (v *JWKSValidator) Close() {
	if v.cancel != nil {
		v.cancel()
	}
}

var (
	_ TokenValidator = (*HMACValidator)(nil)
	_ TokenValidator = (*JWKSValidator)(nil)
)
