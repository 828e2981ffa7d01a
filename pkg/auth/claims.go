// Package auth authenticates requests and resolves them to a models.Actor.
// Access tokens are JWTs verified with a shared HS256 secret or with RS256
// keys published at a JWKS endpoint.
package auth

import (
	"errors"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// Token types carried in the typ claim.
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

var (
	ErrMissingSubject = errors.New("missing subject in token")
	ErrRefreshToken   = errors.New("refresh tokens cannot be used for API access")
)

// Claims is the access token payload.
type Claims struct {
	jwt.RegisteredClaims
	Name    string `json:"name,omitempty"`
	Admin   bool   `json:"adm,omitempty"`
	CanEdit bool   `json:"edt,omitempty"`
	Type    string `json:"typ,omitempty"`
}

// Validate is called by the jwt parser after the registered claims pass.
func (c *Claims) Validate() error {
	if c.Subject == "" {
		return ErrMissingSubject
	}
	if c.Type == TokenTypeRefresh {
		return ErrRefreshToken
	}
	return nil
}

// Actor maps the claims to the identity consumed by the services.
func (c *Claims) Actor() *models.Actor {
	return &models.Actor{
		ID:      c.Subject,
		Name:    c.Name,
		IsAdmin: c.Admin,
		CanEdit: c.CanEdit,
	}
}
