package auth

import (
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// AccessCookieName holds the access token for browser clients.
const AccessCookieName = "casegrid_access"

// Where a token was found. Bearer clients are exempt from CSRF checks.
const (
	SourceCookie = "cookie"
	SourceHeader = "header"
)

// Common authentication errors.
var (
	ErrMissingAuthorization = errors.New("missing authorization")
	ErrInvalidAuthFormat    = errors.New("invalid authorization header format")
)

// AuthService resolves a request to an actor.
type AuthService interface {
	// ValidateRequest reads the token from the casegrid_access cookie, falling
	// back to an Authorization: Bearer header. It returns the actor and where
	// the token came from.
	ValidateRequest(r *http.Request) (*models.Actor, string, error)
}

type authService struct {
	validator TokenValidator
	logger    *zap.Logger
}

// NewAuthService creates an AuthService backed by validator.
func NewAuthService(validator TokenValidator, logger *zap.Logger) AuthService {
	return &authService{
		validator: validator,
		logger:    logger.Named("auth"),
	}
}

func (s *authService) ValidateRequest(r *http.Request) (*models.Actor, string, error) {
	var tokenString, source string

	if cookie, err := r.Cookie(AccessCookieName); err == nil && cookie.Value != "" {
		tokenString = cookie.Value
		source = SourceCookie
	} else {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.logger.Debug("No token found in request",
				zap.String("path", r.URL.Path),
				zap.String("method", r.Method))
			return nil, "", ErrMissingAuthorization
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			s.logger.Debug("Invalid Authorization header format",
				zap.String("path", r.URL.Path))
			return nil, "", ErrInvalidAuthFormat
		}
		tokenString = strings.TrimSpace(token)
		source = SourceHeader
	}

	claims, err := s.validator.ValidateToken(tokenString)
	if err != nil {
		s.logger.Debug("Token validation failed",
			zap.Error(err),
			zap.String("path", r.URL.Path),
			zap.String("token_source", source))
		return nil, "", err
	}

	return claims.Actor(), source, nil
}

var _ AuthService = (*authService)(nil)
