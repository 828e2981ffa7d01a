package handlers

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// CSRFResponse for GET /auth/csrf
type CSRFResponse struct {
	Token string `json:"csrf_token"`
}

// AuthHandler lets browser clients fetch a CSRF token and inspect their identity.
type AuthHandler struct {
	csrf   *auth.CSRF
	logger *zap.Logger
}

// NewAuthHandler creates a new auth handler. csrf may be nil when cookie
// sessions are disabled, in which case /auth/csrf answers 404.
func NewAuthHandler(csrf *auth.CSRF, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		csrf:   csrf,
		logger: logger.Named("auth-handler"),
	}
}

func (h *AuthHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /auth/csrf", authMiddleware.RequireAuth(h.CSRFToken))
	mux.HandleFunc("GET /auth/me", authMiddleware.RequireAuth(h.Me))
}

// CSRFToken handles GET /auth/csrf
func (h *AuthHandler) CSRFToken(w http.ResponseWriter, r *http.Request) {
	if h.csrf == nil {
		WriteError(w, apperrors.NotFound("csrf tokens are not enabled"), h.logger)
		return
	}

	token, err := h.csrf.Token(w, r)
	if err != nil {
		WriteError(w, fmt.Errorf("issue csrf token: %w", err), h.logger)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeOK(w, CSRFResponse{Token: token}, h.logger)
}

// Me handles GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	actor, ok := models.ActorFromContext(r.Context())
	if !ok {
		WriteError(w, apperrors.Unauthenticated("not authenticated"), h.logger)
		return
	}
	writeOK(w, actor, h.logger)
}
