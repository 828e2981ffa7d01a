package auth

import (
	"encoding/json"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/audit"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// Middleware authenticates requests and places the actor in the context.
// It is thin and delegates token handling to AuthService.
type Middleware struct {
	authService AuthService
	csrf        *CSRF
	auditor     *audit.SecurityAuditor
	logger      *zap.Logger
}

// NewMiddleware creates the auth middleware. A nil csrf disables CSRF checks;
// a nil auditor disables security event logging.
func NewMiddleware(authService AuthService, csrf *CSRF, auditor *audit.SecurityAuditor, logger *zap.Logger) *Middleware {
	return &Middleware{
		authService: authService,
		csrf:        csrf,
		auditor:     auditor,
		logger:      logger.Named("auth-middleware"),
	}
}

// RequireAuth validates the token and, for cookie-authenticated
// state-changing requests, the CSRF header.
func (m *Middleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, source, err := m.authService.ValidateRequest(r)
		if err != nil {
			if m.auditor != nil {
				m.auditor.LogAuthFailure(err.Error(), clientIP(r))
			}
			m.unauthorized(w, "Authentication required")
			return
		}

		if m.csrf != nil && source == SourceCookie && requiresCSRF(r.Method) {
			if err := m.csrf.Verify(r); err != nil {
				m.logger.Warn("CSRF check failed",
					zap.String("path", r.URL.Path),
					zap.String("user_id", actor.ID))
				m.forbidden(w, "Missing or invalid CSRF token")
				return
			}
		}

		next(w, r.WithContext(models.WithActor(r.Context(), actor)))
	}
}

// RequireAdmin is RequireAuth plus the administrator role.
func (m *Middleware) RequireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return m.RequireAuth(func(w http.ResponseWriter, r *http.Request) {
		actor, _ := models.ActorFromContext(r.Context())
		if !actor.IsAdmin {
			if m.auditor != nil {
				m.auditor.LogAccessDenied(r.Context(), r.Method+" "+r.URL.Path, "administrator role required", clientIP(r))
			}
			m.forbidden(w, "Administrator role required")
			return
		}
		next(w, r)
	})
}

func (m *Middleware) unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, "unauthenticated", message)
}

func (m *Middleware) forbidden(w http.ResponseWriter, message string) {
	writeError(w, http.StatusForbidden, "forbidden", message)
}

// writeError matches the handlers' error envelope.
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": message,
		"code":  code,
		"data":  []any{},
	})
}

func clientIP(r *http.Request) string {
	if o, ok := models.GetRequestOrigin(r.Context()); ok && o.ClientAddress != "" {
		return o.ClientAddress
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
