package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

type AuditHandler struct {
	audit  services.AuditService
	logger *zap.Logger
}

func NewAuditHandler(audit services.AuditService, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  audit,
		logger: logger.Named("audit-handler"),
	}
}

// RegisterRoutes registers the audit routes. The full log is admin only; row
// history is open to any authenticated caller.
func (h *AuditHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /admin/audit", authMiddleware.RequireAdmin(h.List))
	mux.HandleFunc("GET /table/{table}/rows/{row_pk}/history", authMiddleware.RequireAuth(h.RowHistory))
}

// List handles GET /admin/audit?limit=&offset=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	limit, err := queryInt(r, "limit")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	entries, err := h.audit.List(r.Context(), actor, limit, offset)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeEntries(w, entries, h.logger)
}

// RowHistory handles GET /table/{table}/rows/{row_pk}/history?limit=
func (h *AuditHandler) RowHistory(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	limit, err := queryInt(r, "limit")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	entries, err := h.audit.RowHistory(r.Context(), actor, r.PathValue("table"), r.PathValue("row_pk"), limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeEntries(w, entries, h.logger)
}

func writeEntries(w http.ResponseWriter, entries []*models.AuditEntry, logger *zap.Logger) {
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeOK(w, ListResponse{Data: entries, Total: len(entries)}, logger)
}
