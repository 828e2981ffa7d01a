package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

// UpdateColumnRequest for PUT /admin/columns/{column}
type UpdateColumnRequest struct {
	IsEditable  *bool   `json:"is_editable" validate:"required"`
	DisplayName *string `json:"display_name" validate:"omitempty,max=200"`
}

// AdminHandler exposes column administration, schema refresh and cache control.
type AdminHandler struct {
	columns services.ColumnSettingsService
	tables  services.TableService
	logger  *zap.Logger
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(columns services.ColumnSettingsService, tables services.TableService, logger *zap.Logger) *AdminHandler {
	return &AdminHandler{
		columns: columns,
		tables:  tables,
		logger:  logger.Named("admin-handler"),
	}
}

// RegisterRoutes registers the admin routes on the given mux.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /admin/columns", authMiddleware.RequireAdmin(h.ListColumns))
	mux.HandleFunc("PUT /admin/columns/{column}", authMiddleware.RequireAdmin(h.UpdateColumn))
	mux.HandleFunc("POST /admin/schema/refresh", authMiddleware.RequireAdmin(h.RefreshSchema))
	mux.HandleFunc("POST /admin/cache/clear", authMiddleware.RequireAdmin(h.ClearCache))
}

// ListColumns handles GET /admin/columns
func (h *AdminHandler) ListColumns(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	cols, err := h.columns.List(r.Context(), actor)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if cols == nil {
		cols = []services.ColumnSettingView{}
	}
	writeOK(w, ListResponse{Data: cols, Total: len(cols)}, h.logger)
}

// UpdateColumn handles PUT /admin/columns/{column}
func (h *AdminHandler) UpdateColumn(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	var body UpdateColumnRequest
	if err := decodeBody(w, r, &body); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	view, err := h.columns.Update(r.Context(), actor, r.PathValue("column"), services.ColumnSettingUpdate{
		IsEditable:  *body.IsEditable,
		DisplayName: body.DisplayName,
	})
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeOK(w, ApiResponse{Success: true, Message: "Column updated", Data: view}, h.logger)
}

// RefreshSchema handles POST /admin/schema/refresh
func (h *AdminHandler) RefreshSchema(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	if err := h.columns.RefreshSchema(r.Context(), actor); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeOK(w, ApiResponse{Success: true, Message: "Schema refreshed"}, h.logger)
}

// ClearCache handles POST /admin/cache/clear?table=
func (h *AdminHandler) ClearCache(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	if err := h.tables.ClearCache(r.Context(), actor, r.URL.Query().Get("table")); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeOK(w, ApiResponse{Success: true, Message: "Cache cleared"}, h.logger)
}
