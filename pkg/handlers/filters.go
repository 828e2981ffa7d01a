package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

// CreateFilterRequest for POST /table/filters
type CreateFilterRequest struct {
	Name    string             `json:"name" validate:"required,max=100"`
	Request models.ViewRequest `json:"request"`
}

// SavedFilterHandler manages the caller's saved filter presets.
type SavedFilterHandler struct {
	filters services.SavedFilterService
	logger  *zap.Logger
}

// NewSavedFilterHandler creates a new saved filter handler.
func NewSavedFilterHandler(filters services.SavedFilterService, logger *zap.Logger) *SavedFilterHandler {
	return &SavedFilterHandler{
		filters: filters,
		logger:  logger.Named("filter-handler"),
	}
}

// RegisterRoutes registers the saved filter routes on the given mux.
func (h *SavedFilterHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /table/filters", authMiddleware.RequireAuth(h.List))
	mux.HandleFunc("POST /table/filters", authMiddleware.RequireAuth(h.Create))
	mux.HandleFunc("DELETE /table/filters/{id}", authMiddleware.RequireAuth(h.Delete))
}

// List handles GET /table/filters
func (h *SavedFilterHandler) List(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	filters, err := h.filters.List(r.Context(), actor)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if filters == nil {
		filters = []*models.SavedFilter{}
	}
	writeOK(w, ListResponse{Data: filters, Total: len(filters)}, h.logger)
}

// Create handles POST /table/filters
func (h *SavedFilterHandler) Create(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	var body CreateFilterRequest
	if err := decodeBody(w, r, &body); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	filter, err := h.filters.Create(r.Context(), actor, body.Name, body.Request)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := WriteJSON(w, http.StatusCreated, ApiResponse{Success: true, Data: filter}); err != nil {
		h.logger.Error("Failed to write response", zap.Error(err))
	}
}

// Delete handles DELETE /table/filters/{id}
func (h *SavedFilterHandler) Delete(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	id, err := parseUUIDParam(r, "id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	if err := h.filters.Delete(r.Context(), actor, id); err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeOK(w, ApiResponse{Success: true, Message: "Filter deleted"}, h.logger)
}
