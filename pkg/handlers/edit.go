package handlers

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

// EditCellRequest for POST /edit/cell. old_value is compared with the stored
// value only when the key is present; an explicit null expects NULL.
type EditCellRequest struct {
	Table     string          `json:"table" validate:"max=63"`
	RowPK     json.RawMessage `json:"row_pk" validate:"required"`
	Column    string          `json:"column" validate:"required,max=63"`
	OldValue  json.RawMessage `json:"old_value"`
	NewValue  json.RawMessage `json:"new_value" validate:"required"`
	SessionID string          `json:"session_id" validate:"max=128"`
}

// EditHandler handles cell edits, undo and the caller's change history.
type EditHandler struct {
	edits  services.EditService
	logger *zap.Logger
}

// NewEditHandler creates a new edit handler.
func NewEditHandler(edits services.EditService, logger *zap.Logger) *EditHandler {
	return &EditHandler{
		edits:  edits,
		logger: logger.Named("edit-handler"),
	}
}

// RegisterRoutes registers the edit handler's routes on the given mux.
func (h *EditHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("POST /edit/cell", authMiddleware.RequireAuth(h.EditCell))
	mux.HandleFunc("POST /edit/undo/{change_id}", authMiddleware.RequireAuth(h.Undo))
	mux.HandleFunc("GET /edit/changes", authMiddleware.RequireAuth(h.ListChanges))
}

// EditCell handles POST /edit/cell
func (h *EditHandler) EditCell(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	var body EditCellRequest
	if err := decodeBody(w, r, &body); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	req, err := body.toService()
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	result, err := h.edits.EditCell(r.Context(), actor, req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	writeOK(w, ApiResponse{Success: true, Message: "Cell updated", Data: result}, h.logger)
}

func (b *EditCellRequest) toService() (services.EditCellRequest, error) {
	rowPK, err := rawScalar(b.RowPK)
	if err != nil || rowPK == "" {
		return services.EditCellRequest{}, apperrors.InvalidInput("row_pk must be a non-empty string or number")
	}
	newValue, err := rawValue(b.NewValue)
	if err != nil {
		return services.EditCellRequest{}, apperrors.InvalidInput("invalid new_value")
	}

	req := services.EditCellRequest{
		Table:     b.Table,
		RowPK:     rowPK,
		Column:    b.Column,
		NewValue:  newValue,
		SessionID: b.SessionID,
	}
	if len(b.OldValue) > 0 {
		old, err := rawValue(b.OldValue)
		if err != nil {
			return services.EditCellRequest{}, apperrors.InvalidInput("invalid old_value")
		}
		req.OldValue = old
		req.CheckOld = true
	}
	return req, nil
}

// Undo handles POST /edit/undo/{change_id}
func (h *EditHandler) Undo(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	changeID, err := parseUUIDParam(r, "change_id")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	result, err := h.edits.Undo(r.Context(), actor, changeID)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	writeOK(w, ApiResponse{Success: true, Message: "Change undone", Data: result}, h.logger)
}

// ListChanges handles GET /edit/changes?limit=
func (h *EditHandler) ListChanges(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	limit, err := queryInt(r, "limit")
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	changes, err := h.edits.ListChanges(r.Context(), actor, limit)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	if changes == nil {
		changes = []*models.ChangeRecord{}
	}

	writeOK(w, ListResponse{Data: changes, Total: len(changes)}, h.logger)
}
