package handlers

import (
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/services"
)

// ViewResponse for GET /table/data
type ViewResponse struct {
	Data          []models.Row `json:"data"`
	Total         int64        `json:"total"`
	Page          int          `json:"page"`
	PageSize      int          `json:"page_size"`
	TotalPages    int64        `json:"total_pages"`
	ExecutionTime float64      `json:"execution_time"` // seconds
	Cached        bool         `json:"cached"`
}

// TableHandler serves pages, column definitions and row updates of the primary table.
type TableHandler struct {
	tables services.TableService
	edits  services.EditService
	logger *zap.Logger
}

// NewTableHandler creates a new table handler.
func NewTableHandler(tables services.TableService, edits services.EditService, logger *zap.Logger) *TableHandler {
	return &TableHandler{
		tables: tables,
		edits:  edits,
		logger: logger.Named("table-handler"),
	}
}

// RegisterRoutes registers the table handler's routes on the given mux.
func (h *TableHandler) RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware) {
	mux.HandleFunc("GET /table/data", authMiddleware.RequireAuth(h.Data))
	mux.HandleFunc("GET /table/columns", authMiddleware.RequireAuth(h.Columns))
	mux.HandleFunc("PUT /table/{table}/rows/{row_pk}", authMiddleware.RequireAuth(h.UpdateRow))
}

// Data handles GET /table/data
func (h *TableHandler) Data(w http.ResponseWriter, r *http.Request) {
	req, err := query.ParseViewRequest(r.URL.Query(), h.tables.DefaultPageSize())
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	res, err := h.tables.View(r.Context(), r.URL.Query().Get("table"), req)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	rows := res.Rows
	if rows == nil {
		rows = []models.Row{}
	}
	writeOK(w, ViewResponse{
		Data:          rows,
		Total:         res.Total,
		Page:          res.Page,
		PageSize:      res.PageSize,
		TotalPages:    res.TotalPages,
		ExecutionTime: res.ExecutionTime.Seconds(),
		Cached:        res.Cached,
	}, h.logger)
}

// Columns handles GET /table/columns
func (h *TableHandler) Columns(w http.ResponseWriter, r *http.Request) {
	cols, err := h.tables.Columns(r.Context(), r.URL.Query().Get("table"))
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}
	writeOK(w, cols, h.logger)
}

// UpdateRow handles PUT /table/{table}/rows/{row_pk}
func (h *TableHandler) UpdateRow(w http.ResponseWriter, r *http.Request) {
	actor, _ := models.ActorFromContext(r.Context())

	var values map[string]any
	if err := decodeBody(w, r, &values); err != nil {
		WriteError(w, err, h.logger)
		return
	}

	results, err := h.edits.UpdateRow(r.Context(), actor, r.PathValue("table"), r.PathValue("row_pk"), values)
	if err != nil {
		WriteError(w, err, h.logger)
		return
	}

	writeOK(w, ApiResponse{
		Success: true,
		Message: updatedMessage(len(results)),
		Data:    results,
	}, h.logger)
}

func updatedMessage(n int) string {
	if n == 1 {
		return "Updated 1 column"
	}
	return "Updated " + strconv.Itoa(n) + " columns"
}
