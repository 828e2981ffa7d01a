package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/auth"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/services"
	"github.com/ekaya-inc/casegrid/pkg/testhelpers"
)

// ============================================================================
// Mock Implementations
// ============================================================================

type mockTableService struct {
	mu sync.Mutex

	columns    []models.GridColumn
	columnsErr error
	view       *services.ViewResult
	viewErr    error
	clearErr   error
	pageSize   int

	lastTable string
	lastView  *models.ViewRequest
	cleared   []string
}

func (m *mockTableService) ResolveTable(name string) (string, error) {
	if name == "" || name == testhelpers.PrimaryTable {
		return testhelpers.PrimaryTable, nil
	}
	return "", apperrors.NotFound("table %q not found", name)
}

func (m *mockTableService) Columns(ctx context.Context, table string) ([]models.GridColumn, error) {
	if _, err := m.ResolveTable(table); err != nil {
		return nil, err
	}
	return m.columns, m.columnsErr
}

func (m *mockTableService) View(ctx context.Context, table string, req *models.ViewRequest) (*services.ViewResult, error) {
	m.mu.Lock()
	m.lastTable = table
	m.lastView = req
	m.mu.Unlock()
	if m.viewErr != nil {
		return nil, m.viewErr
	}
	if m.view != nil {
		return m.view, nil
	}
	return &services.ViewResult{Page: req.Page, PageSize: req.PageSize}, nil
}

func (m *mockTableService) ClearCache(ctx context.Context, actor *models.Actor, table string) error {
	if !actor.IsAdmin {
		return apperrors.Forbidden("clearing the cache requires admin")
	}
	if m.clearErr != nil {
		return m.clearErr
	}
	m.mu.Lock()
	m.cleared = append(m.cleared, table)
	m.mu.Unlock()
	return nil
}

func (m *mockTableService) DefaultPageSize() int {
	if m.pageSize == 0 {
		return 50
	}
	return m.pageSize
}

func (m *mockTableService) lastRequest() *models.ViewRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastView
}

type mockEditService struct {
	result  *services.EditResult
	results []*services.EditResult
	changes []*models.ChangeRecord
	err     error

	lastCell   services.EditCellRequest
	lastValues map[string]any
	lastRowPK  string
	lastUndo   uuid.UUID
	lastLimit  int
	lastActor  *models.Actor
}

func (m *mockEditService) EditCell(ctx context.Context, actor *models.Actor, req services.EditCellRequest) (*services.EditResult, error) {
	m.lastActor = actor
	m.lastCell = req
	return m.result, m.err
}

func (m *mockEditService) UpdateRow(ctx context.Context, actor *models.Actor, table, rowPK string, values map[string]any) ([]*services.EditResult, error) {
	m.lastActor = actor
	m.lastRowPK = rowPK
	m.lastValues = values
	return m.results, m.err
}

func (m *mockEditService) Undo(ctx context.Context, actor *models.Actor, changeID uuid.UUID) (*services.EditResult, error) {
	m.lastActor = actor
	m.lastUndo = changeID
	return m.result, m.err
}

func (m *mockEditService) ListChanges(ctx context.Context, actor *models.Actor, limit int) ([]*models.ChangeRecord, error) {
	m.lastActor = actor
	m.lastLimit = limit
	return m.changes, m.err
}

type mockColumnSettingsService struct {
	views     []services.ColumnSettingView
	err       error
	refreshed int

	lastColumn string
	lastUpdate services.ColumnSettingUpdate
}

func (m *mockColumnSettingsService) List(ctx context.Context, actor *models.Actor) ([]services.ColumnSettingView, error) {
	return m.views, m.err
}

func (m *mockColumnSettingsService) Update(ctx context.Context, actor *models.Actor, column string, upd services.ColumnSettingUpdate) (*services.ColumnSettingView, error) {
	m.lastColumn = column
	m.lastUpdate = upd
	if m.err != nil {
		return nil, m.err
	}
	return &services.ColumnSettingView{ColumnName: column, IsEditable: upd.IsEditable}, nil
}

func (m *mockColumnSettingsService) RefreshSchema(ctx context.Context, actor *models.Actor) error {
	m.refreshed++
	return m.err
}

type mockSavedFilterService struct {
	filters []*models.SavedFilter
	err     error

	lastName    string
	lastRequest models.ViewRequest
	deleted     uuid.UUID
}

func (m *mockSavedFilterService) List(ctx context.Context, actor *models.Actor) ([]*models.SavedFilter, error) {
	return m.filters, m.err
}

func (m *mockSavedFilterService) Create(ctx context.Context, actor *models.Actor, name string, req models.ViewRequest) (*models.SavedFilter, error) {
	m.lastName = name
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return &models.SavedFilter{ID: uuid.New(), OwnerID: actor.ID, Name: name, Request: req}, nil
}

func (m *mockSavedFilterService) Delete(ctx context.Context, actor *models.Actor, id uuid.UUID) error {
	m.deleted = id
	return m.err
}

type mockAuditService struct {
	entries []*models.AuditEntry
	err     error

	lastLimit  int
	lastOffset int
	lastTable  string
	lastRowPK  string
}

func (m *mockAuditService) List(ctx context.Context, actor *models.Actor, limit, offset int) ([]*models.AuditEntry, error) {
	m.lastLimit = limit
	m.lastOffset = offset
	return m.entries, m.err
}

func (m *mockAuditService) RowHistory(ctx context.Context, actor *models.Actor, table, rowPK string, limit int) ([]*models.AuditEntry, error) {
	m.lastTable = table
	m.lastRowPK = rowPK
	m.lastLimit = limit
	return m.entries, m.err
}

var (
	_ services.TableService          = (*mockTableService)(nil)
	_ services.EditService           = (*mockEditService)(nil)
	_ services.ColumnSettingsService = (*mockColumnSettingsService)(nil)
	_ services.SavedFilterService    = (*mockSavedFilterService)(nil)
	_ services.AuditService          = (*mockAuditService)(nil)
)

// ============================================================================
// Helpers
// ============================================================================

var (
	adminToken  = testhelpers.TokenOptions{Subject: "admin-1", Name: "Anna Admin", Admin: true}
	editorToken = testhelpers.TokenOptions{Subject: "editor-1", Name: "Eiríkur Editor", CanEdit: true}
	viewerToken = testhelpers.TokenOptions{Subject: "viewer-1", Name: "Vala Viewer"}
)

type routeRegistrar interface {
	RegisterRoutes(mux *http.ServeMux, authMiddleware *auth.Middleware)
}

// newTestMux wires handlers behind real HMAC bearer authentication.
func newTestMux(t *testing.T, handlers ...routeRegistrar) *http.ServeMux {
	t.Helper()
	validator, err := auth.NewHMACValidator(testhelpers.TestJWTSecret)
	require.NoError(t, err)
	logger := zap.NewNop()
	mw := auth.NewMiddleware(auth.NewAuthService(validator, logger), nil, nil, logger)

	mux := http.NewServeMux()
	for _, h := range handlers {
		h.RegisterRoutes(mux, mw)
	}
	return mux
}

func serve(t *testing.T, mux *http.ServeMux, method, target, body string, token *testhelpers.TokenOptions) *httptest.ResponseRecorder {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rdr)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != nil {
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(t, *token))
	}
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func strPtr(s string) *string {
	return &s
}
