package handlers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/cache"
	"github.com/ekaya-inc/casegrid/pkg/config"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
	"github.com/ekaya-inc/casegrid/pkg/schema"
	"github.com/ekaya-inc/casegrid/pkg/services"
	"github.com/ekaya-inc/casegrid/pkg/testhelpers"
)

// In-memory collaborators for a real EditService.

type memSchema struct{}

func (memSchema) Table() string { return testhelpers.PrimaryTable }

func (memSchema) Snapshot() (*schema.Snapshot, error) {
	return schema.NewSnapshot(testhelpers.PrimaryTable, []models.ColumnDescriptor{
		{Name: "id", DeclaredType: "bigint", Category: models.CategoryInteger, Position: 1, IsPrimaryKey: true},
		{Name: "nafn", DeclaredType: "text", Category: models.CategoryText, Position: 2, Nullable: true, IsEditable: true},
		{Name: "stada", DeclaredType: "text", Category: models.CategoryText, Position: 3, Nullable: true, IsEditable: true},
	}), nil
}

func (memSchema) Refresh(context.Context) error { return nil }

type memTx struct{}

func (memTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

type memTable struct {
	mu   sync.Mutex
	rows map[string]map[string]*string
}

func pkText(v any) string { return fmt.Sprint(v) }

func (m *memTable) Select(context.Context, *query.Plan) ([]models.Row, error) { return nil, nil }
func (m *memTable) Count(context.Context, *query.Plan) (int64, error)        { return 0, nil }
func (m *memTable) EstimateCount(context.Context, string) (int64, bool, error) {
	return 0, false, nil
}

func (m *memTable) LockRow(_ context.Context, table string, _ models.ColumnDescriptor, pkValue any, cols []models.ColumnDescriptor) (map[string]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[pkText(pkValue)]
	if !ok {
		return nil, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	out := make(map[string]*string, len(cols))
	for _, c := range cols {
		out[c.Name] = row[c.Name]
	}
	return out, nil
}

func (m *memTable) Matches(context.Context, string, models.ColumnDescriptor, any, models.ColumnDescriptor, any) (bool, error) {
	return true, nil
}

func (m *memTable) UpdateRow(_ context.Context, _ string, _ models.ColumnDescriptor, pkValue any, cells []repositories.CellAssignment) (map[string]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.rows[pkText(pkValue)]
	out := make(map[string]*string, len(cells))
	for _, c := range cells {
		var v *string
		if c.Value != nil {
			s := fmt.Sprint(c.Value)
			v = &s
		}
		row[c.Column.Name] = v
		out[c.Column.Name] = v
	}
	return out, nil
}

type memChanges struct {
	mu      sync.Mutex
	changes map[uuid.UUID]*models.ChangeRecord
}

func (m *memChanges) Create(_ context.Context, c *models.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes[c.ID] = c
	return nil
}

func (m *memChanges) Get(_ context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok {
		return nil, apperrors.NotFound("change %s not found", id)
	}
	return c, nil
}

func (m *memChanges) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	return m.Get(ctx, id)
}

func (m *memChanges) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.changes, id)
	return nil
}

func (m *memChanges) ListByActor(context.Context, string, int) ([]*models.ChangeRecord, error) {
	return nil, nil
}

type memAudit struct{}

func (memAudit) Create(context.Context, *models.AuditEntry) error { return nil }
func (memAudit) List(context.Context, int, int) ([]*models.AuditEntry, error) {
	return nil, nil
}
func (memAudit) ListByRow(context.Context, string, string, int) ([]*models.AuditEntry, error) {
	return nil, nil
}

type memPages struct{}

func (memPages) Get(ctx context.Context, _ models.Fingerprint, compute cache.ComputeFunc) (*cache.CachedPage, bool, error) {
	p, err := compute(ctx)
	return p, false, err
}
func (memPages) Invalidate(context.Context, string) error { return nil }

var (
	_ services.SchemaSource         = memSchema{}
	_ database.TxRunner             = memTx{}
	_ repositories.TableRepository  = (*memTable)(nil)
	_ repositories.ChangeRepository = (*memChanges)(nil)
	_ repositories.AuditRepository  = memAudit{}
	_ services.PageCache            = memPages{}
)

func TestEditCell_DeliversOneEventPerSubscriberInOrder(t *testing.T) {
	ctx := wsContext(t)
	logger := zap.NewNop()

	broadcaster := broadcast.New(broadcast.Options{QueueSize: 8}, logger)
	edits := services.NewEditService(services.EditServiceDeps{
		Schema: memSchema{},
		Tx:     memTx{},
		Table: &memTable{rows: map[string]map[string]*string{
			"7": {"id": strPtr("7"), "nafn": strPtr("Jón"), "stada": strPtr("open")},
		}},
		Changes:     &memChanges{changes: map[uuid.UUID]*models.ChangeRecord{}},
		Audit:       memAudit{},
		Cache:       memPages{},
		Broadcaster: broadcaster,
	}, logger)

	f := &wsFixture{tables: &mockTableService{}, broadcaster: broadcaster}
	f.server = httptest.NewServer(newTestMux(t,
		NewEditHandler(edits, logger),
		NewWSHandler(f.tables, broadcaster, config.StreamConfig{ChunkSize: 20, SendQueue: 8}, logger),
	))
	t.Cleanup(func() {
		f.server.Close()
		broadcaster.Close()
	})

	first := f.dial(t, ctx, testhelpers.PrimaryTable, viewerToken)
	second := f.dial(t, ctx, testhelpers.PrimaryTable, adminToken)

	for _, body := range []string{
		`{"table":"taitur_data","row_pk":7,"column":"nafn","new_value":"Jón Jónsson"}`,
		`{"table":"taitur_data","row_pk":7,"column":"stada","new_value":"closed"}`,
	} {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.server.URL+"/edit/cell", strings.NewReader(body))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", testhelpers.GenerateTestJWTWithBearer(t, editorToken))
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	for name, conn := range map[string]*websocket.Conn{"viewer": first, "admin": second} {
		for _, column := range []string{"nafn", "stada"} {
			var ev broadcast.Event
			require.NoError(t, wsjson.Read(ctx, conn, &ev), name)
			assert.Equal(t, broadcast.EventRowUpdated, ev.Type, name)
			assert.Equal(t, "7", ev.RowPK, name)
			assert.Equal(t, column, ev.Column, name)
			assert.Equal(t, "editor-1", ev.Actor, name)
		}

		quiet, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
		_, _, err := conn.Read(quiet)
		cancel()
		assert.Error(t, err, "%s received a duplicate event", name)
	}
}
