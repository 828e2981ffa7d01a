package services

import (
	"context"
	"encoding/base64"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/cache"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
	"github.com/ekaya-inc/casegrid/pkg/schema"
)

const testTable = "taitur_data"

func testColumns() []models.ColumnDescriptor {
	return []models.ColumnDescriptor{
		{Name: "id", DeclaredType: "bigint", Category: models.CategoryInteger, Position: 1, IsPrimaryKey: true, DisplayName: "id"},
		{Name: "debtor_name", DeclaredType: "text", Category: models.CategoryText, Nullable: true, Position: 2, IsEditable: true, DisplayName: "Debtor"},
		{Name: "amount", DeclaredType: "numeric", Category: models.CategoryNumber, Position: 3, IsEditable: true, DisplayName: "amount"},
		{Name: "is_active", DeclaredType: "boolean", Category: models.CategoryBoolean, Nullable: true, Position: 4, IsEditable: true, DisplayName: "is_active"},
		{Name: "notes", DeclaredType: "text", Category: models.CategoryText, Nullable: true, Position: 5, DisplayName: "notes"},
	}
}

// sequence records the order of side effects across fakes.
type sequence struct {
	mu    sync.Mutex
	steps []string
}

func (s *sequence) add(step string) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.steps = append(s.steps, step)
	s.mu.Unlock()
}

func (s *sequence) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.steps...)
}

// mockSchema implements SchemaSource.
type mockSchema struct {
	table      string
	columns    []models.ColumnDescriptor
	snapErr    error
	refreshErr error
	refreshes  int
	// onRefresh lets a test change columns the way a reload would.
	onRefresh func(cols []models.ColumnDescriptor) []models.ColumnDescriptor
}

func newMockSchema() *mockSchema {
	return &mockSchema{table: testTable, columns: testColumns()}
}

func (m *mockSchema) Table() string { return m.table }

func (m *mockSchema) Snapshot() (*schema.Snapshot, error) {
	if m.snapErr != nil {
		return nil, m.snapErr
	}
	return schema.NewSnapshot(m.table, m.columns), nil
}

func (m *mockSchema) Refresh(ctx context.Context) error {
	m.refreshes++
	if m.refreshErr != nil {
		return m.refreshErr
	}
	if m.onRefresh != nil {
		m.columns = m.onRefresh(m.columns)
	}
	return nil
}

// mockTx runs fn directly and counts outcomes.
type mockTx struct {
	mu        sync.Mutex
	commits   int
	rollbacks int
}

func (m *mockTx) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	err := fn(ctx)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.rollbacks++
		return err
	}
	m.commits++
	return nil
}

// mockTableRepo keeps rows as column -> ::text value.
type mockTableRepo struct {
	mu   sync.Mutex
	rows map[string]map[string]*string

	selectRows []models.Row
	total      int64
	estimate   int64
	estimateOK bool

	selects   int
	counts    int
	estimates int
	deadline  bool

	selectErr error
	updateErr error
}

func newMockTableRepo() *mockTableRepo {
	return &mockTableRepo{rows: map[string]map[string]*string{}}
}

func (m *mockTableRepo) put(pk string, values map[string]*string) {
	m.rows[pk] = values
}

func (m *mockTableRepo) Select(ctx context.Context, plan *query.Plan) ([]models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selects++
	_, m.deadline = ctx.Deadline()
	if m.selectErr != nil {
		return nil, m.selectErr
	}
	return m.selectRows, nil
}

func (m *mockTableRepo) Count(ctx context.Context, plan *query.Plan) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts++
	return m.total, nil
}

func (m *mockTableRepo) EstimateCount(ctx context.Context, table string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates++
	return m.estimate, m.estimateOK, nil
}

func (m *mockTableRepo) LockRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cols []models.ColumnDescriptor) (map[string]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[*textOf(pkValue)]
	if !ok {
		return nil, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	out := make(map[string]*string, len(cols))
	for _, c := range cols {
		out[c.Name] = row[c.Name]
	}
	return out, nil
}

func (m *mockTableRepo) Matches(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, col models.ColumnDescriptor, expected any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := m.rows[*textOf(pkValue)][col.Name]
	want := textOf(expected)
	if stored == nil || want == nil {
		return stored == nil && want == nil, nil
	}
	return *stored == *want, nil
}

func (m *mockTableRepo) UpdateRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cells []repositories.CellAssignment) (map[string]*string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return nil, m.updateErr
	}
	key := *textOf(pkValue)
	row, ok := m.rows[key]
	if !ok {
		return nil, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	out := make(map[string]*string, len(cells))
	for _, c := range cells {
		row[c.Column.Name] = textOf(c.Value)
		out[c.Column.Name] = row[c.Column.Name]
	}
	return out, nil
}

func (m *mockTableRepo) value(pk, col string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[pk][col]
}

// textOf renders a parameter value roughly the way PostgreSQL's ::text would.
func textOf(v any) *string {
	var s string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		s = x
	case int64:
		s = strconv.FormatInt(x, 10)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(x)
	case time.Time:
		s = x.UTC().Format("2006-01-02 15:04:05Z07")
	case []byte:
		s = base64.StdEncoding.EncodeToString(x)
	default:
		s = fmt.Sprint(x)
	}
	return &s
}

// mockChangeRepo implements repositories.ChangeRepository.
type mockChangeRepo struct {
	mu      sync.Mutex
	changes map[uuid.UUID]*models.ChangeRecord
	seq     *sequence
}

func newMockChangeRepo(seq *sequence) *mockChangeRepo {
	return &mockChangeRepo{changes: map[uuid.UUID]*models.ChangeRecord{}, seq: seq}
}

func (m *mockChangeRepo) Create(ctx context.Context, change *models.ChangeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	cp := *change
	m.changes[change.ID] = &cp
	m.seq.add("change")
	return nil
}

func (m *mockChangeRepo) Get(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.changes[id]
	if !ok {
		return nil, apperrors.NotFound("change %s not found", id)
	}
	cp := *c
	return &cp, nil
}

func (m *mockChangeRepo) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	return m.Get(ctx, id)
}

func (m *mockChangeRepo) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.changes[id]; !ok {
		return apperrors.NotFound("change %s not found", id)
	}
	delete(m.changes, id)
	return nil
}

func (m *mockChangeRepo) ListByActor(ctx context.Context, actorID string, limit int) ([]*models.ChangeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ChangeRecord
	for _, c := range m.changes {
		if c.ActorID == actorID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockChangeRepo) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changes)
}

// mockAuditRepo implements repositories.AuditRepository.
type mockAuditRepo struct {
	mu        sync.Mutex
	entries   []*models.AuditEntry
	seq       *sequence
	lastLimit int
}

func (m *mockAuditRepo) Create(ctx context.Context, entry *models.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	m.seq.add("audit")
	return nil
}

func (m *mockAuditRepo) List(ctx context.Context, limit, offset int) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	if offset >= len(m.entries) {
		return nil, nil
	}
	out := m.entries[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *mockAuditRepo) ListByRow(ctx context.Context, table, rowPK string, limit int) ([]*models.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastLimit = limit
	var out []*models.AuditEntry
	for _, e := range m.entries {
		if e.TableName == table && e.RowPK == rowPK {
			out = append(out, e)
		}
	}
	return out, nil
}

// mockPageCache implements PageCache without storing anything.
type mockPageCache struct {
	mu            sync.Mutex
	invalidations []string
	invalidateErr error
	seq           *sequence
}

func (m *mockPageCache) Get(ctx context.Context, fp models.Fingerprint, compute cache.ComputeFunc) (*cache.CachedPage, bool, error) {
	p, err := compute(ctx)
	return p, false, err
}

func (m *mockPageCache) Invalidate(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidations = append(m.invalidations, table)
	m.seq.add("invalidate")
	return m.invalidateErr
}

// mockPublisher implements EventPublisher.
type mockPublisher struct {
	mu     sync.Mutex
	events []broadcast.Event
	seq    *sequence
}

func (m *mockPublisher) Publish(ev broadcast.Event) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	m.seq.add("publish")
	return 1
}

// mockColumnSettingsRepo implements repositories.ColumnSettingsRepository.
type mockColumnSettingsRepo struct {
	settings map[string]*models.ColumnSetting
	err      error
}

func (m *mockColumnSettingsRepo) List(ctx context.Context) ([]*models.ColumnSetting, error) {
	var out []*models.ColumnSetting
	for _, s := range m.settings {
		out = append(out, s)
	}
	return out, m.err
}

func (m *mockColumnSettingsRepo) Upsert(ctx context.Context, setting *models.ColumnSetting) error {
	if m.err != nil {
		return m.err
	}
	if m.settings == nil {
		m.settings = map[string]*models.ColumnSetting{}
	}
	setting.UpdatedAt = time.Now()
	m.settings[setting.ColumnName] = setting
	return nil
}

// mockSavedFilterRepo implements repositories.SavedFilterRepository.
type mockSavedFilterRepo struct {
	filters []*models.SavedFilter
}

func (m *mockSavedFilterRepo) Create(ctx context.Context, f *models.SavedFilter) error {
	for _, existing := range m.filters {
		if existing.OwnerID == f.OwnerID && existing.Name == f.Name {
			return apperrors.Conflict("a filter named %q already exists", f.Name)
		}
	}
	f.CreatedAt = time.Now()
	m.filters = append(m.filters, f)
	return nil
}

func (m *mockSavedFilterRepo) ListByOwner(ctx context.Context, ownerID string) ([]*models.SavedFilter, error) {
	var out []*models.SavedFilter
	for _, f := range m.filters {
		if f.OwnerID == ownerID {
			out = append(out, f)
		}
	}
	return out, nil
}

func (m *mockSavedFilterRepo) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	for i, f := range m.filters {
		if f.ID == id && f.OwnerID == ownerID {
			m.filters = append(m.filters[:i], m.filters[i+1:]...)
			return nil
		}
	}
	return apperrors.NotFound("saved filter %s not found", id)
}

var (
	_ SchemaSource                          = (*mockSchema)(nil)
	_ repositories.TableRepository          = (*mockTableRepo)(nil)
	_ repositories.ChangeRepository         = (*mockChangeRepo)(nil)
	_ repositories.AuditRepository          = (*mockAuditRepo)(nil)
	_ repositories.ColumnSettingsRepository = (*mockColumnSettingsRepo)(nil)
	_ repositories.SavedFilterRepository    = (*mockSavedFilterRepo)(nil)
	_ PageCache                             = (*mockPageCache)(nil)
	_ EventPublisher                        = (*mockPublisher)(nil)
)
