package services

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/audit"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

var (
	editor = &models.Actor{ID: "user-1", Name: "Anna", CanEdit: true}
	viewer = &models.Actor{ID: "user-2", Name: "Bjarni"}
	admin  = &models.Actor{ID: "admin-1", Name: "Admin", IsAdmin: true}
)

// seqWriter records change log writes into the shared sequence.
type seqWriter struct {
	mu  sync.Mutex
	buf bytes.Buffer
	seq *sequence
}

func (w *seqWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seq.add("changelog")
	return w.buf.Write(p)
}

func (w *seqWriter) Sync() error { return nil }

type editFixture struct {
	svc       EditService
	schema    *mockSchema
	tx        *mockTx
	table     *mockTableRepo
	changes   *mockChangeRepo
	audits    *mockAuditRepo
	cache     *mockPageCache
	publisher *mockPublisher
	changeLog *seqWriter
	seq       *sequence
	now       time.Time
}

func newEditFixture(t *testing.T) *editFixture {
	t.Helper()
	seq := &sequence{}
	f := &editFixture{
		schema:    newMockSchema(),
		tx:        &mockTx{},
		table:     newMockTableRepo(),
		changes:   newMockChangeRepo(seq),
		audits:    &mockAuditRepo{seq: seq},
		cache:     &mockPageCache{seq: seq},
		publisher: &mockPublisher{seq: seq},
		changeLog: &seqWriter{seq: seq},
		seq:       seq,
		now:       time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
	}
	f.table.put("7", map[string]*string{
		"id":          strPtr("7"),
		"debtor_name": strPtr("Jón"),
		"amount":      strPtr("120.5"),
		"is_active":   strPtr("true"),
		"notes":       nil,
	})

	svc := NewEditService(EditServiceDeps{
		Schema:      f.schema,
		Tx:          f.tx,
		Table:       f.table,
		Changes:     f.changes,
		Audit:       f.audits,
		Cache:       f.cache,
		ChangeLog:   audit.NewChangeLog(f.changeLog),
		Broadcaster: f.publisher,
	}, zap.NewNop())
	svc.(*editService).now = func() time.Time { return f.now }
	f.svc = svc
	return f
}

var _ zapcore.WriteSyncer = (*seqWriter)(nil)

func strPtr(s string) *string { return &s }

func TestEditService_EditCell_CommitsAndRunsPostCommitEffectsInOrder(t *testing.T) {
	f := newEditFixture(t)
	ctx := models.WithRequestOrigin(context.Background(), models.RequestOrigin{
		ClientAddress: "10.0.0.5",
		UserAgent:     "grid/1.0",
	})

	res, err := f.svc.EditCell(ctx, editor, EditCellRequest{
		Table:     "TAITUR_DATA",
		RowPK:     " 7 ",
		Column:    "debtor_name",
		NewValue:  "Jón Jónsson",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	assert.Equal(t, testTable, res.Table)
	assert.Equal(t, "7", res.RowPK)
	assert.Equal(t, "Jón", *res.OldValue)
	assert.Equal(t, "Jón Jónsson", *res.NewValue)
	assert.Equal(t, f.now, res.At)
	assert.Equal(t, "Jón Jónsson", *f.table.value("7", "debtor_name"))

	change, err := f.changes.Get(ctx, res.ChangeID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", change.ActorID)
	assert.Equal(t, "sess-1", change.SessionID)
	assert.Equal(t, "Jón", *change.OldValue)

	require.Len(t, f.audits.entries, 1)
	entry := f.audits.entries[0]
	assert.Equal(t, models.AuditActionEdit, entry.Action)
	assert.Equal(t, "Anna", entry.ActorName)
	require.NotNil(t, entry.ClientAddress)
	assert.Equal(t, "10.0.0.5", *entry.ClientAddress)
	assert.Equal(t, "grid/1.0", *entry.UserAgent)

	assert.Equal(t, 1, f.tx.commits)
	assert.Equal(t, []string{"change", "audit", "invalidate", "changelog", "publish"}, f.seq.all())
	assert.Equal(t, []string{testTable}, f.cache.invalidations)

	require.Len(t, f.publisher.events, 1)
	assert.Equal(t, broadcast.Event{
		Type:   broadcast.EventRowUpdated,
		Table:  testTable,
		RowPK:  "7",
		Column: "debtor_name",
		Actor:  "user-1",
		At:     f.now,
	}, f.publisher.events[0])

	var line map[string]any
	require.NoError(t, json.Unmarshal(f.changeLog.buf.Bytes(), &line))
	assert.Equal(t, "cell_edit", line["event"])
	assert.Equal(t, "Jón Jónsson", line["new_value"])
}

func TestEditService_EditCell_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		actor    *models.Actor
		req      EditCellRequest
		wantKind apperrors.Kind
	}{
		{
			name:     "anonymous",
			actor:    nil,
			req:      EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "x"},
			wantKind: apperrors.KindUnauthenticated,
		},
		{
			name:     "actor without edit permission",
			actor:    viewer,
			req:      EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "x"},
			wantKind: apperrors.KindForbidden,
		},
		{
			name:     "unknown table",
			actor:    editor,
			req:      EditCellRequest{Table: "users", RowPK: "7", Column: "debtor_name", NewValue: "x"},
			wantKind: apperrors.KindNotFound,
		},
		{
			name:     "unknown column",
			actor:    editor,
			req:      EditCellRequest{RowPK: "7", Column: "password", NewValue: "x"},
			wantKind: apperrors.KindInvalidInput,
		},
		{
			name:     "column not editable",
			actor:    editor,
			req:      EditCellRequest{RowPK: "7", Column: "notes", NewValue: "x"},
			wantKind: apperrors.KindForbidden,
		},
		{
			name:     "primary key column",
			actor:    admin,
			req:      EditCellRequest{RowPK: "7", Column: "id", NewValue: int64(8)},
			wantKind: apperrors.KindForbidden,
		},
		{
			name:     "row key of the wrong type",
			actor:    editor,
			req:      EditCellRequest{RowPK: "abc", Column: "debtor_name", NewValue: "x"},
			wantKind: apperrors.KindConflict,
		},
		{
			name:     "value of the wrong type",
			actor:    editor,
			req:      EditCellRequest{RowPK: "7", Column: "amount", NewValue: "lots"},
			wantKind: apperrors.KindConflict,
		},
		{
			name:     "null for a non-nullable column",
			actor:    editor,
			req:      EditCellRequest{RowPK: "7", Column: "amount", NewValue: nil},
			wantKind: apperrors.KindConflict,
		},
		{
			name:     "stale old value",
			actor:    editor,
			req:      EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "x", OldValue: "Gunna", CheckOld: true},
			wantKind: apperrors.KindConflict,
		},
		{
			name:     "missing row",
			actor:    editor,
			req:      EditCellRequest{RowPK: "999", Column: "debtor_name", NewValue: "x"},
			wantKind: apperrors.KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEditFixture(t)

			_, err := f.svc.EditCell(context.Background(), tt.actor, tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperrors.KindOf(err))

			assert.Zero(t, f.changes.count(), "no change record on failure")
			assert.Empty(t, f.audits.entries)
			assert.Empty(t, f.cache.invalidations)
			assert.Empty(t, f.publisher.events)
			assert.Equal(t, "Jón", *f.table.value("7", "debtor_name"))
		})
	}
}

func TestEditService_EditCell_OldValueMatches(t *testing.T) {
	f := newEditFixture(t)

	res, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{
		RowPK: "7", Column: "amount", NewValue: json.Number("99"), OldValue: "120.5", CheckOld: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "99", *res.NewValue)
}

func TestEditService_EditCell_NullOldValueMatchesNull(t *testing.T) {
	f := newEditFixture(t)
	f.schema.columns[4].IsEditable = true

	_, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{
		RowPK: "7", Column: "notes", NewValue: "first note", OldValue: nil, CheckOld: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "first note", *f.table.value("7", "notes"))
}

func TestEditService_EditCell_NullAllowedForNullableColumn(t *testing.T) {
	f := newEditFixture(t)

	res, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{
		RowPK: "7", Column: "debtor_name", NewValue: nil,
	})
	require.NoError(t, err)
	assert.Nil(t, res.NewValue)
	assert.Nil(t, f.table.value("7", "debtor_name"))
}

func TestEditService_EditCell_CacheFailureDoesNotFailEdit(t *testing.T) {
	f := newEditFixture(t)
	f.cache.invalidateErr = apperrors.CacheDegraded("invalidate", assert.AnError)

	_, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{
		RowPK: "7", Column: "debtor_name", NewValue: "x",
	})
	require.NoError(t, err)
	assert.Len(t, f.publisher.events, 1, "broadcast still happens")
}

func TestEditService_EditCell_SchemaUnavailable(t *testing.T) {
	f := newEditFixture(t)
	f.schema.snapErr = apperrors.Database(apperrors.CodeDBError, "table schema unavailable", apperrors.ErrSchemaUnavailable)

	_, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrSchemaUnavailable)
}

func TestEditService_EditCell_SerializesSameRow(t *testing.T) {
	f := newEditFixture(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.EditCell(context.Background(), editor, EditCellRequest{
				RowPK: "7", Column: "debtor_name", NewValue: "concurrent",
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, f.changes.count())
	assert.Zero(t, f.svc.(*editService).locks.size())
}

func TestEditService_UpdateRow_WritesEveryColumnInOneTransaction(t *testing.T) {
	f := newEditFixture(t)

	results, err := f.svc.UpdateRow(context.Background(), editor, testTable, "7", map[string]any{
		"is_active":   "false",
		"debtor_name": "Sigga",
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Columns are written in name order.
	assert.Equal(t, "debtor_name", results[0].Column)
	assert.Equal(t, "is_active", results[1].Column)
	assert.Equal(t, "false", *f.table.value("7", "is_active"))

	assert.Equal(t, 1, f.tx.commits)
	assert.Equal(t, 2, f.changes.count())
	assert.Len(t, f.audits.entries, 2)
	assert.Len(t, f.cache.invalidations, 1)
	assert.Len(t, f.publisher.events, 2)
}

func TestEditService_UpdateRow_OneBadColumnRejectsAll(t *testing.T) {
	f := newEditFixture(t)

	_, err := f.svc.UpdateRow(context.Background(), editor, testTable, "7", map[string]any{
		"debtor_name": "Sigga",
		"notes":       "not editable",
	})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindForbidden))
	assert.Equal(t, "Jón", *f.table.value("7", "debtor_name"))
	assert.Zero(t, f.tx.commits)
}

func TestEditService_UpdateRow_EmptyBody(t *testing.T) {
	f := newEditFixture(t)

	_, err := f.svc.UpdateRow(context.Background(), editor, testTable, "7", nil)
	assert.True(t, apperrors.Is(err, apperrors.KindInvalidInput))
}

func TestEditService_Undo_RestoresPreviousValue(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()

	edit, err := f.svc.EditCell(ctx, editor, EditCellRequest{RowPK: "7", Column: "amount", NewValue: json.Number("50")})
	require.NoError(t, err)
	assert.Equal(t, "50", *f.table.value("7", "amount"))

	undo, err := f.svc.Undo(ctx, editor, edit.ChangeID)
	require.NoError(t, err)

	assert.Equal(t, "120.5", *f.table.value("7", "amount"))
	assert.Equal(t, "50", *undo.OldValue)
	assert.Equal(t, "120.5", *undo.NewValue)
	assert.Zero(t, f.changes.count(), "undone change is deleted")

	require.Len(t, f.audits.entries, 2)
	last := f.audits.entries[1]
	assert.Equal(t, models.AuditActionUndo, last.Action)
	assert.Equal(t, "50", *last.OldValue)
	assert.Equal(t, "120.5", *last.NewValue)

	assert.Len(t, f.cache.invalidations, 2)
	assert.Len(t, f.publisher.events, 2)

	_, err = f.svc.Undo(ctx, editor, edit.ChangeID)
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound), "second undo finds nothing")
}

func TestEditService_Undo_RestoresNull(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()
	f.table.rows["7"]["debtor_name"] = nil

	edit, err := f.svc.EditCell(ctx, editor, EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "named"})
	require.NoError(t, err)

	_, err = f.svc.Undo(ctx, editor, edit.ChangeID)
	require.NoError(t, err)
	assert.Nil(t, f.table.value("7", "debtor_name"))
}

func TestEditService_Undo_OtherActorsChangeIsForbidden(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()

	edit, err := f.svc.EditCell(ctx, editor, EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: "x"})
	require.NoError(t, err)

	_, err = f.svc.Undo(ctx, admin, edit.ChangeID)
	assert.True(t, apperrors.Is(err, apperrors.KindForbidden))
	assert.Equal(t, 1, f.changes.count())
}

func TestEditService_Undo_ColumnNoLongerEditable(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()

	edit, err := f.svc.EditCell(ctx, editor, EditCellRequest{RowPK: "7", Column: "amount", NewValue: json.Number("50")})
	require.NoError(t, err)

	f.schema.columns[2].IsEditable = false

	_, err = f.svc.Undo(ctx, editor, edit.ChangeID)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindForbidden))

	assert.Equal(t, "50", *f.table.value("7", "amount"), "stored value untouched")
	assert.Equal(t, 1, f.changes.count(), "change stays undoable")
	assert.Len(t, f.audits.entries, 1)
	assert.Len(t, f.publisher.events, 1)
	assert.Equal(t, 1, f.tx.commits)
}

func TestEditService_Undo_UnknownChange(t *testing.T) {
	f := newEditFixture(t)

	_, err := f.svc.Undo(context.Background(), editor, uuid.New())
	assert.True(t, apperrors.Is(err, apperrors.KindNotFound))
}

func TestEditService_ListChanges(t *testing.T) {
	f := newEditFixture(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		_, err := f.svc.EditCell(ctx, editor, EditCellRequest{RowPK: "7", Column: "debtor_name", NewValue: v})
		require.NoError(t, err)
		f.now = f.now.Add(time.Second)
	}

	changes, err := f.svc.ListChanges(ctx, editor, 2)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "c", *changes[0].NewValue)

	others, err := f.svc.ListChanges(ctx, viewer, 0)
	require.NoError(t, err)
	assert.Empty(t, others)

	_, err = f.svc.ListChanges(ctx, nil, 0)
	assert.True(t, apperrors.Is(err, apperrors.KindUnauthenticated))
}

func TestCoercePK(t *testing.T) {
	intPK := models.ColumnDescriptor{Name: "id", Category: models.CategoryInteger}
	numPK := models.ColumnDescriptor{Name: "id", Category: models.CategoryNumber}
	textPK := models.ColumnDescriptor{Name: "code", Category: models.CategoryText}

	v, canon, err := coercePK(intPK, "0042")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)
	assert.Equal(t, "42", canon)

	v, canon, err = coercePK(numPK, "1.50")
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
	assert.Equal(t, "1.5", canon)

	v, canon, err = coercePK(textPK, "MÁL-7")
	require.NoError(t, err)
	assert.Equal(t, "MÁL-7", v)
	assert.Equal(t, "MÁL-7", canon)

	_, _, err = coercePK(intPK, "7.5")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
	_, _, err = coercePK(textPK, "  ")
	assert.True(t, apperrors.Is(err, apperrors.KindConflict))
}

func TestFromStoredText(t *testing.T) {
	bin := models.ColumnDescriptor{Name: "blob", DeclaredType: "bytea", Category: models.CategoryBinary}
	ts := models.ColumnDescriptor{Name: "opened_at", DeclaredType: "timestamp with time zone", Category: models.CategoryDatetime}

	v, err := fromStoredText(bin, strPtr(`\x6869`))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), v)

	v, err = fromStoredText(ts, strPtr("2024-01-15 10:30:00+00"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC), v.(time.Time).UTC())

	v, err = fromStoredText(ts, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}
