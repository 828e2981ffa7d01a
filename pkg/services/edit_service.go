package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/audit"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
	"github.com/ekaya-inc/casegrid/pkg/schema"
)

const (
	defaultChangeListLimit = 50
	maxChangeListLimit     = 500
)

// EditCellRequest is a single cell write.
type EditCellRequest struct {
	Table    string
	RowPK    string
	Column   string
	NewValue any

	// OldValue is compared with the stored value when CheckOld is set.
	OldValue any
	CheckOld bool

	SessionID string
}

// EditResult describes one committed cell change.
type EditResult struct {
	ChangeID uuid.UUID `json:"change_id"`
	Table    string    `json:"table"`
	RowPK    string    `json:"row_pk"`
	Column   string    `json:"column"`
	OldValue *string   `json:"old_value"`
	NewValue *string   `json:"new_value"`
	At       time.Time `json:"at"`
}

// EditService coordinates permission checks, transactional writes, audit and
// post-commit effects for the primary table.
type EditService interface {
	// EditCell writes one cell and records an undoable change.
	EditCell(ctx context.Context, actor *models.Actor, req EditCellRequest) (*EditResult, error)

	// UpdateRow writes several cells of one row in a single transaction.
	UpdateRow(ctx context.Context, actor *models.Actor, table, rowPK string, values map[string]any) ([]*EditResult, error)

	// Undo restores the value a change replaced. Only the change's author may undo it.
	Undo(ctx context.Context, actor *models.Actor, changeID uuid.UUID) (*EditResult, error)

	// ListChanges returns the actor's undoable changes, newest first.
	ListChanges(ctx context.Context, actor *models.Actor, limit int) ([]*models.ChangeRecord, error)
}

// EditServiceDeps are the collaborators of EditService. ChangeLog, Broadcaster
// and Auditor may be nil.
type EditServiceDeps struct {
	Schema      SchemaSource
	Tx          database.TxRunner
	Table       repositories.TableRepository
	Changes     repositories.ChangeRepository
	Audit       repositories.AuditRepository
	Cache       PageCache
	ChangeLog   *audit.ChangeLog
	Broadcaster EventPublisher
	Auditor     *audit.SecurityAuditor
}

type editService struct {
	deps   EditServiceDeps
	locks  *rowLocks
	order  *commitOrder
	now    func() time.Time
	logger *zap.Logger
}

// NewEditService creates an EditService.
func NewEditService(deps EditServiceDeps, logger *zap.Logger) EditService {
	return &editService{
		deps:   deps,
		locks:  newRowLocks(),
		order:  newCommitOrder(),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("edit-service"),
	}
}

var _ EditService = (*editService)(nil)

// cellWrite is a validated assignment ready for the write path.
type cellWrite struct {
	column   models.ColumnDescriptor
	value    any
	expected any
	check    bool
}

// target is a validated row address.
type target struct {
	table   string
	pk      models.ColumnDescriptor
	pkValue any
	rowPK   string // canonical text form of the key
}

func (s *editService) EditCell(ctx context.Context, actor *models.Actor, req EditCellRequest) (*EditResult, error) {
	if err := s.authorize(ctx, actor, "edit_cell"); err != nil {
		return nil, err
	}
	snap, tgt, err := s.target(req.Table, req.RowPK)
	if err != nil {
		return nil, err
	}

	col, err := s.editableColumn(ctx, snap, req.Column)
	if err != nil {
		return nil, err
	}
	w, err := prepareWrite(col, req.NewValue)
	if err != nil {
		return nil, err
	}
	if req.CheckOld {
		expected, err := query.Coerce(col, req.OldValue)
		if err != nil {
			return nil, apperrors.Conflict("old value for %s does not match its type: %v", col.Name, err)
		}
		w.expected = expected
		w.check = true
	}

	results, err := s.write(ctx, actor, tgt, []cellWrite{w}, req.SessionID)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (s *editService) UpdateRow(ctx context.Context, actor *models.Actor, table, rowPK string, values map[string]any) ([]*EditResult, error) {
	if err := s.authorize(ctx, actor, "update_row"); err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, apperrors.InvalidInput("no columns to update")
	}
	snap, tgt, err := s.target(table, rowPK)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	writes := make([]cellWrite, 0, len(names))
	for _, name := range names {
		col, err := s.editableColumn(ctx, snap, name)
		if err != nil {
			return nil, err
		}
		w, err := prepareWrite(col, values[name])
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}

	return s.write(ctx, actor, tgt, writes, "")
}

func (s *editService) Undo(ctx context.Context, actor *models.Actor, changeID uuid.UUID) (*EditResult, error) {
	if err := s.authorize(ctx, actor, "undo"); err != nil {
		return nil, err
	}

	change, err := s.deps.Changes.Get(ctx, changeID)
	if err != nil {
		return nil, err
	}
	if change.ActorID != actor.ID {
		s.denied(ctx, "undo", "change belongs to another actor")
		return nil, apperrors.Forbidden("change %s belongs to another user", changeID)
	}

	snap, tgt, err := s.target(change.TableName, change.RowPK)
	if err != nil {
		return nil, err
	}
	if _, ok := snap.Column(change.Column); !ok {
		return nil, apperrors.Conflict("column %q no longer exists", change.Column)
	}
	col, err := s.editableColumn(ctx, snap, change.Column)
	if err != nil {
		return nil, err
	}
	restored, err := fromStoredText(col, change.OldValue)
	if err != nil {
		return nil, apperrors.Conflict("previous value of %s can no longer be written: %v", col.Name, err)
	}

	release := s.locks.Acquire(models.NormalizeTableName(tgt.table), tgt.rowPK)
	defer release()

	var result *EditResult
	var entry *models.AuditEntry
	var ticket *commitTicket
	err = s.deps.Tx.WithTx(ctx, func(ctx context.Context) error {
		// Recheck under lock: a concurrent undo deletes the record.
		if _, err := s.deps.Changes.GetForUpdate(ctx, changeID); err != nil {
			return err
		}

		current, err := s.deps.Table.LockRow(ctx, tgt.table, tgt.pk, tgt.pkValue, []models.ColumnDescriptor{col})
		if err != nil {
			return err
		}
		written, err := s.deps.Table.UpdateRow(ctx, tgt.table, tgt.pk, tgt.pkValue,
			[]repositories.CellAssignment{{Column: col, Value: restored}})
		if err != nil {
			return err
		}

		at := s.now()
		entry = s.auditEntry(ctx, actor, tgt, col.Name, current[col.Name], written[col.Name], models.AuditActionUndo, at)
		if err := s.deps.Audit.Create(ctx, entry); err != nil {
			return err
		}
		if err := s.deps.Changes.Delete(ctx, changeID); err != nil {
			return err
		}

		result = &EditResult{
			ChangeID: changeID,
			Table:    tgt.table,
			RowPK:    tgt.rowPK,
			Column:   col.Name,
			OldValue: current[col.Name],
			NewValue: written[col.Name],
			At:       at,
		}
		ticket = s.order.claim()
		return nil
	})
	ticket.seal()
	if err != nil {
		ticket.serve(nil)
		return nil, err
	}

	s.afterCommit(ctx, actor, tgt, []*models.AuditEntry{entry}, ticket)
	s.logger.Info("Change undone",
		zap.String("change_id", changeID.String()),
		zap.String("table", tgt.table),
		zap.String("row_pk", tgt.rowPK),
		zap.String("column", col.Name),
		zap.String("actor_id", actor.ID))
	return result, nil
}

func (s *editService) ListChanges(ctx context.Context, actor *models.Actor, limit int) ([]*models.ChangeRecord, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.deps.Changes.ListByActor(ctx, actor.ID, clampLimit(limit, defaultChangeListLimit, maxChangeListLimit))
}

// write runs the shared transactional path for one row.
func (s *editService) write(ctx context.Context, actor *models.Actor, tgt *target, writes []cellWrite, sessionID string) ([]*EditResult, error) {
	release := s.locks.Acquire(models.NormalizeTableName(tgt.table), tgt.rowPK)
	defer release()

	cols := make([]models.ColumnDescriptor, len(writes))
	cells := make([]repositories.CellAssignment, len(writes))
	for i, w := range writes {
		cols[i] = w.column
		cells[i] = repositories.CellAssignment{Column: w.column, Value: w.value}
	}

	var results []*EditResult
	var entries []*models.AuditEntry
	var ticket *commitTicket
	err := s.deps.Tx.WithTx(ctx, func(ctx context.Context) error {
		current, err := s.deps.Table.LockRow(ctx, tgt.table, tgt.pk, tgt.pkValue, cols)
		if err != nil {
			return err
		}

		for _, w := range writes {
			if !w.check {
				continue
			}
			ok, err := s.deps.Table.Matches(ctx, tgt.table, tgt.pk, tgt.pkValue, w.column, w.expected)
			if err != nil {
				return err
			}
			if !ok {
				return apperrors.Conflict("%s was changed by someone else; reload and try again", w.column.Name)
			}
		}

		written, err := s.deps.Table.UpdateRow(ctx, tgt.table, tgt.pk, tgt.pkValue, cells)
		if err != nil {
			return err
		}

		at := s.now()
		results = make([]*EditResult, 0, len(writes))
		entries = make([]*models.AuditEntry, 0, len(writes))
		for _, w := range writes {
			name := w.column.Name
			change := &models.ChangeRecord{
				ID:        uuid.New(),
				ActorID:   actor.ID,
				TableName: tgt.table,
				RowPK:     tgt.rowPK,
				Column:    name,
				OldValue:  current[name],
				NewValue:  written[name],
				SessionID: sessionID,
				CreatedAt: at,
			}
			if err := s.deps.Changes.Create(ctx, change); err != nil {
				return err
			}

			entry := s.auditEntry(ctx, actor, tgt, name, current[name], written[name], models.AuditActionEdit, at)
			if err := s.deps.Audit.Create(ctx, entry); err != nil {
				return err
			}
			entries = append(entries, entry)

			results = append(results, &EditResult{
				ChangeID: change.ID,
				Table:    tgt.table,
				RowPK:    tgt.rowPK,
				Column:   name,
				OldValue: current[name],
				NewValue: written[name],
				At:       at,
			})
		}
		ticket = s.order.claim()
		return nil
	})
	ticket.seal()
	if err != nil {
		ticket.serve(nil)
		if !apperrors.Is(err, apperrors.KindConflict) && !apperrors.Is(err, apperrors.KindNotFound) {
			s.logger.Error("Edit transaction failed",
				zap.String("table", tgt.table),
				zap.String("row_pk", tgt.rowPK),
				zap.Error(err))
		}
		return nil, err
	}

	s.afterCommit(ctx, actor, tgt, entries, ticket)
	return results, nil
}

// afterCommit runs the post-commit effects in order: cache invalidation,
// change log line, broadcast. None of them can fail the edit. Broadcasts wait
// for the ticket's turn so subscribers see events in commit order.
func (s *editService) afterCommit(ctx context.Context, actor *models.Actor, tgt *target, entries []*models.AuditEntry, ticket *commitTicket) {
	if err := s.deps.Cache.Invalidate(context.WithoutCancel(ctx), tgt.table); err != nil {
		s.logger.Warn("Cache invalidation after commit failed",
			zap.String("table", tgt.table),
			zap.Error(err))
	}

	for _, e := range entries {
		s.deps.ChangeLog.Record(e)
	}

	ticket.serve(func() {
		if s.deps.Broadcaster == nil {
			return
		}
		for _, e := range entries {
			s.deps.Broadcaster.Publish(broadcast.Event{
				Type:   broadcast.EventRowUpdated,
				Table:  tgt.table,
				RowPK:  tgt.rowPK,
				Column: e.Column,
				Actor:  actor.ID,
				At:     e.CreatedAt,
			})
		}
	})
}

func (s *editService) auditEntry(ctx context.Context, actor *models.Actor, tgt *target, column string, oldValue, newValue *string, action string, at time.Time) *models.AuditEntry {
	entry := &models.AuditEntry{
		ID:        uuid.New(),
		ActorID:   actor.ID,
		ActorName: actor.DisplayName(),
		TableName: tgt.table,
		RowPK:     tgt.rowPK,
		Column:    column,
		OldValue:  oldValue,
		NewValue:  newValue,
		Action:    action,
		CreatedAt: at,
	}
	if origin, ok := models.GetRequestOrigin(ctx); ok {
		if origin.ClientAddress != "" {
			addr := origin.ClientAddress
			entry.ClientAddress = &addr
		}
		if origin.UserAgent != "" {
			ua := origin.UserAgent
			entry.UserAgent = &ua
		}
	}
	return entry
}

func (s *editService) authorize(ctx context.Context, actor *models.Actor, op string) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !actor.MayEdit() {
		s.denied(ctx, op, "actor may not edit")
		return apperrors.Forbidden("you do not have permission to edit")
	}
	return nil
}

func (s *editService) denied(ctx context.Context, op, reason string) {
	if s.deps.Auditor == nil {
		return
	}
	origin, _ := models.GetRequestOrigin(ctx)
	s.deps.Auditor.LogAccessDenied(ctx, op, reason, origin.ClientAddress)
}

// target resolves the table and coerces the row key to the key column's category.
func (s *editService) target(table, rowPK string) (*schema.Snapshot, *target, error) {
	table, err := resolveTable(s.deps.Schema, table)
	if err != nil {
		return nil, nil, err
	}
	snap, err := s.deps.Schema.Snapshot()
	if err != nil {
		return nil, nil, err
	}
	pk, ok := snap.PrimaryKey()
	if !ok {
		return nil, nil, apperrors.Forbidden("table %s has no primary key and cannot be edited", table)
	}
	pkValue, canonical, err := coercePK(pk, rowPK)
	if err != nil {
		return nil, nil, err
	}
	return snap, &target{table: table, pk: pk, pkValue: pkValue, rowPK: canonical}, nil
}

func (s *editService) editableColumn(ctx context.Context, snap *schema.Snapshot, name string) (models.ColumnDescriptor, error) {
	col, ok := snap.Column(name)
	if !ok {
		return models.ColumnDescriptor{}, apperrors.InvalidInput("unknown column %q", name)
	}
	if col.IsPrimaryKey {
		s.denied(ctx, "edit_cell", "primary key column")
		return models.ColumnDescriptor{}, apperrors.Forbidden("primary key column %s cannot be edited", name)
	}
	if !col.IsEditable {
		s.denied(ctx, "edit_cell", "column not editable")
		return models.ColumnDescriptor{}, apperrors.Forbidden("column %s is not editable", name)
	}
	return col, nil
}

// prepareWrite coerces a new value to the column category.
func prepareWrite(col models.ColumnDescriptor, v any) (cellWrite, error) {
	if v == nil {
		if !col.Nullable {
			return cellWrite{}, apperrors.Conflict("column %s does not accept empty values", col.Name)
		}
		return cellWrite{column: col}, nil
	}
	coerced, err := query.Coerce(col, v)
	if err != nil {
		return cellWrite{}, apperrors.Conflict("invalid value for %s: %v", col.Name, err)
	}
	return cellWrite{column: col, value: coerced}, nil
}

// coercePK converts the row key text and returns it with its canonical text form.
func coercePK(pk models.ColumnDescriptor, raw string) (any, string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, "", apperrors.Conflict("row key is required")
	}
	switch pk.Category {
	case models.CategoryInteger:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, "", apperrors.Conflict("row key %q is not an integer", raw)
		}
		return n, strconv.FormatInt(n, 10), nil
	case models.CategoryNumber:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, "", apperrors.Conflict("row key %q is not a number", raw)
		}
		return f, strconv.FormatFloat(f, 'f', -1, 64), nil
	default:
		return raw, raw, nil
	}
}

// fromStoredText converts a value captured with ::text back into the
// parameter type for its column.
func fromStoredText(col models.ColumnDescriptor, text *string) (any, error) {
	if text == nil {
		return nil, nil
	}
	if col.Category == models.CategoryBinary {
		s := *text
		if !strings.HasPrefix(s, `\x`) {
			return nil, fmt.Errorf("unexpected bytea text form")
		}
		return hex.DecodeString(s[2:])
	}
	return query.Coerce(col, *text)
}
