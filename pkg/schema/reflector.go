// Package schema introspects the primary table and holds its typed column descriptors.
package schema

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// SettingsLister provides the persisted editability overlay.
type SettingsLister interface {
	List(ctx context.Context) ([]*models.ColumnSetting, error)
}

// Reflector loads descriptors for one table and serves immutable snapshots of them.
type Reflector struct {
	source     ColumnSource
	settings   SettingsLister
	schemaName string
	tableName  string
	logger     *zap.Logger

	mu       sync.RWMutex
	snapshot *Snapshot
	stale    error
}

// NewReflector creates a Reflector for schemaName.tableName. Call Load before use.
func NewReflector(source ColumnSource, settings SettingsLister, schemaName, tableName string, logger *zap.Logger) *Reflector {
	return &Reflector{
		source:     source,
		settings:   settings,
		schemaName: schemaName,
		tableName:  tableName,
		logger:     logger.Named("schema-reflector"),
	}
}

// Table returns the reflected table name.
func (r *Reflector) Table() string {
	return r.tableName
}

// Load introspects the table. A startup failure is fatal to the caller.
func (r *Reflector) Load(ctx context.Context) error {
	snap, err := r.build(ctx)
	if err != nil {
		r.mu.Lock()
		r.stale = err
		r.mu.Unlock()
		return err
	}

	r.mu.Lock()
	r.snapshot = snap
	r.stale = nil
	r.mu.Unlock()

	r.logger.Info("Loaded table schema",
		zap.String("table", r.tableName),
		zap.Int("columns", len(snap.columns)),
		zap.Int("editable", snap.editableCount()))
	return nil
}

// Refresh reloads descriptors. On failure the reflector refuses to serve
// descriptors until a later Load or Refresh succeeds.
func (r *Reflector) Refresh(ctx context.Context) error {
	if err := r.Load(ctx); err != nil {
		r.logger.Error("Schema refresh failed, refusing traffic until reload",
			zap.String("table", r.tableName),
			zap.Error(err))
		return err
	}
	return nil
}

// Snapshot returns the current descriptors or an error when unavailable.
func (r *Reflector) Snapshot() (*Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.stale != nil || r.snapshot == nil {
		return nil, apperrors.Database(apperrors.CodeDBError, "table schema unavailable", apperrors.ErrSchemaUnavailable)
	}
	return r.snapshot, nil
}

func (r *Reflector) build(ctx context.Context) (*Snapshot, error) {
	raw, err := r.source.DiscoverColumns(ctx, r.schemaName, r.tableName)
	if err != nil {
		return nil, fmt.Errorf("discover columns of %s: %w", r.tableName, err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("table %s.%s not found or has no columns", r.schemaName, r.tableName)
	}

	settings, err := r.settings.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load column settings: %w", err)
	}
	overlay := make(map[string]*models.ColumnSetting, len(settings))
	for _, s := range settings {
		overlay[s.ColumnName] = s
	}

	descriptors := make([]models.ColumnDescriptor, 0, len(raw))
	for _, c := range raw {
		d := models.ColumnDescriptor{
			Name:         c.Name,
			DeclaredType: c.declaredType(),
			Category:     CategoryFor(c.declaredType()),
			Nullable:     c.IsNullable,
			Position:     c.Position,
			IsPrimaryKey: c.IsPrimaryKey,
			DisplayName:  c.Name,
		}
		if s, ok := overlay[c.Name]; ok {
			d.IsEditable = s.IsEditable && !c.IsPrimaryKey
			if s.DisplayName != nil && strings.TrimSpace(*s.DisplayName) != "" {
				d.DisplayName = *s.DisplayName
			}
		}
		descriptors = append(descriptors, d)
	}

	return NewSnapshot(r.tableName, descriptors), nil
}

// Snapshot is an immutable descriptor set. Callers must not modify returned slices.
type Snapshot struct {
	table   string
	columns []models.ColumnDescriptor
	byName  map[string]int
	pk      int // index into columns, -1 when the table has no single-column key
}

// NewSnapshot builds a snapshot from descriptors in positional order.
func NewSnapshot(table string, columns []models.ColumnDescriptor) *Snapshot {
	s := &Snapshot{
		table:   table,
		columns: columns,
		byName:  make(map[string]int, len(columns)),
		pk:      -1,
	}
	for i, c := range columns {
		s.byName[c.Name] = i
		if c.IsPrimaryKey && s.pk < 0 {
			s.pk = i
		}
	}
	return s
}

// Table returns the table the descriptors belong to.
func (s *Snapshot) Table() string {
	return s.table
}

// Columns returns all descriptors in positional order.
func (s *Snapshot) Columns() []models.ColumnDescriptor {
	return s.columns
}

// Column looks up a descriptor by exact name.
func (s *Snapshot) Column(name string) (models.ColumnDescriptor, bool) {
	i, ok := s.byName[name]
	if !ok {
		return models.ColumnDescriptor{}, false
	}
	return s.columns[i], true
}

// PrimaryKey returns the primary key descriptor if the table has one.
func (s *Snapshot) PrimaryKey() (models.ColumnDescriptor, bool) {
	if s.pk < 0 {
		return models.ColumnDescriptor{}, false
	}
	return s.columns[s.pk], true
}

// TextColumns returns the descriptors searched by free-text search.
func (s *Snapshot) TextColumns() []models.ColumnDescriptor {
	var out []models.ColumnDescriptor
	for _, c := range s.columns {
		if c.Category == models.CategoryText {
			out = append(out, c)
		}
	}
	return out
}

// Names returns all column names in positional order.
func (s *Snapshot) Names() []string {
	names := make([]string, len(s.columns))
	for i, c := range s.columns {
		names[i] = c.Name
	}
	return names
}

// GridColumns returns the client-facing column list.
func (s *Snapshot) GridColumns() []models.GridColumn {
	out := make([]models.GridColumn, len(s.columns))
	for i, c := range s.columns {
		out[i] = models.GridColumn{
			Field:    c.Name,
			Title:    c.DisplayName,
			Type:     c.Category,
			Editable: c.IsEditable,
		}
	}
	return out
}

func (s *Snapshot) editableCount() int {
	n := 0
	for _, c := range s.columns {
		if c.IsEditable {
			n++
		}
	}
	return n
}
