package repositories

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
)

// CellAssignment is one new value for a column, already coerced to its category.
type CellAssignment struct {
	Column models.ColumnDescriptor
	Value  any
}

// TableRepository reads and writes the primary table. Every identifier it
// emits comes from column descriptors.
type TableRepository interface {
	// Select runs the plan's SELECT and scans rows in projection order.
	Select(ctx context.Context, plan *query.Plan) ([]models.Row, error)

	// Count runs the plan's COUNT.
	Count(ctx context.Context, plan *query.Plan) (int64, error)

	// EstimateCount reads the planner statistics. ok is false when the table was never analyzed.
	EstimateCount(ctx context.Context, table string) (n int64, ok bool, err error)

	// LockRow takes a row lock and returns the current ::text value of each column.
	// Must run inside a transaction. A missing row is NotFound.
	LockRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cols []models.ColumnDescriptor) (map[string]*string, error)

	// Matches reports whether the stored value of col equals expected, NULL-safe.
	Matches(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, col models.ColumnDescriptor, expected any) (bool, error)

	// UpdateRow writes the assignments and returns the new ::text values.
	UpdateRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cells []CellAssignment) (map[string]*string, error)
}

type tableRepository struct {
	db         *database.DB
	schemaName string
}

// NewTableRepository creates a TableRepository for tables in schemaName.
func NewTableRepository(db *database.DB, schemaName string) TableRepository {
	return &tableRepository{db: db, schemaName: schemaName}
}

var _ TableRepository = (*tableRepository)(nil)

func (r *tableRepository) Select(ctx context.Context, plan *query.Plan) ([]models.Row, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, plan.SelectSQL, plan.SelectArgs)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to query page: %w", err))
	}
	defer rows.Close()

	out := make([]models.Row, 0, plan.PageSize)
	for rows.Next() {
		row, err := query.ScanRow(rows, plan.Columns)
		if err != nil {
			return nil, database.MapError(err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError(fmt.Errorf("error iterating page: %w", err))
	}
	return out, nil
}

func (r *tableRepository) Count(ctx context.Context, plan *query.Plan) (int64, error) {
	var n int64
	if err := r.db.Conn(ctx).QueryRow(ctx, plan.CountSQL, plan.CountArgs).Scan(&n); err != nil {
		return 0, database.MapError(fmt.Errorf("failed to count rows: %w", err))
	}
	return n, nil
}

func (r *tableRepository) EstimateCount(ctx context.Context, table string) (int64, bool, error) {
	var estimate float64
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT c.reltuples::float8
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2`,
		r.schemaName, table).Scan(&estimate)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, apperrors.NotFound("table %s not found", table)
	}
	if err != nil {
		return 0, false, database.MapError(fmt.Errorf("failed to read row estimate: %w", err))
	}
	if estimate < 0 {
		return 0, false, nil
	}
	return int64(estimate), true, nil
}

func (r *tableRepository) LockRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cols []models.ColumnDescriptor) (map[string]*string, error) {
	if _, ok := database.TxFromContext(ctx); !ok {
		return nil, fmt.Errorf("LockRow requires a transaction")
	}

	selectList := make([]string, len(cols))
	for i, c := range cols {
		selectList[i] = quote(c.Name) + "::text"
	}
	sql := fmt.Sprintf("SELECT %s FROM %s WHERE %s = @pk FOR UPDATE",
		strings.Join(selectList, ", "), query.QualifiedTableName(r.schemaName, table), quote(pk.Name))

	values := make([]*string, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}

	err := r.db.Conn(ctx).QueryRow(ctx, sql, pgx.NamedArgs{"pk": pkValue}).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to lock row: %w", err))
	}

	out := make(map[string]*string, len(cols))
	for i, c := range cols {
		out[c.Name] = values[i]
	}
	return out, nil
}

func (r *tableRepository) Matches(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, col models.ColumnDescriptor, expected any) (bool, error) {
	sql := fmt.Sprintf("SELECT %s IS NOT DISTINCT FROM %s FROM %s WHERE %s = @pk",
		matchLHS(col), matchRHS(col), query.QualifiedTableName(r.schemaName, table), quote(pk.Name))

	var matches bool
	err := r.db.Conn(ctx).QueryRow(ctx, sql, pgx.NamedArgs{"pk": pkValue, "expected": expected}).Scan(&matches)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	if err != nil {
		return false, database.MapError(fmt.Errorf("failed to compare current value: %w", err))
	}
	return matches, nil
}

// json has no equality operator, so both sides compare as jsonb.
func matchLHS(c models.ColumnDescriptor) string {
	switch {
	case c.Category == models.CategoryJSON:
		return quote(c.Name) + "::jsonb"
	case c.Category == models.CategoryDatetime && !query.IsTimestampLike(c):
		return quote(c.Name) + "::text"
	}
	return quote(c.Name)
}

func matchRHS(c models.ColumnDescriptor) string {
	switch {
	case c.Category == models.CategoryJSON:
		return "@expected::jsonb"
	case c.Category == models.CategoryDatetime && !query.IsTimestampLike(c):
		return "@expected::text"
	}
	return "@expected"
}

func (r *tableRepository) UpdateRow(ctx context.Context, table string, pk models.ColumnDescriptor, pkValue any, cells []CellAssignment) (map[string]*string, error) {
	if len(cells) == 0 {
		return map[string]*string{}, nil
	}

	args := pgx.NamedArgs{"pk": pkValue}
	sets := make([]string, len(cells))
	returning := make([]string, len(cells))
	for i, c := range cells {
		name := fmt.Sprintf("v%d", i)
		args[name] = c.Value
		sets[i] = quote(c.Column.Name) + " = " + assignExpr(c.Column, name)
		returning[i] = quote(c.Column.Name) + "::text"
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s = @pk RETURNING %s",
		query.QualifiedTableName(r.schemaName, table), strings.Join(sets, ", "), quote(pk.Name), strings.Join(returning, ", "))

	values := make([]*string, len(cells))
	dest := make([]any, len(cells))
	for i := range values {
		dest[i] = &values[i]
	}

	err := r.db.Conn(ctx).QueryRow(ctx, sql, args).Scan(dest...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("row %v not found in %s", pkValue, table)
	}
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to update row: %w", err))
	}

	out := make(map[string]*string, len(cells))
	for i, c := range cells {
		out[c.Column.Name] = values[i]
	}
	return out, nil
}

// assignExpr sends values carried as text through an explicit text parameter
// so PostgreSQL applies its own input conversion.
func assignExpr(c models.ColumnDescriptor, param string) string {
	switch {
	case c.Category == models.CategoryJSON:
		return "@" + param + "::text::" + jsonType(c)
	case c.Category == models.CategoryDatetime && !query.IsTimestampLike(c):
		if t, ok := textDatetimeTypes[strings.ToLower(c.DeclaredType)]; ok {
			return "@" + param + "::text::" + t
		}
	}
	return "@" + param
}

// textDatetimeTypes are the datetime types carried as text, keyed by declared type.
var textDatetimeTypes = map[string]string{
	"time":                   "time",
	"time without time zone": "time",
	"time with time zone":    "timetz",
	"timetz":                 "timetz",
	"interval":               "interval",
}

func jsonType(c models.ColumnDescriptor) string {
	if strings.EqualFold(c.DeclaredType, "json") {
		return "json"
	}
	return "jsonb"
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
