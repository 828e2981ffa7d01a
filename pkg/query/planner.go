// Package query turns view requests into parameterized SQL over the primary table.
package query

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/schema"
)

// minFullTextLength is the search length above which full-text matching is added.
const minFullTextLength = 2

// Options configures plan construction.
type Options struct {
	SchemaName     string
	MaxPageSize    int
	FullTextSearch bool
}

// Plan is a ready-to-run pair of statements for one page.
type Plan struct {
	SelectSQL  string
	SelectArgs pgx.NamedArgs
	CountSQL   string
	CountArgs  pgx.NamedArgs

	// Columns are the projected descriptors in output order.
	Columns []models.ColumnDescriptor

	Page     int
	PageSize int
	Offset   int

	// Unconstrained is true when no filter or search narrows the table.
	Unconstrained bool

	Fingerprint models.Fingerprint
}

// Planner builds plans. It is stateless and safe for concurrent use.
type Planner struct {
	opts Options
}

// NewPlanner creates a Planner.
func NewPlanner(opts Options) *Planner {
	if opts.MaxPageSize <= 0 {
		opts.MaxPageSize = 1000
	}
	return &Planner{opts: opts}
}

// MaxPageSize returns the configured page size ceiling.
func (p *Planner) MaxPageSize() int {
	return p.opts.MaxPageSize
}

// Build validates req against the descriptors and produces a Plan.
// Every identifier in the output comes from snap; request strings are only ever bound as parameters.
func (p *Planner) Build(req *models.ViewRequest, snap *schema.Snapshot) (*Plan, error) {
	if req.PageSize < 1 {
		return nil, apperrors.InvalidInput("page_size must be at least 1")
	}
	pageSize := req.PageSize
	if pageSize > p.opts.MaxPageSize {
		pageSize = p.opts.MaxPageSize
	}
	page, offset, err := window(req, pageSize)
	if err != nil {
		return nil, err
	}

	columns, err := project(req.VisibleColumns, snap)
	if err != nil {
		return nil, err
	}

	b := &builder{args: pgx.NamedArgs{}}
	canonFilters := make(map[string]canonicalFilter, len(req.Filters))

	// Fixed column order keeps parameter names and SQL text deterministic.
	filterCols := make([]string, 0, len(req.Filters))
	for col := range req.Filters {
		filterCols = append(filterCols, col)
	}
	sort.Strings(filterCols)

	for _, col := range filterCols {
		desc, ok := snap.Column(col)
		if !ok {
			return nil, apperrors.InvalidInput("unknown filter column %q", col)
		}
		clause, canon, err := b.filter(desc, req.Filters[col])
		if err != nil {
			return nil, err
		}
		b.where = append(b.where, clause)
		canonFilters[col] = canon
	}

	search := strings.TrimSpace(req.Search)
	if search != "" {
		b.where = append(b.where, b.search(search, snap.TextColumns(), p.opts.FullTextSearch))
	}

	orderBy, sortColumn, err := orderClause(req.SortColumn, req.SortDesc, snap)
	if err != nil {
		return nil, err
	}

	table := qualifiedTableName(p.opts.SchemaName, snap.Table())
	where := ""
	if len(b.where) > 0 {
		where = " WHERE " + strings.Join(b.where, " AND ")
	}

	selectList := make([]string, len(columns))
	for i, c := range columns {
		selectList[i] = selectExpr(c)
	}

	countArgs := make(pgx.NamedArgs, len(b.args))
	for k, v := range b.args {
		countArgs[k] = v
	}
	selectArgs := b.args
	selectArgs["limit"] = pageSize
	selectArgs["offset"] = offset

	visible := make([]string, len(req.VisibleColumns))
	copy(visible, req.VisibleColumns)
	sort.Strings(visible)

	fp, err := fingerprint(canonicalRequest{
		Table:          strings.ToLower(snap.Table()),
		Offset:         offset,
		PageSize:       pageSize,
		SortColumn:     sortColumn,
		SortDesc:       req.SortDesc,
		Filters:        canonFilters,
		Search:         strings.ToLower(search),
		VisibleColumns: visible,
	})
	if err != nil {
		return nil, err
	}
	fp.Search = search != ""

	return &Plan{
		SelectSQL: fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT @limit OFFSET @offset",
			strings.Join(selectList, ", "), table, where, orderBy),
		SelectArgs:    selectArgs,
		CountSQL:      fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where),
		CountArgs:     countArgs,
		Columns:       columns,
		Page:          page,
		PageSize:      pageSize,
		Offset:        offset,
		Unconstrained: len(b.where) == 0,
		Fingerprint:   fp,
	}, nil
}

// window resolves the row offset and the page it falls in. An explicit start
// offset is used as given; otherwise the offset follows from the page number.
func window(req *models.ViewRequest, pageSize int) (page, offset int, err error) {
	if req.Start != nil {
		if *req.Start < 0 {
			return 0, 0, apperrors.InvalidInput("start must be a non-negative integer")
		}
		return *req.Start/pageSize + 1, *req.Start, nil
	}
	if req.Page < 1 {
		return 0, 0, apperrors.InvalidInput("page must be at least 1")
	}
	if req.Page-1 > math.MaxInt/pageSize {
		return 0, 0, apperrors.InvalidInput("page %d is out of range", req.Page)
	}
	return req.Page, (req.Page - 1) * pageSize, nil
}

// qualifiedTableName returns a properly quoted table reference.
func qualifiedTableName(schemaName, tableName string) string {
	if schemaName == "" {
		return pgx.Identifier{tableName}.Sanitize()
	}
	return pgx.Identifier{schemaName, tableName}.Sanitize()
}

// QualifiedTableName is exported for statements outside the planner (edits, estimates).
func QualifiedTableName(schemaName, tableName string) string {
	return qualifiedTableName(schemaName, tableName)
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func project(visible []string, snap *schema.Snapshot) ([]models.ColumnDescriptor, error) {
	if len(visible) == 0 {
		return snap.Columns(), nil
	}

	seen := make(map[string]bool, len(visible))
	out := make([]models.ColumnDescriptor, 0, len(visible))
	for _, name := range visible {
		desc, ok := snap.Column(name)
		if !ok {
			return nil, apperrors.InvalidInput("unknown column %q", name)
		}
		if seen[name] {
			return nil, apperrors.InvalidInput("column %q requested twice", name)
		}
		seen[name] = true
		out = append(out, desc)
	}
	return out, nil
}

// selectExpr casts each category to the type ScanRow expects.
func selectExpr(d models.ColumnDescriptor) string {
	col := quote(d.Name)
	switch d.Category {
	case models.CategoryInteger:
		return col + "::bigint AS " + col
	case models.CategoryNumber:
		return col + "::numeric::float8 AS " + col
	case models.CategoryBoolean, models.CategoryBinary:
		return col
	case models.CategoryDatetime:
		if IsTimestampLike(d) {
			return col
		}
		return col + "::text AS " + col
	default:
		return col + "::text AS " + col
	}
}

// compareExpr is the left-hand side used in filters for the column.
func compareExpr(d models.ColumnDescriptor) string {
	switch d.Category {
	case models.CategoryJSON, models.CategoryBinary:
		return quote(d.Name) + "::text"
	case models.CategoryDatetime:
		if !IsTimestampLike(d) {
			return quote(d.Name) + "::text"
		}
	}
	return quote(d.Name)
}

func orderClause(sortColumn string, desc bool, snap *schema.Snapshot) (string, string, error) {
	var sortDesc models.ColumnDescriptor
	if sortColumn == "" {
		cols := snap.Columns()
		if len(cols) == 0 {
			return "", "", apperrors.InvalidInput("table has no columns")
		}
		sortDesc = cols[0]
	} else {
		d, ok := snap.Column(sortColumn)
		if !ok {
			return "", "", apperrors.InvalidInput("unknown sort column %q", sortColumn)
		}
		sortDesc = d
	}

	dir := "ASC"
	if desc {
		dir = "DESC"
	}
	clause := quote(sortDesc.Name) + " " + dir

	if pk, ok := snap.PrimaryKey(); ok && pk.Name != sortDesc.Name {
		clause += ", " + quote(pk.Name) + " ASC"
	}
	return clause, sortDesc.Name, nil
}

// builder accumulates WHERE clauses and their named arguments.
type builder struct {
	where []string
	args  pgx.NamedArgs
	n     int
}

func (b *builder) bind(v any) string {
	name := fmt.Sprintf("f%d", b.n)
	b.n++
	b.args[name] = v
	return "@" + name
}

var comparisonOps = map[models.FilterOp]string{
	models.OpEq:  "=",
	models.OpNeq: "<>",
	models.OpGt:  ">",
	models.OpLt:  "<",
	models.OpGte: ">=",
	models.OpLte: "<=",
}

func (b *builder) filter(d models.ColumnDescriptor, f models.FilterSpec) (string, canonicalFilter, error) {
	op := models.FilterOp(strings.ToLower(string(f.Op)))
	if !op.IsValid() {
		return "", canonicalFilter{}, apperrors.InvalidInput("unknown filter operator %q on %q", f.Op, d.Name)
	}
	lhs := compareExpr(d)
	canon := canonicalFilter{Op: op}

	switch op {
	case models.OpEq, models.OpNeq, models.OpGt, models.OpLt, models.OpGte, models.OpLte:
		if f.Value == nil {
			return "", canon, apperrors.InvalidInput("filter %s on %q needs a value, use is_null for NULL checks", op, d.Name)
		}
		v, err := b.coerceForFilter(d, f.Value)
		if err != nil {
			return "", canon, err
		}
		canon.Value = v
		return lhs + " " + comparisonOps[op] + " " + b.bind(v), canon, nil

	case models.OpContains, models.OpStartsWith, models.OpEndsWith:
		s, err := toText(f.Value)
		if err != nil || s == "" {
			return "", canon, apperrors.InvalidInput("filter %s on %q needs a non-empty text value", op, d.Name)
		}
		pattern := escapeLike(s)
		switch op {
		case models.OpContains:
			pattern = "%" + pattern + "%"
		case models.OpStartsWith:
			pattern = pattern + "%"
		case models.OpEndsWith:
			pattern = "%" + pattern
		}
		canon.Value = s
		return quote(d.Name) + "::text ILIKE " + b.bind(pattern) + ` ESCAPE '\'`, canon, nil

	case models.OpIn, models.OpNotIn:
		list, ok := f.Value.([]any)
		if !ok || len(list) == 0 {
			return "", canon, apperrors.InvalidInput("filter %s on %q needs a non-empty list", op, d.Name)
		}
		arr, err := b.typedList(d, list)
		if err != nil {
			return "", canon, err
		}
		canon.Value = arr
		if op == models.OpIn {
			return lhs + " = ANY(" + b.bind(arr) + ")", canon, nil
		}
		return lhs + " <> ALL(" + b.bind(arr) + ")", canon, nil

	case models.OpBetween:
		list, ok := f.Value.([]any)
		if !ok || len(list) != 2 || list[0] == nil || list[1] == nil {
			return "", canon, apperrors.InvalidInput("filter between on %q needs exactly two values", d.Name)
		}
		lo, err := b.coerceForFilter(d, list[0])
		if err != nil {
			return "", canon, err
		}
		hi, err := b.coerceForFilter(d, list[1])
		if err != nil {
			return "", canon, err
		}
		canon.Value = []any{lo, hi}
		return lhs + " BETWEEN " + b.bind(lo) + " AND " + b.bind(hi), canon, nil

	case models.OpIsNull:
		isNull := Truthy(f.Value)
		canon.Value = isNull
		if isNull {
			return quote(d.Name) + " IS NULL", canon, nil
		}
		return quote(d.Name) + " IS NOT NULL", canon, nil
	}

	return "", canon, apperrors.InvalidInput("unsupported filter operator %q", op)
}

// coerceForFilter converts a filter value to the parameter type of compareExpr.
func (b *builder) coerceForFilter(d models.ColumnDescriptor, v any) (any, error) {
	if compareExpr(d) != quote(d.Name) {
		s, err := toText(v)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid filter value for %q: %v", d.Name, err)
		}
		return s, nil
	}
	out, err := Coerce(d, v)
	if err != nil {
		return nil, apperrors.InvalidInput("invalid filter value for %q: %v", d.Name, err)
	}
	return out, nil
}

// typedList builds a slice pgx can encode as an array of the column type.
func (b *builder) typedList(d models.ColumnDescriptor, list []any) (any, error) {
	if compareExpr(d) != quote(d.Name) {
		out := make([]string, 0, len(list))
		for _, v := range list {
			s, err := toText(v)
			if err != nil {
				return nil, apperrors.InvalidInput("invalid list value for %q: %v", d.Name, err)
			}
			out = append(out, s)
		}
		return out, nil
	}

	switch d.Category {
	case models.CategoryInteger:
		return coerceList(list, d, func(v any) int64 { return v.(int64) })
	case models.CategoryNumber:
		return coerceList(list, d, func(v any) float64 { return v.(float64) })
	case models.CategoryBoolean:
		return coerceList(list, d, func(v any) bool { return v.(bool) })
	case models.CategoryDatetime:
		return coerceList(list, d, func(v any) time.Time { return v.(time.Time) })
	default:
		return coerceList(list, d, func(v any) string { return v.(string) })
	}
}

func coerceList[T any](list []any, d models.ColumnDescriptor, conv func(any) T) ([]T, error) {
	out := make([]T, 0, len(list))
	for _, v := range list {
		if v == nil {
			return nil, apperrors.InvalidInput("list for %q must not contain null", d.Name)
		}
		c, err := Coerce(d, v)
		if err != nil {
			return nil, apperrors.InvalidInput("invalid list value for %q: %v", d.Name, err)
		}
		out = append(out, conv(c))
	}
	return out, nil
}

func (b *builder) search(term string, textCols []models.ColumnDescriptor, fullText bool) string {
	if len(textCols) == 0 {
		return "FALSE"
	}

	like := b.bindNamed("search", "%"+escapeLike(term)+"%")
	parts := make([]string, 0, len(textCols)+1)
	for _, c := range textCols {
		parts = append(parts, quote(c.Name)+"::text ILIKE "+like+` ESCAPE '\'`)
	}

	if fullText && utf8.RuneCountInString(term) > minFullTextLength {
		docs := make([]string, len(textCols))
		for i, c := range textCols {
			docs[i] = "coalesce(" + quote(c.Name) + "::text, '')"
		}
		fts := b.bindNamed("search_fts", term)
		parts = append(parts, "to_tsvector('simple', "+strings.Join(docs, " || ' ' || ")+") @@ plainto_tsquery('simple', "+fts+")")
	}

	return "(" + strings.Join(parts, " OR ") + ")"
}

func (b *builder) bindNamed(name string, v any) string {
	b.args[name] = v
	return "@" + name
}

// escapeLike escapes LIKE metacharacters so user text matches literally.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
