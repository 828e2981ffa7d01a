package models

// FilterOp is a column filter operator.
type FilterOp string

const (
	OpEq         FilterOp = "eq"
	OpNeq        FilterOp = "neq"
	OpGt         FilterOp = "gt"
	OpLt         FilterOp = "lt"
	OpGte        FilterOp = "gte"
	OpLte        FilterOp = "lte"
	OpContains   FilterOp = "contains"
	OpStartsWith FilterOp = "startswith"
	OpEndsWith   FilterOp = "endswith"
	OpIn         FilterOp = "in"
	OpNotIn      FilterOp = "not_in"
	OpBetween    FilterOp = "between"
	OpIsNull     FilterOp = "is_null"
)

// ValidFilterOps lists every supported operator.
var ValidFilterOps = []FilterOp{
	OpEq, OpNeq, OpGt, OpLt, OpGte, OpLte,
	OpContains, OpStartsWith, OpEndsWith,
	OpIn, OpNotIn, OpBetween, OpIsNull,
}

// IsValid returns true if the operator is supported.
func (op FilterOp) IsValid() bool {
	for _, v := range ValidFilterOps {
		if v == op {
			return true
		}
	}
	return false
}

// FilterSpec is one column filter. For in, not_in and between Value is a list.
type FilterSpec struct {
	Op    FilterOp `json:"op" msgpack:"op"`
	Value any      `json:"value" msgpack:"value"`
}

// ViewRequest selects one page of the primary table. When Start is set it is
// the zero-based offset of the first row and Page is ignored.
type ViewRequest struct {
	Page           int                   `json:"page"`
	PageSize       int                   `json:"page_size"`
	Start          *int                  `json:"start,omitempty"`
	SortColumn     string                `json:"sort_column,omitempty"`
	SortDesc       bool                  `json:"sort_desc,omitempty"`
	Search         string                `json:"search,omitempty"`
	VisibleColumns []string              `json:"visible_columns,omitempty"`
	Filters        map[string]FilterSpec `json:"filters,omitempty"`
}

// Page is the result of executing a view request.
type Page struct {
	Rows  []Row `json:"rows"`
	Total int64 `json:"total"`
}

// TotalPages returns ceil(total / pageSize).
func TotalPages(total int64, pageSize int) int64 {
	if pageSize <= 0 || total <= 0 {
		return 0
	}
	return (total + int64(pageSize) - 1) / int64(pageSize)
}
