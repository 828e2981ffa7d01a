package query

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strconv"
	"strings"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ParseViewRequest reads a view request from query parameters.
//
// Accepted parameters:
//
//	page                     1-based page number (default 1)
//	size | length | page_size  rows per page (default defaultPageSize)
//	start                    zero-based row offset, used instead of page when page is absent
//	sort | sort_by           column to order by
//	sort_dir | order         asc or desc; sort_desc=true is also accepted
//	search                   free-text term
//	visible_columns          comma-separated list or JSON array
//	filters                  JSON object {"col": {"op": "eq", "value": 1}} or
//	                         JSON array [{"column": "col", "op": "eq", "value": 1}]
func ParseViewRequest(values url.Values, defaultPageSize int) (*models.ViewRequest, error) {
	req := &models.ViewRequest{Page: 1, PageSize: defaultPageSize}

	if s := firstOf(values, "size", "length", "page_size"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, apperrors.InvalidInput("page_size must be an integer")
		}
		req.PageSize = n
	}

	if s := values.Get("page"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, apperrors.InvalidInput("page must be an integer")
		}
		req.Page = n
	} else if s := values.Get("start"); s != "" {
		start, err := strconv.Atoi(s)
		if err != nil || start < 0 {
			return nil, apperrors.InvalidInput("start must be a non-negative integer")
		}
		req.Start = &start
	}

	req.SortColumn = firstOf(values, "sort", "sort_by")
	switch strings.ToLower(firstOf(values, "sort_dir", "order")) {
	case "", "asc":
	case "desc":
		req.SortDesc = true
	default:
		return nil, apperrors.InvalidInput("sort direction must be asc or desc")
	}
	if b, err := strconv.ParseBool(values.Get("sort_desc")); err == nil && b {
		req.SortDesc = true
	}

	req.Search = values.Get("search")

	if s := strings.TrimSpace(values.Get("visible_columns")); s != "" {
		cols, err := parseColumnList(s)
		if err != nil {
			return nil, err
		}
		req.VisibleColumns = cols
	}

	if s := strings.TrimSpace(values.Get("filters")); s != "" {
		filters, err := ParseFilters([]byte(s))
		if err != nil {
			return nil, err
		}
		req.Filters = filters
	}

	return req, nil
}

func firstOf(values url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(values.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

func parseColumnList(s string) ([]string, error) {
	if strings.HasPrefix(s, "[") {
		var cols []string
		if err := json.Unmarshal([]byte(s), &cols); err != nil {
			return nil, apperrors.InvalidInput("visible_columns must be a JSON array of strings")
		}
		return cols, nil
	}
	parts := strings.Split(s, ",")
	cols := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			cols = append(cols, p)
		}
	}
	return cols, nil
}

type filterListItem struct {
	Column string          `json:"column"`
	Op     models.FilterOp `json:"op"`
	Value  any             `json:"value"`
}

// ParseFilters decodes filters in either object or list form.
// Numbers decode as json.Number so integers keep full precision.
func ParseFilters(raw []byte) (map[string]models.FilterSpec, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if raw[0] == '[' {
		var items []filterListItem
		if err := dec.Decode(&items); err != nil {
			return nil, apperrors.InvalidInput("filters must be valid JSON")
		}
		out := make(map[string]models.FilterSpec, len(items))
		for _, it := range items {
			if it.Column == "" {
				return nil, apperrors.InvalidInput("filter entry is missing a column")
			}
			if _, dup := out[it.Column]; dup {
				return nil, apperrors.InvalidInput("column %q filtered twice", it.Column)
			}
			out[it.Column] = models.FilterSpec{Op: it.Op, Value: it.Value}
		}
		return out, nil
	}

	var out map[string]models.FilterSpec
	if err := dec.Decode(&out); err != nil {
		return nil, apperrors.InvalidInput("filters must be valid JSON")
	}
	return out, nil
}
