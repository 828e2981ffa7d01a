package models

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"time"
)

// Value is a tagged cell value. Raw holds one of:
// nil, int64, float64, string, bool, time.Time, json.RawMessage, []byte.
type Value struct {
	Category Category
	Raw      any
}

// Null returns a null value of the given category.
func Null(c Category) Value {
	return Value{Category: c}
}

// IsNull reports whether the value is SQL NULL.
func (v Value) IsNull() bool {
	return v.Raw == nil
}

// MarshalJSON renders datetimes as RFC 3339, binary as base64 and json verbatim.
func (v Value) MarshalJSON() ([]byte, error) {
	switch raw := v.Raw.(type) {
	case nil:
		return []byte("null"), nil
	case time.Time:
		return json.Marshal(raw.Format(time.RFC3339Nano))
	case []byte:
		return json.Marshal(base64.StdEncoding.EncodeToString(raw))
	case json.RawMessage:
		if len(raw) == 0 {
			return []byte("null"), nil
		}
		return raw, nil
	default:
		return json.Marshal(raw)
	}
}

// Text returns the value in the form PostgreSQL renders it with ::text, or nil for NULL.
func (v Value) Text() *string {
	var s string
	switch raw := v.Raw.(type) {
	case nil:
		return nil
	case string:
		s = raw
	case int64:
		s = strconv.FormatInt(raw, 10)
	case float64:
		s = strconv.FormatFloat(raw, 'f', -1, 64)
	case bool:
		s = strconv.FormatBool(raw)
	case time.Time:
		s = raw.Format(time.RFC3339Nano)
	case json.RawMessage:
		s = string(raw)
	case []byte:
		s = base64.StdEncoding.EncodeToString(raw)
	default:
		b, _ := json.Marshal(raw)
		s = string(b)
	}
	return &s
}

// Cell is one named value within a row.
type Cell struct {
	Column string
	Value  Value
}

// Row is an ordered list of cells matching the projected descriptors.
type Row []Cell

// MarshalJSON renders the row as a JSON object that preserves column order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, cell := range r {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(cell.Column)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := cell.Value.MarshalJSON()
		if err != nil {
			return nil, err
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Get returns the value for a column and whether it is present.
func (r Row) Get(column string) (Value, bool) {
	for _, cell := range r {
		if cell.Column == column {
			return cell.Value, true
		}
	}
	return Value{}, false
}

// Columns returns the column names in row order.
func (r Row) Columns() []string {
	names := make([]string, len(r))
	for i, cell := range r {
		names[i] = cell.Column
	}
	return names
}

// Project returns the cells for columns in the given order. Missing columns are skipped.
func (r Row) Project(columns []string) Row {
	out := make(Row, 0, len(columns))
	for _, name := range columns {
		if v, ok := r.Get(name); ok {
			out = append(out, Cell{Column: name, Value: v})
		}
	}
	return out
}
