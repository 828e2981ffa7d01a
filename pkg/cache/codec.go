package cache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// wirePage is the msgpack layout of a CachedPage. Cells are stored
// positionally against Columns so column names are written once per page.
type wirePage struct {
	Columns    []wireColumn `msgpack:"c"`
	Rows       [][]any      `msgpack:"r"`
	Total      int64        `msgpack:"t"`
	InsertedAt time.Time    `msgpack:"i"`
	TTL        int64        `msgpack:"ttl"`
}

type wireColumn struct {
	Name         string          `msgpack:"n"`
	DeclaredType string          `msgpack:"d"`
	Category     models.Category `msgpack:"k"`
	Nullable     bool            `msgpack:"u,omitempty"`
	Position     int             `msgpack:"p"`
	IsPrimaryKey bool            `msgpack:"pk,omitempty"`
	IsEditable   bool            `msgpack:"e,omitempty"`
	DisplayName  string          `msgpack:"dn,omitempty"`
}

func encodePage(p *CachedPage) ([]byte, error) {
	w := wirePage{
		Columns:    make([]wireColumn, len(p.Columns)),
		Rows:       make([][]any, len(p.Rows)),
		Total:      p.Total,
		InsertedAt: p.InsertedAt,
		TTL:        int64(p.TTL),
	}
	for i, c := range p.Columns {
		w.Columns[i] = wireColumn{
			Name:         c.Name,
			DeclaredType: c.DeclaredType,
			Category:     c.Category,
			Nullable:     c.Nullable,
			Position:     c.Position,
			IsPrimaryKey: c.IsPrimaryKey,
			IsEditable:   c.IsEditable,
			DisplayName:  c.DisplayName,
		}
	}
	for i, row := range p.Rows {
		if len(row) != len(p.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, page has %d columns", i, len(row), len(p.Columns))
		}
		cells := make([]any, len(row))
		for j, cell := range row {
			if raw, ok := cell.Value.Raw.(json.RawMessage); ok {
				cells[j] = []byte(raw)
				continue
			}
			cells[j] = cell.Value.Raw
		}
		w.Rows[i] = cells
	}
	return msgpack.Marshal(&w)
}

func decodePage(b []byte) (*CachedPage, error) {
	var w wirePage
	if err := msgpack.Unmarshal(b, &w); err != nil {
		return nil, fmt.Errorf("decode cached page: %w", err)
	}

	p := &CachedPage{
		Columns:    make([]models.ColumnDescriptor, len(w.Columns)),
		Rows:       make([]models.Row, len(w.Rows)),
		Total:      w.Total,
		InsertedAt: w.InsertedAt.UTC(),
		TTL:        time.Duration(w.TTL),
	}
	for i, c := range w.Columns {
		p.Columns[i] = models.ColumnDescriptor{
			Name:         c.Name,
			DeclaredType: c.DeclaredType,
			Category:     c.Category,
			Nullable:     c.Nullable,
			Position:     c.Position,
			IsPrimaryKey: c.IsPrimaryKey,
			IsEditable:   c.IsEditable,
			DisplayName:  c.DisplayName,
		}
	}
	for i, cells := range w.Rows {
		if len(cells) != len(w.Columns) {
			return nil, fmt.Errorf("cached row %d has %d cells, page has %d columns", i, len(cells), len(w.Columns))
		}
		row := make(models.Row, len(cells))
		for j, raw := range cells {
			col := w.Columns[j]
			v, err := normalize(col.Category, raw)
			if err != nil {
				return nil, fmt.Errorf("cached column %s: %w", col.Name, err)
			}
			row[j] = models.Cell{Column: col.Name, Value: models.Value{Category: col.Category, Raw: v}}
		}
		p.Rows[i] = row
	}
	return p, nil
}

// normalize restores the Go type ScanRow produces for the category,
// since msgpack decodes into the narrowest matching type.
func normalize(c models.Category, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}
	switch c {
	case models.CategoryInteger:
		if n, ok := asInt64(raw); ok {
			return n, nil
		}
	case models.CategoryNumber:
		switch x := raw.(type) {
		case float64:
			return x, nil
		case float32:
			return float64(x), nil
		}
		if n, ok := asInt64(raw); ok {
			return float64(n), nil
		}
	case models.CategoryBoolean:
		if b, ok := raw.(bool); ok {
			return b, nil
		}
	case models.CategoryDatetime:
		switch x := raw.(type) {
		case time.Time:
			return x.UTC(), nil
		case string:
			return x, nil
		}
	case models.CategoryJSON:
		switch x := raw.(type) {
		case []byte:
			return json.RawMessage(x), nil
		case string:
			return json.RawMessage(x), nil
		}
	case models.CategoryBinary:
		switch x := raw.(type) {
		case []byte:
			return x, nil
		case string:
			return []byte(x), nil
		}
	default:
		if s, ok := raw.(string); ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("unexpected %T for %s value", raw, c)
}

func asInt64(raw any) (int64, bool) {
	switch x := raw.(type) {
	case int64:
		return x, true
	case int8:
		return int64(x), true
	case int16:
		return int64(x), true
	case int32:
		return int64(x), true
	case int:
		return int64(x), true
	case uint8:
		return int64(x), true
	case uint16:
		return int64(x), true
	case uint32:
		return int64(x), true
	case uint64:
		return int64(x), true
	}
	return 0, false
}
