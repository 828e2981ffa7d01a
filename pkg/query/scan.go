package query

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ScanRow reads one result row produced by a Plan into tagged values.
// The destination type per column matches selectExpr.
func ScanRow(rows pgx.Rows, cols []models.ColumnDescriptor) (models.Row, error) {
	dest := make([]any, len(cols))
	for i, c := range cols {
		switch c.Category {
		case models.CategoryInteger:
			dest[i] = new(*int64)
		case models.CategoryNumber:
			dest[i] = new(*float64)
		case models.CategoryBoolean:
			dest[i] = new(*bool)
		case models.CategoryBinary:
			dest[i] = new([]byte)
		case models.CategoryDatetime:
			if IsTimestampLike(c) {
				dest[i] = new(*time.Time)
			} else {
				dest[i] = new(*string)
			}
		default:
			dest[i] = new(*string)
		}
	}

	if err := rows.Scan(dest...); err != nil {
		return nil, fmt.Errorf("scan row: %w", err)
	}

	row := make(models.Row, len(cols))
	for i, c := range cols {
		row[i] = models.Cell{Column: c.Name, Value: models.Value{Category: c.Category, Raw: deref(c, dest[i])}}
	}
	return row, nil
}

func deref(c models.ColumnDescriptor, d any) any {
	switch p := d.(type) {
	case **int64:
		if *p == nil {
			return nil
		}
		return **p
	case **float64:
		if *p == nil {
			return nil
		}
		return **p
	case **bool:
		if *p == nil {
			return nil
		}
		return **p
	case **time.Time:
		if *p == nil {
			return nil
		}
		return (**p).UTC()
	case *[]byte:
		if *p == nil {
			return nil
		}
		return *p
	case **string:
		if *p == nil {
			return nil
		}
		if c.Category == models.CategoryJSON {
			return json.RawMessage(**p)
		}
		return **p
	}
	return nil
}
