package cache

import (
	"encoding/json"
	"time"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

func testColumns() []models.ColumnDescriptor {
	return []models.ColumnDescriptor{
		{Name: "id", DeclaredType: "bigint", Category: models.CategoryInteger, IsPrimaryKey: true, Position: 1},
		{Name: "debtor_name", DeclaredType: "text", Category: models.CategoryText, Position: 2, IsEditable: true, DisplayName: "Debtor"},
		{Name: "amount", DeclaredType: "numeric", Category: models.CategoryNumber, Nullable: true, Position: 3},
		{Name: "opened_at", DeclaredType: "timestamp with time zone", Category: models.CategoryDatetime, Position: 4},
		{Name: "is_active", DeclaredType: "boolean", Category: models.CategoryBoolean, Position: 5},
		{Name: "metadata", DeclaredType: "jsonb", Category: models.CategoryJSON, Nullable: true, Position: 6},
		{Name: "blob", DeclaredType: "bytea", Category: models.CategoryBinary, Nullable: true, Position: 7},
	}
}

func testPage(id int64) *CachedPage {
	cols := testColumns()
	values := []any{
		id,
		"Guðrún Sigurðardóttir",
		10.5,
		time.Date(2024, 1, 2, 3, 4, 5, 600, time.UTC),
		true,
		json.RawMessage(`{"seq":1}`),
		nil,
	}
	row := make(models.Row, len(cols))
	for i, c := range cols {
		row[i] = models.Cell{Column: c.Name, Value: models.Value{Category: c.Category, Raw: values[i]}}
	}
	return &CachedPage{Columns: cols, Rows: []models.Row{row}, Total: 42}
}

func fingerprint(table, hash string) models.Fingerprint {
	return models.Fingerprint{Table: table, Hash: hash}
}
