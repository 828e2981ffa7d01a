package schema

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/casegrid/pkg/database"
)

// RawColumn is one column as reported by the catalog.
type RawColumn struct {
	Name         string
	DataType     string
	UDTName      string
	IsNullable   bool
	IsPrimaryKey bool
	Position     int
}

// ColumnSource reads the live column layout of a table.
type ColumnSource interface {
	DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]RawColumn, error)
}

// CatalogSource discovers columns from information_schema and pg_index.
type CatalogSource struct {
	db *database.DB
}

// NewCatalogSource creates a ColumnSource backed by the PostgreSQL catalog.
func NewCatalogSource(db *database.DB) *CatalogSource {
	return &CatalogSource{db: db}
}

var _ ColumnSource = (*CatalogSource)(nil)

// DiscoverColumns returns columns in ordinal order.
// Uses pg_index for primary key detection so keys created as unique indexes are found.
func (s *CatalogSource) DiscoverColumns(ctx context.Context, schemaName, tableName string) ([]RawColumn, error) {
	const query = `
		SELECT
			c.column_name,
			c.data_type,
			c.udt_name,
			c.is_nullable = 'YES' AS is_nullable,
			COALESCE(pk.is_pk, false) AS is_primary_key,
			c.ordinal_position
		FROM information_schema.columns c
		LEFT JOIN (
			SELECT a.attname AS column_name, true AS is_pk
			FROM pg_index ix
			JOIN pg_class t ON t.oid = ix.indrelid
			JOIN pg_namespace n ON n.oid = t.relnamespace
			JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = ANY(ix.indkey)
			WHERE ix.indisprimary = true
			  AND n.nspname = $1
			  AND t.relname = $2
			  AND array_length(ix.indkey, 1) = 1  -- single-column keys only
		) pk ON c.column_name = pk.column_name
		WHERE c.table_schema = $1 AND c.table_name = $2
		ORDER BY c.ordinal_position
	`

	rows, err := s.db.Query(ctx, query, schemaName, tableName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", database.MapError(err))
	}
	defer rows.Close()

	var columns []RawColumn
	for rows.Next() {
		var c RawColumn
		if err := rows.Scan(&c.Name, &c.DataType, &c.UDTName, &c.IsNullable, &c.IsPrimaryKey, &c.Position); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		columns = append(columns, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate columns: %w", database.MapError(err))
	}

	return columns, nil
}

// declaredType resolves the type name to categorize. information_schema reports
// extension and domain types as USER-DEFINED, so the udt name is used instead.
func (c RawColumn) declaredType() string {
	switch c.DataType {
	case "USER-DEFINED", "ARRAY":
		return c.UDTName
	}
	return c.DataType
}
