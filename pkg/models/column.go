package models

import (
	"time"
)

// Category is the normalized type family of a column.
type Category string

const (
	CategoryInteger  Category = "integer"
	CategoryNumber   Category = "number"
	CategoryText     Category = "text"
	CategoryDatetime Category = "datetime"
	CategoryBoolean  Category = "boolean"
	CategoryJSON     Category = "json"
	CategoryBinary   Category = "binary"
)

// IsValid returns true for the known categories.
func (c Category) IsValid() bool {
	switch c {
	case CategoryInteger, CategoryNumber, CategoryText, CategoryDatetime,
		CategoryBoolean, CategoryJSON, CategoryBinary:
		return true
	}
	return false
}

// ColumnDescriptor describes one column of the primary table.
type ColumnDescriptor struct {
	Name         string   `json:"name"`
	DeclaredType string   `json:"declared_type"`
	Category     Category `json:"category"`
	Nullable     bool     `json:"nullable"`
	Position     int      `json:"position"` // 1-based ordinal_position
	IsPrimaryKey bool     `json:"is_primary_key"`
	IsEditable   bool     `json:"is_editable"`
	DisplayName  string   `json:"display_name"`
}

// ColumnSetting is the persisted editability overlay for a column.
// Stored in column_settings.
type ColumnSetting struct {
	ColumnName  string    `json:"column_name"`
	IsEditable  bool      `json:"is_editable"`
	DisplayName *string   `json:"display_name,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// GridColumn is the client-facing column definition.
type GridColumn struct {
	Field    string   `json:"field"`
	Title    string   `json:"title"`
	Type     Category `json:"type"`
	Editable bool     `json:"editable"`
}
