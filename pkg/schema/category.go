package schema

import (
	"strings"

	"github.com/ekaya-inc/casegrid/pkg/models"
)

// CategoryFor maps a PostgreSQL declared type to its category.
// Unknown types fall back to text.
func CategoryFor(declaredType string) models.Category {
	t := strings.ToLower(strings.TrimSpace(declaredType))
	// strip modifiers such as numeric(12,2) or character varying(20)
	if i := strings.IndexByte(t, '('); i >= 0 {
		t = strings.TrimSpace(t[:i])
	}

	switch t {
	case "smallint", "integer", "bigint", "int", "int2", "int4", "int8",
		"smallserial", "serial", "bigserial", "serial2", "serial4", "serial8":
		return models.CategoryInteger
	case "real", "double precision", "numeric", "decimal", "float4", "float8", "float", "money":
		return models.CategoryNumber
	case "boolean", "bool":
		return models.CategoryBoolean
	case "json", "jsonb":
		return models.CategoryJSON
	case "bytea":
		return models.CategoryBinary
	case "date", "interval":
		return models.CategoryDatetime
	}

	if strings.HasPrefix(t, "timestamp") || strings.HasPrefix(t, "time") {
		return models.CategoryDatetime
	}

	return models.CategoryText
}
