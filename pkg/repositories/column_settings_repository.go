package repositories

import (
	"context"
	"fmt"

	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ColumnSettingsRepository stores the editability overlay of the primary table.
type ColumnSettingsRepository interface {
	List(ctx context.Context) ([]*models.ColumnSetting, error)
	Upsert(ctx context.Context, setting *models.ColumnSetting) error
}

type columnSettingsRepository struct {
	db *database.DB
}

// NewColumnSettingsRepository creates a new ColumnSettingsRepository.
func NewColumnSettingsRepository(db *database.DB) ColumnSettingsRepository {
	return &columnSettingsRepository{db: db}
}

var _ ColumnSettingsRepository = (*columnSettingsRepository)(nil)

func (r *columnSettingsRepository) List(ctx context.Context) ([]*models.ColumnSetting, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT column_name, is_editable, display_name, updated_at
		FROM column_settings
		ORDER BY column_name`)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to list column settings: %w", err))
	}
	defer rows.Close()

	var settings []*models.ColumnSetting
	for rows.Next() {
		var s models.ColumnSetting
		if err := rows.Scan(&s.ColumnName, &s.IsEditable, &s.DisplayName, &s.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan column setting: %w", err)
		}
		settings = append(settings, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError(fmt.Errorf("error iterating column settings: %w", err))
	}
	return settings, nil
}

// Upsert writes the setting and fills UpdatedAt from the database clock.
func (r *columnSettingsRepository) Upsert(ctx context.Context, setting *models.ColumnSetting) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO column_settings (column_name, is_editable, display_name, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (column_name) DO UPDATE
		SET is_editable = EXCLUDED.is_editable,
		    display_name = EXCLUDED.display_name,
		    updated_at = now()
		RETURNING updated_at`,
		setting.ColumnName, setting.IsEditable, setting.DisplayName,
	).Scan(&setting.UpdatedAt)
	if err != nil {
		return database.MapError(fmt.Errorf("failed to upsert column setting: %w", err))
	}
	return nil
}
