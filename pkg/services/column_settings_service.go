package services

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
)

// ColumnSettingView is a column with its current editability overlay.
type ColumnSettingView struct {
	ColumnName   string          `json:"column_name"`
	DeclaredType string          `json:"declared_type"`
	Category     models.Category `json:"category"`
	IsPrimaryKey bool            `json:"is_primary_key"`
	IsEditable   bool            `json:"is_editable"`
	DisplayName  string          `json:"display_name"`
}

// ColumnSettingUpdate changes one column's overlay. A nil DisplayName resets it.
type ColumnSettingUpdate struct {
	IsEditable  bool
	DisplayName *string
}

// ColumnSettingsService administers the editability overlay and schema refreshes.
type ColumnSettingsService interface {
	List(ctx context.Context, actor *models.Actor) ([]ColumnSettingView, error)
	Update(ctx context.Context, actor *models.Actor, column string, upd ColumnSettingUpdate) (*ColumnSettingView, error)

	// RefreshSchema reloads descriptors and drops cached pages built from the old ones.
	RefreshSchema(ctx context.Context, actor *models.Actor) error
}

type columnSettingsService struct {
	schema SchemaSource
	repo   repositories.ColumnSettingsRepository
	cache  PageCache
	logger *zap.Logger
}

// NewColumnSettingsService creates a ColumnSettingsService.
func NewColumnSettingsService(src SchemaSource, repo repositories.ColumnSettingsRepository, pages PageCache, logger *zap.Logger) ColumnSettingsService {
	return &columnSettingsService{
		schema: src,
		repo:   repo,
		cache:  pages,
		logger: logger.Named("column-settings-service"),
	}
}

var _ ColumnSettingsService = (*columnSettingsService)(nil)

func (s *columnSettingsService) List(ctx context.Context, actor *models.Actor) ([]ColumnSettingView, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	snap, err := s.schema.Snapshot()
	if err != nil {
		return nil, err
	}
	cols := snap.Columns()
	out := make([]ColumnSettingView, len(cols))
	for i, c := range cols {
		out[i] = viewOf(c)
	}
	return out, nil
}

func (s *columnSettingsService) Update(ctx context.Context, actor *models.Actor, column string, upd ColumnSettingUpdate) (*ColumnSettingView, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	snap, err := s.schema.Snapshot()
	if err != nil {
		return nil, err
	}
	col, ok := snap.Column(column)
	if !ok {
		return nil, apperrors.NotFound("column %q not found", column)
	}
	if col.IsPrimaryKey && upd.IsEditable {
		return nil, apperrors.InvalidInput("primary key column %s cannot be made editable", column)
	}

	setting := &models.ColumnSetting{ColumnName: col.Name, IsEditable: upd.IsEditable}
	if upd.DisplayName != nil {
		if name := strings.TrimSpace(*upd.DisplayName); name != "" {
			setting.DisplayName = &name
		}
	}
	if err := s.repo.Upsert(ctx, setting); err != nil {
		return nil, err
	}

	if err := s.schema.Refresh(ctx); err != nil {
		return nil, err
	}
	snap, err = s.schema.Snapshot()
	if err != nil {
		return nil, err
	}
	col, _ = snap.Column(column)

	s.logger.Info("Column setting updated",
		zap.String("column", col.Name),
		zap.Bool("is_editable", col.IsEditable),
		zap.String("actor_id", actor.ID))

	v := viewOf(col)
	return &v, nil
}

func (s *columnSettingsService) RefreshSchema(ctx context.Context, actor *models.Actor) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	if err := s.schema.Refresh(ctx); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, s.schema.Table()); err != nil {
		s.logger.Warn("Cache invalidation after schema refresh failed", zap.Error(err))
	}
	return nil
}

func viewOf(c models.ColumnDescriptor) ColumnSettingView {
	return ColumnSettingView{
		ColumnName:   c.Name,
		DeclaredType: c.DeclaredType,
		Category:     c.Category,
		IsPrimaryKey: c.IsPrimaryKey,
		IsEditable:   c.IsEditable,
		DisplayName:  c.DisplayName,
	}
}
