package services

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
)

const maxFilterNameLength = 100

// SavedFilterService manages per-user view presets.
type SavedFilterService interface {
	List(ctx context.Context, actor *models.Actor) ([]*models.SavedFilter, error)

	// Create validates the request against the current columns before saving it.
	Create(ctx context.Context, actor *models.Actor, name string, req models.ViewRequest) (*models.SavedFilter, error)

	Delete(ctx context.Context, actor *models.Actor, id uuid.UUID) error
}

type savedFilterService struct {
	schema  SchemaSource
	planner *query.Planner
	repo    repositories.SavedFilterRepository
	logger  *zap.Logger
}

// NewSavedFilterService creates a SavedFilterService.
func NewSavedFilterService(src SchemaSource, planner *query.Planner, repo repositories.SavedFilterRepository, logger *zap.Logger) SavedFilterService {
	return &savedFilterService{
		schema:  src,
		planner: planner,
		repo:    repo,
		logger:  logger.Named("saved-filter-service"),
	}
}

var _ SavedFilterService = (*savedFilterService)(nil)

func (s *savedFilterService) List(ctx context.Context, actor *models.Actor) ([]*models.SavedFilter, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	return s.repo.ListByOwner(ctx, actor.ID)
}

func (s *savedFilterService) Create(ctx context.Context, actor *models.Actor, name string, req models.ViewRequest) (*models.SavedFilter, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperrors.InvalidInput("filter name is required")
	}
	if len(name) > maxFilterNameLength {
		return nil, apperrors.InvalidInput("filter name must be at most %d characters", maxFilterNameLength)
	}

	// Presets store what to show, not where; validate as the first page.
	req.Page = 1
	req.Start = nil
	if req.PageSize < 1 {
		req.PageSize = 1
	}
	snap, err := s.schema.Snapshot()
	if err != nil {
		return nil, err
	}
	if _, err := s.planner.Build(&req, snap); err != nil {
		return nil, err
	}

	f := &models.SavedFilter{
		ID:      uuid.New(),
		OwnerID: actor.ID,
		Name:    name,
		Request: req,
	}
	if err := s.repo.Create(ctx, f); err != nil {
		return nil, err
	}
	s.logger.Debug("Saved filter created",
		zap.String("filter_id", f.ID.String()),
		zap.String("owner_id", actor.ID))
	return f, nil
}

func (s *savedFilterService) Delete(ctx context.Context, actor *models.Actor, id uuid.UUID) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	return s.repo.Delete(ctx, actor.ID, id)
}
