package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
)

const (
	defaultAuditLimit = 100
	maxAuditLimit     = 1000
)

// AuditService reads the append-only audit trail.
type AuditService interface {
	// List returns the newest entries first. Admin only.
	List(ctx context.Context, actor *models.Actor, limit, offset int) ([]*models.AuditEntry, error)

	// RowHistory returns the entries of one row, newest first.
	RowHistory(ctx context.Context, actor *models.Actor, table, rowPK string, limit int) ([]*models.AuditEntry, error)
}

type auditService struct {
	schema SchemaSource
	repo   repositories.AuditRepository
	logger *zap.Logger
}

// NewAuditService creates a new AuditService.
func NewAuditService(src SchemaSource, repo repositories.AuditRepository, logger *zap.Logger) AuditService {
	return &auditService{
		schema: src,
		repo:   repo,
		logger: logger.Named("audit-service"),
	}
}

var _ AuditService = (*auditService)(nil)

func (s *auditService) List(ctx context.Context, actor *models.Actor, limit, offset int) ([]*models.AuditEntry, error) {
	if err := requireAdmin(actor); err != nil {
		return nil, err
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(ctx, clampLimit(limit, defaultAuditLimit, maxAuditLimit), offset)
}

func (s *auditService) RowHistory(ctx context.Context, actor *models.Actor, table, rowPK string, limit int) ([]*models.AuditEntry, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	table, err := resolveTable(s.schema, table)
	if err != nil {
		return nil, err
	}
	return s.repo.ListByRow(ctx, table, rowPK, clampLimit(limit, defaultAuditLimit, maxAuditLimit))
}

func clampLimit(limit, def, max int) int {
	switch {
	case limit <= 0:
		return def
	case limit > max:
		return max
	}
	return limit
}
