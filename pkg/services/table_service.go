package services

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/audit"
	"github.com/ekaya-inc/casegrid/pkg/cache"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/query"
	"github.com/ekaya-inc/casegrid/pkg/repositories"
)

// Count modes.
const (
	CountExact    = "exact"
	CountEstimate = "estimate"
)

// ViewResult is one page of the primary table.
type ViewResult struct {
	Table         string
	Columns       []models.ColumnDescriptor
	Rows          []models.Row
	Total         int64
	Page          int
	PageSize      int
	TotalPages    int64
	Cached        bool
	ExecutionTime time.Duration
}

// TableService serves pages and column definitions of the primary table.
type TableService interface {
	// ResolveTable maps a client-supplied table name to the primary table or NotFound.
	ResolveTable(name string) (string, error)

	// Columns returns the client-facing column list.
	Columns(ctx context.Context, table string) ([]models.GridColumn, error)

	// View plans, caches and executes a view request.
	View(ctx context.Context, table string, req *models.ViewRequest) (*ViewResult, error)

	// ClearCache drops every cached page of the table. Admin only.
	ClearCache(ctx context.Context, actor *models.Actor, table string) error

	// DefaultPageSize is the page size applied when a request names none.
	DefaultPageSize() int
}

// TableServiceConfig carries the tunables of TableService.
type TableServiceConfig struct {
	QueryTimeout    time.Duration
	CountMode       string
	DefaultPageSize int
}

type tableService struct {
	schema  SchemaSource
	planner *query.Planner
	repo    repositories.TableRepository
	cache   PageCache
	auditor *audit.SecurityAuditor
	cfg     TableServiceConfig
	logger  *zap.Logger
}

// NewTableService creates a TableService. auditor may be nil.
func NewTableService(
	src SchemaSource,
	planner *query.Planner,
	repo repositories.TableRepository,
	pages PageCache,
	auditor *audit.SecurityAuditor,
	cfg TableServiceConfig,
	logger *zap.Logger,
) TableService {
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 15 * time.Second
	}
	if cfg.CountMode == "" {
		cfg.CountMode = CountExact
	}
	if cfg.DefaultPageSize <= 0 {
		cfg.DefaultPageSize = 100
	}
	return &tableService{
		schema:  src,
		planner: planner,
		repo:    repo,
		cache:   pages,
		auditor: auditor,
		cfg:     cfg,
		logger:  logger.Named("table-service"),
	}
}

var _ TableService = (*tableService)(nil)

func (s *tableService) ResolveTable(name string) (string, error) {
	return resolveTable(s.schema, name)
}

func (s *tableService) DefaultPageSize() int {
	return s.cfg.DefaultPageSize
}

func (s *tableService) Columns(ctx context.Context, table string) ([]models.GridColumn, error) {
	if _, err := s.ResolveTable(table); err != nil {
		return nil, err
	}
	snap, err := s.schema.Snapshot()
	if err != nil {
		return nil, err
	}
	return snap.GridColumns(), nil
}

func (s *tableService) View(ctx context.Context, table string, req *models.ViewRequest) (*ViewResult, error) {
	start := time.Now()

	table, err := s.ResolveTable(table)
	if err != nil {
		return nil, err
	}
	snap, err := s.schema.Snapshot()
	if err != nil {
		return nil, err
	}

	plan, err := s.planner.Build(req, snap)
	if err != nil {
		return nil, err
	}

	if s.auditor != nil {
		origin, _ := models.GetRequestOrigin(ctx)
		s.auditor.InspectViewRequest(ctx, table, req, origin.ClientAddress)
	}

	page, cached, err := s.cache.Get(ctx, plan.Fingerprint, func(ctx context.Context) (*cache.CachedPage, error) {
		return s.execute(ctx, table, plan)
	})
	if err != nil {
		s.logger.Error("View query failed",
			zap.String("table", table),
			zap.String("fingerprint", plan.Fingerprint.Hash),
			zap.Error(err))
		return nil, err
	}

	names := make([]string, len(plan.Columns))
	for i, c := range plan.Columns {
		names[i] = c.Name
	}
	rows := make([]models.Row, len(page.Rows))
	for i, r := range page.Rows {
		rows[i] = r.Project(names)
	}

	return &ViewResult{
		Table:         table,
		Columns:       plan.Columns,
		Rows:          rows,
		Total:         page.Total,
		Page:          plan.Page,
		PageSize:      plan.PageSize,
		TotalPages:    models.TotalPages(page.Total, plan.PageSize),
		Cached:        cached,
		ExecutionTime: time.Since(start),
	}, nil
}

// execute runs the plan under the query timeout.
func (s *tableService) execute(ctx context.Context, table string, plan *query.Plan) (*cache.CachedPage, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.QueryTimeout)
	defer cancel()

	rows, err := s.repo.Select(ctx, plan)
	if err != nil {
		return nil, err
	}
	total, err := s.count(ctx, table, plan)
	if err != nil {
		return nil, err
	}

	return &cache.CachedPage{
		Columns:    plan.Columns,
		Rows:       rows,
		Total:      total,
		InsertedAt: time.Now().UTC(),
	}, nil
}

func (s *tableService) count(ctx context.Context, table string, plan *query.Plan) (int64, error) {
	if s.cfg.CountMode == CountEstimate && plan.Unconstrained {
		n, ok, err := s.repo.EstimateCount(ctx, table)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}
		s.logger.Debug("No planner statistics, falling back to exact count",
			zap.String("table", table))
	}
	return s.repo.Count(ctx, plan)
}

func (s *tableService) ClearCache(ctx context.Context, actor *models.Actor, table string) error {
	if err := requireAdmin(actor); err != nil {
		return err
	}
	table, err := s.ResolveTable(table)
	if err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, table); err != nil {
		return fmt.Errorf("clear cache of %s: %w", table, err)
	}
	s.logger.Info("Cache cleared",
		zap.String("table", table),
		zap.String("actor_id", actor.ID))
	return nil
}

// IsCacheDegraded reports whether err only signals a cache backend fault.
func IsCacheDegraded(err error) bool {
	return apperrors.Is(err, apperrors.KindCacheDegraded)
}
