package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// SavedFilterRepository stores named view presets per owner.
type SavedFilterRepository interface {
	Create(ctx context.Context, f *models.SavedFilter) error
	ListByOwner(ctx context.Context, ownerID string) ([]*models.SavedFilter, error)

	// Delete removes the owner's filter; another owner's id is NotFound.
	Delete(ctx context.Context, ownerID string, id uuid.UUID) error
}

type savedFilterRepository struct {
	db *database.DB
}

// NewSavedFilterRepository creates a new SavedFilterRepository.
func NewSavedFilterRepository(db *database.DB) SavedFilterRepository {
	return &savedFilterRepository{db: db}
}

var _ SavedFilterRepository = (*savedFilterRepository)(nil)

func (r *savedFilterRepository) Create(ctx context.Context, f *models.SavedFilter) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	f.CreatedAt = time.Now().UTC()

	request, err := json.Marshal(f.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal saved filter request: %w", err)
	}

	_, err = r.db.Conn(ctx).Exec(ctx, `
		INSERT INTO saved_filters (id, owner_id, name, request, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		f.ID, f.OwnerID, f.Name, request, f.CreatedAt)
	if err != nil {
		mapped := database.MapError(fmt.Errorf("failed to create saved filter: %w", err))
		if apperrors.Is(mapped, apperrors.KindConflict) {
			return apperrors.Conflict("a filter named %q already exists", f.Name)
		}
		return mapped
	}
	return nil
}

func (r *savedFilterRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.SavedFilter, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT id, owner_id, name, request, created_at
		FROM saved_filters
		WHERE owner_id = $1
		ORDER BY name`, ownerID)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to list saved filters: %w", err))
	}
	defer rows.Close()

	var filters []*models.SavedFilter
	for rows.Next() {
		var f models.SavedFilter
		var request []byte
		if err := rows.Scan(&f.ID, &f.OwnerID, &f.Name, &request, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan saved filter: %w", err)
		}
		if err := json.Unmarshal(request, &f.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal saved filter %s: %w", f.ID, err)
		}
		filters = append(filters, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError(fmt.Errorf("error iterating saved filters: %w", err))
	}
	return filters, nil
}

func (r *savedFilterRepository) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx,
		`DELETE FROM saved_filters WHERE id = $1 AND owner_id = $2`, id, ownerID)
	if err != nil {
		return database.MapError(fmt.Errorf("failed to delete saved filter: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("saved filter %s not found", id)
	}
	return nil
}
