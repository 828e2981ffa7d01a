package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// ChangeRepository provides data access for undoable changes in data_changes.
type ChangeRepository interface {
	Create(ctx context.Context, change *models.ChangeRecord) error

	// Get returns the change or a NotFound error.
	Get(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error)

	// GetForUpdate is Get with a row lock; it must run inside a transaction.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error)

	Delete(ctx context.Context, id uuid.UUID) error

	// ListByActor returns the actor's changes, newest first.
	ListByActor(ctx context.Context, actorID string, limit int) ([]*models.ChangeRecord, error)
}

type changeRepository struct {
	db *database.DB
}

// NewChangeRepository creates a new ChangeRepository.
func NewChangeRepository(db *database.DB) ChangeRepository {
	return &changeRepository{db: db}
}

var _ ChangeRepository = (*changeRepository)(nil)

const changeColumns = `id, actor_id, table_name, row_pk, column_name, old_value, new_value, session_id, created_at`

func (r *changeRepository) Create(ctx context.Context, change *models.ChangeRecord) error {
	if change.ID == uuid.Nil {
		change.ID = uuid.New()
	}
	if change.CreatedAt.IsZero() {
		change.CreatedAt = time.Now().UTC()
	}

	query := `INSERT INTO data_changes (` + changeColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := r.db.Conn(ctx).Exec(ctx, query,
		change.ID,
		change.ActorID,
		change.TableName,
		change.RowPK,
		change.Column,
		change.OldValue,
		change.NewValue,
		change.SessionID,
		change.CreatedAt,
	)
	if err != nil {
		return database.MapError(fmt.Errorf("failed to create change record: %w", err))
	}
	return nil
}

func (r *changeRepository) Get(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	return r.get(ctx, `SELECT `+changeColumns+` FROM data_changes WHERE id = $1`, id)
}

func (r *changeRepository) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.ChangeRecord, error) {
	return r.get(ctx, `SELECT `+changeColumns+` FROM data_changes WHERE id = $1 FOR UPDATE`, id)
}

func (r *changeRepository) get(ctx context.Context, query string, id uuid.UUID) (*models.ChangeRecord, error) {
	c, err := scanChange(r.db.Conn(ctx).QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.NotFound("change %s not found", id)
	}
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to get change record: %w", err))
	}
	return c, nil
}

func (r *changeRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `DELETE FROM data_changes WHERE id = $1`, id)
	if err != nil {
		return database.MapError(fmt.Errorf("failed to delete change record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotFound("change %s not found", id)
	}
	return nil
}

func (r *changeRepository) ListByActor(ctx context.Context, actorID string, limit int) ([]*models.ChangeRecord, error) {
	query := `SELECT ` + changeColumns + `
		FROM data_changes
		WHERE actor_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2`

	rows, err := r.db.Conn(ctx).Query(ctx, query, actorID, limit)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to list changes: %w", err))
	}
	defer rows.Close()

	var changes []*models.ChangeRecord
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError(fmt.Errorf("error iterating changes: %w", err))
	}
	return changes, nil
}

func scanChange(row pgx.Row) (*models.ChangeRecord, error) {
	var c models.ChangeRecord
	err := row.Scan(
		&c.ID,
		&c.ActorID,
		&c.TableName,
		&c.RowPK,
		&c.Column,
		&c.OldValue,
		&c.NewValue,
		&c.SessionID,
		&c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
