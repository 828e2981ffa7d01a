package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ekaya-inc/casegrid/pkg/database"
	"github.com/ekaya-inc/casegrid/pkg/models"
)

// AuditRepository provides data access for the append-only change_logs trail.
type AuditRepository interface {
	// Create inserts a new audit entry.
	Create(ctx context.Context, entry *models.AuditEntry) error

	// List returns the newest entries first.
	List(ctx context.Context, limit, offset int) ([]*models.AuditEntry, error)

	// ListByRow returns the history of one row, newest first.
	ListByRow(ctx context.Context, table, rowPK string, limit int) ([]*models.AuditEntry, error)
}

type auditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) AuditRepository {
	return &auditRepository{db: db}
}

var _ AuditRepository = (*auditRepository)(nil)

func (r *auditRepository) Create(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO change_logs (
			id, actor_id, actor_name, table_name, row_pk, column_name,
			old_value, new_value, action, client_address, user_agent, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := r.db.Conn(ctx).Exec(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.ActorName,
		entry.TableName,
		entry.RowPK,
		entry.Column,
		entry.OldValue,
		entry.NewValue,
		entry.Action,
		entry.ClientAddress,
		entry.UserAgent,
		entry.CreatedAt,
	)
	if err != nil {
		return database.MapError(fmt.Errorf("failed to create audit entry: %w", err))
	}
	return nil
}

const auditColumns = `id, actor_id, actor_name, table_name, row_pk, column_name,
	old_value, new_value, action, client_address, user_agent, created_at`

func (r *auditRepository) List(ctx context.Context, limit, offset int) ([]*models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + `
		FROM change_logs
		ORDER BY created_at DESC, id
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Conn(ctx).Query(ctx, query, limit, offset)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to query audit trail: %w", err))
	}
	return collectAuditEntries(rows)
}

func (r *auditRepository) ListByRow(ctx context.Context, table, rowPK string, limit int) ([]*models.AuditEntry, error) {
	query := `SELECT ` + auditColumns + `
		FROM change_logs
		WHERE table_name = $1 AND row_pk = $2
		ORDER BY created_at DESC, id
		LIMIT $3`

	rows, err := r.db.Conn(ctx).Query(ctx, query, table, rowPK, limit)
	if err != nil {
		return nil, database.MapError(fmt.Errorf("failed to query row history: %w", err))
	}
	return collectAuditEntries(rows)
}

func collectAuditEntries(rows pgx.Rows) ([]*models.AuditEntry, error) {
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		err := rows.Scan(
			&e.ID,
			&e.ActorID,
			&e.ActorName,
			&e.TableName,
			&e.RowPK,
			&e.Column,
			&e.OldValue,
			&e.NewValue,
			&e.Action,
			&e.ClientAddress,
			&e.UserAgent,
			&e.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, database.MapError(fmt.Errorf("error iterating audit entries: %w", err))
	}
	return entries, nil
}
