package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditAction represents the type of mutation being audited.
const (
	AuditActionEdit = "edit"
	AuditActionUndo = "undo"
)

// ChangeRecord is an undoable cell change owned by one actor.
// Stored in data_changes; deleted when undone.
type ChangeRecord struct {
	ID        uuid.UUID `json:"id"`
	ActorID   string    `json:"actor_id"`
	TableName string    `json:"table"`
	RowPK     string    `json:"row_pk"`
	Column    string    `json:"column"`
	OldValue  *string   `json:"old_value"`
	NewValue  *string   `json:"new_value"`
	SessionID string    `json:"session_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is an append-only record of a committed edit or undo.
// Stored in change_logs.
type AuditEntry struct {
	ID            uuid.UUID `json:"id"`
	ActorID       string    `json:"actor_id"`
	ActorName     string    `json:"actor_name"`
	TableName     string    `json:"table"`
	RowPK         string    `json:"row_pk"`
	Column        string    `json:"column"`
	OldValue      *string   `json:"old_value"`
	NewValue      *string   `json:"new_value"`
	Action        string    `json:"action"` // 'edit', 'undo'
	ClientAddress *string   `json:"client_address,omitempty"`
	UserAgent     *string   `json:"user_agent,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SavedFilter is a named view request preset owned by one actor.
// Stored in saved_filters.
type SavedFilter struct {
	ID        uuid.UUID   `json:"id"`
	OwnerID   string      `json:"owner_id"`
	Name      string      `json:"name"`
	Request   ViewRequest `json:"request"`
	CreatedAt time.Time   `json:"created_at"`
}
