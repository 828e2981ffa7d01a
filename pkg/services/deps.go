package services

import (
	"context"

	"github.com/ekaya-inc/casegrid/pkg/apperrors"
	"github.com/ekaya-inc/casegrid/pkg/broadcast"
	"github.com/ekaya-inc/casegrid/pkg/cache"
	"github.com/ekaya-inc/casegrid/pkg/models"
	"github.com/ekaya-inc/casegrid/pkg/schema"
)

// SchemaSource serves descriptor snapshots of the primary table.
// *schema.Reflector implements it.
type SchemaSource interface {
	Table() string
	Snapshot() (*schema.Snapshot, error)
	Refresh(ctx context.Context) error
}

// PageCache is the read-through response cache. *cache.ReadThrough implements it.
type PageCache interface {
	Get(ctx context.Context, fp models.Fingerprint, compute cache.ComputeFunc) (*cache.CachedPage, bool, error)
	Invalidate(ctx context.Context, table string) error
}

// EventPublisher fans out committed mutations. *broadcast.Broadcaster implements it.
type EventPublisher interface {
	Publish(ev broadcast.Event) int
}

var (
	_ SchemaSource   = (*schema.Reflector)(nil)
	_ PageCache      = (*cache.ReadThrough)(nil)
	_ EventPublisher = (*broadcast.Broadcaster)(nil)
)

// resolveTable maps a client-supplied table name to the primary table.
// An empty name means the primary table; any other table is NotFound.
func resolveTable(src SchemaSource, name string) (string, error) {
	primary := src.Table()
	if name == "" || models.NormalizeTableName(name) == models.NormalizeTableName(primary) {
		return primary, nil
	}
	return "", apperrors.NotFound("table %q not found", name)
}

func requireActor(actor *models.Actor) error {
	if actor == nil || actor.ID == "" {
		return apperrors.Unauthenticated("authentication required")
	}
	return nil
}

func requireAdmin(actor *models.Actor) error {
	if err := requireActor(actor); err != nil {
		return err
	}
	if !actor.IsAdmin {
		return apperrors.Forbidden("administrator role required")
	}
	return nil
}
