package models

import "context"

// Actor is the authenticated identity behind a request.
type Actor struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	IsAdmin bool   `json:"is_admin"`
	CanEdit bool   `json:"can_edit"`
}

// MayEdit reports whether the actor may write cells. Admins always may.
func (a *Actor) MayEdit() bool {
	return a != nil && (a.IsAdmin || a.CanEdit)
}

// DisplayName returns the name, falling back to the id.
func (a *Actor) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

type actorKey struct{}

// WithActor returns a context carrying the authenticated actor.
func WithActor(ctx context.Context, a *Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, a)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (*Actor, bool) {
	a, ok := ctx.Value(actorKey{}).(*Actor)
	return a, ok && a != nil
}

// ActorIDFromContext returns the actor id, or "" when unauthenticated.
func ActorIDFromContext(ctx context.Context) string {
	if a, ok := ActorFromContext(ctx); ok {
		return a.ID
	}
	return ""
}
