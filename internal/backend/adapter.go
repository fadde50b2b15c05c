package backend

import (
	"context"
	"time"
)

// Entity is the unit of data exchanged with every backend tier. Data holds
// the domain fields; sync bookkeeping never leaves the persistence layer.
type Entity struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Filter narrows a Query call. Zero values mean "no constraint".
type Filter struct {
	Where        map[string]any
	UpdatedAfter time.Time
	SortBy       string
	SortDesc     bool
	Limit        int
	Offset       int
}

// Adapter is the uniform contract every tier implements. Methods return a
// value or one of the typed errors in this package; HealthCheck must respect
// the deadline on its context and never block past it.
type Adapter interface {
	Name() string
	HealthCheck(ctx context.Context) error
	Get(ctx context.Context, entityType, id string) (*Entity, error)
	Query(ctx context.Context, entityType string, filter Filter) ([]*Entity, error)
	Create(ctx context.Context, entityType string, data map[string]any) (*Entity, error)
	Update(ctx context.Context, entityType, id string, patch map[string]any) (*Entity, error)
	Delete(ctx context.Context, entityType, id string) error
}

// Matches reports whether the entity satisfies every equality constraint.
func (f Filter) Matches(e *Entity) bool {
	for k, want := range f.Where {
		if e.Data[k] != want {
			return false
		}
	}
	if !f.UpdatedAfter.IsZero() && !e.UpdatedAt.After(f.UpdatedAfter) {
		return false
	}
	return true
}
