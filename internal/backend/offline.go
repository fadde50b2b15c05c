package backend

import (
	"context"
	"errors"

	"hybrid-sync-service/internal/store"
)

// OfflineAdapter serves the lowest tier from local storage. Its health check
// never fails; writes go through the persistence layer's queueing path, so
// anything written here is durable and will drain on the next sync.
type OfflineAdapter struct {
	local *store.Persistence
}

func NewOfflineAdapter(local *store.Persistence) *OfflineAdapter {
	return &OfflineAdapter{local: local}
}

func (a *OfflineAdapter) Name() string { return "offline" }

func (a *OfflineAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

func (a *OfflineAdapter) Get(ctx context.Context, entityType, id string) (*Entity, error) {
	rec, err := a.local.GetEntity(ctx, entityType, id)
	if err != nil {
		return nil, a.mapErr(err, entityType, id)
	}
	return recordToEntity(entityType, rec), nil
}

func (a *OfflineAdapter) Query(ctx context.Context, entityType string, filter Filter) ([]*Entity, error) {
	recs, err := a.local.QueryEntities(ctx, entityType, store.Query{
		Where:        filter.Where,
		UpdatedAfter: filter.UpdatedAfter,
		SortBy:       filter.SortBy,
		SortDesc:     filter.SortDesc,
		Limit:        filter.Limit,
		Offset:       filter.Offset,
	})
	if err != nil {
		return nil, a.mapErr(err, entityType, "")
	}
	out := make([]*Entity, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordToEntity(entityType, rec))
	}
	return out, nil
}

func (a *OfflineAdapter) Create(ctx context.Context, entityType string, data map[string]any) (*Entity, error) {
	if entityType == "" {
		return nil, &ValidationError{Message: "entity type is required"}
	}
	rec, err := a.local.SaveEntity(ctx, entityType, data, store.OpCreate)
	if err != nil {
		return nil, a.mapErr(err, entityType, "")
	}
	return recordToEntity(entityType, rec), nil
}

func (a *OfflineAdapter) Update(ctx context.Context, entityType, id string, patch map[string]any) (*Entity, error) {
	rec, err := a.local.UpdateEntity(ctx, entityType, id, patch)
	if err != nil {
		return nil, a.mapErr(err, entityType, id)
	}
	return recordToEntity(entityType, rec), nil
}

func (a *OfflineAdapter) Delete(ctx context.Context, entityType, id string) error {
	if err := a.local.DeleteEntity(ctx, entityType, id); err != nil {
		return a.mapErr(err, entityType, id)
	}
	return nil
}

func (a *OfflineAdapter) mapErr(err error, entityType, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return &NotFoundError{EntityType: entityType, ID: id}
	}
	return &NetworkError{Op: "offline", Message: "local storage failure", Err: err}
}

// recordToEntity strips the sync bookkeeping; callers only ever see id,
// domain fields, and the modification timestamp.
func recordToEntity(entityType string, rec *store.EntityRecord) *Entity {
	return &Entity{
		ID:        rec.ID,
		Type:      entityType,
		Data:      rec.Data,
		UpdatedAt: rec.LastModified,
	}
}
