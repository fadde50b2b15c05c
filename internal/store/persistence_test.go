package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPersistence(t *testing.T) *Persistence {
	t.Helper()
	return NewPersistence(NewMemoryStorage())
}

func TestSaveEntity_DurableWithQueueItem(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, OpCreate)
	require.NoError(t, err)
	require.NotEmpty(t, rec.ID)
	assert.True(t, IsOfflineID(rec.ID), "offline write should get an offline id")
	assert.Equal(t, SyncPending, rec.SyncStatus)
	assert.Equal(t, OpCreate, rec.Operation)

	got, err := p.GetEntity(ctx, "tasks", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", got.Data["name"])

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, OpCreate, items[0].Operation)
	assert.Equal(t, rec.ID, items[0].EntityID)
	assert.Equal(t, SyncPending, items[0].Status)
	assert.Equal(t, 0, items[0].RetryCount)

	status, err := p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.PendingChanges)
}

func TestSaveEntity_ReadDoesNotQueue(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"id": "t1", "name": "A"}, OpRead)
	require.NoError(t, err)
	assert.Equal(t, "t1", rec.ID)
	assert.Equal(t, SyncSynced, rec.SyncStatus)

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSaveEntity_KeepsCallerID(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"id": "t42", "name": "A"}, OpCreate)
	require.NoError(t, err)
	assert.Equal(t, "t42", rec.ID)
	_, ok := rec.Data["id"]
	assert.False(t, ok, "id must not leak into domain fields")
}

func TestGetEntity_NotFound(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	_, err := p.GetEntity(ctx, "tasks", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateEntity_MergesAndQueues(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A", "done": false}, OpCreate)
	require.NoError(t, err)

	updated, err := p.UpdateEntity(ctx, "tasks", rec.ID, map[string]any{"name": "B"})
	require.NoError(t, err)
	assert.Equal(t, "B", updated.Data["name"])
	assert.Equal(t, false, updated.Data["done"])
	assert.Equal(t, OpUpdate, updated.Operation)

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, OpCreate, items[0].Operation)
	assert.Equal(t, OpUpdate, items[1].Operation)
}

func TestDeleteEntity_ImmediateRemovalQueuedRemoteDelete(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, OpCreate)
	require.NoError(t, err)

	require.NoError(t, p.DeleteEntity(ctx, "tasks", rec.ID))

	_, err = p.GetEntity(ctx, "tasks", rec.ID)
	assert.ErrorIs(t, err, ErrNotFound, "delete removes the local copy immediately")

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, OpDelete, items[1].Operation)
	assert.Nil(t, items[1].Data, "queued delete carries no payload")
}

func TestDeleteEntity_Missing(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)
	assert.ErrorIs(t, p.DeleteEntity(ctx, "tasks", "nope"), ErrNotFound)
}

func TestQueueOrdering_CreationOrder(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	p.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	first, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, OpCreate)
	require.NoError(t, err)
	_, err = p.UpdateEntity(ctx, "tasks", first.ID, map[string]any{"name": "B"})
	require.NoError(t, err)
	_, err = p.SaveEntity(ctx, "notes", map[string]any{"body": "x"}, OpCreate)
	require.NoError(t, err)

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, OpCreate, items[0].Operation)
	assert.Equal(t, first.ID, items[0].EntityID)
	assert.Equal(t, OpUpdate, items[1].Operation)
	assert.Equal(t, first.ID, items[1].EntityID)
	assert.Equal(t, "notes", items[2].EntityType)
}

func TestQueryEntities(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	for _, item := range []map[string]any{
		{"id": "1", "name": "alpha", "group": "a"},
		{"id": "2", "name": "beta", "group": "b"},
		{"id": "3", "name": "gamma", "group": "a"},
		{"id": "4", "name": "delta", "group": "a"},
	} {
		_, err := p.SaveEntity(ctx, "tasks", item, OpRead)
		require.NoError(t, err)
	}

	t.Run("where equality", func(t *testing.T) {
		recs, err := p.QueryEntities(ctx, "tasks", Query{Where: map[string]any{"group": "a"}})
		require.NoError(t, err)
		assert.Len(t, recs, 3)
	})

	t.Run("predicate", func(t *testing.T) {
		recs, err := p.QueryEntities(ctx, "tasks", Query{
			Predicate: func(data map[string]any) bool { return data["name"] == "beta" },
		})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "2", recs[0].ID)
	})

	t.Run("sort and paging", func(t *testing.T) {
		recs, err := p.QueryEntities(ctx, "tasks", Query{SortBy: "name", Limit: 2, Offset: 1})
		require.NoError(t, err)
		require.Len(t, recs, 2)
		assert.Equal(t, "beta", recs[0].Data["name"])
		assert.Equal(t, "delta", recs[1].Data["name"])
	})

	t.Run("sort descending", func(t *testing.T) {
		recs, err := p.QueryEntities(ctx, "tasks", Query{SortBy: "name", SortDesc: true, Limit: 1})
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, "gamma", recs[0].Data["name"])
	})

	t.Run("offset past end", func(t *testing.T) {
		recs, err := p.QueryEntities(ctx, "tasks", Query{Offset: 10})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})
}

func TestRewriteEntityID(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, OpCreate)
	require.NoError(t, err)
	_, err = p.UpdateEntity(ctx, "tasks", rec.ID, map[string]any{"name": "B"})
	require.NoError(t, err)

	asOf := time.Now().UTC().Add(time.Minute)
	require.NoError(t, p.RewriteEntityID(ctx, "tasks", rec.ID, "srv-9", asOf))

	_, err = p.GetEntity(ctx, "tasks", rec.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	got, err := p.GetEntity(ctx, "tasks", "srv-9")
	require.NoError(t, err)
	assert.Equal(t, "B", got.Data["name"])

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, "srv-9", item.EntityID, "queued items follow the rename")
		assert.True(t, item.LastModified.Equal(asOf), "queued items re-base to the server timestamp")
	}
}

func TestRewriteEntityID_RecordAlreadyDeleted(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	rec, err := p.SaveEntity(ctx, "tasks", map[string]any{"name": "A"}, OpCreate)
	require.NoError(t, err)
	require.NoError(t, p.DeleteEntity(ctx, "tasks", rec.ID))

	// The record is gone but its delete still sits in the queue; the
	// rename must reach it so the delete targets the server's id.
	require.NoError(t, p.RewriteEntityID(ctx, "tasks", rec.ID, "srv-9", time.Now().UTC()))

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, "srv-9", item.EntityID)
	}
}

func TestPutLocal_NoQueueItem(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, p.PutLocal(ctx, "tasks", "t1", map[string]any{"name": "A"}, ts))

	rec, err := p.GetEntity(ctx, "tasks", "t1")
	require.NoError(t, err)
	assert.Equal(t, SyncSynced, rec.SyncStatus)
	assert.True(t, rec.LastModified.Equal(ts))

	items, err := p.ListQueue(ctx)
	require.NoError(t, err)
	assert.Empty(t, items, "mirror writes never queue")
}

func TestCache_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	entry := &CacheEntry{
		Key:       "k1",
		Data:      []byte(`{"v":1}`),
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
	}
	require.NoError(t, p.CachePut(ctx, entry))

	got, err := p.CacheGet(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, got)

	now = now.Add(2 * time.Minute)
	got, err = p.CacheGet(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, got, "expired entry reads as absent")

	// The lazy purge removed it; a sweep finds nothing left.
	removed, err := p.CacheSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestCacheSweep(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	for i, ttl := range []time.Duration{time.Minute, time.Hour, time.Second} {
		require.NoError(t, p.CachePut(ctx, &CacheEntry{
			Key:       string(rune('a' + i)),
			Data:      []byte(`1`),
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}))
	}

	now = now.Add(10 * time.Minute)
	removed, err := p.CacheSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := p.CacheGet(ctx, "b")
	require.NoError(t, err)
	assert.NotNil(t, got, "unexpired entry survives the sweep")
}

func TestCachePurgeType(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	now := time.Now().UTC()
	for key, entityType := range map[string]string{
		"tasks:all":  "tasks",
		"tasks:open": "tasks",
		"notes:all":  "notes",
		"misc":       "",
	} {
		require.NoError(t, p.CachePut(ctx, &CacheEntry{
			Key:        key,
			Data:       []byte(`1`),
			CreatedAt:  now,
			ExpiresAt:  now.Add(time.Hour),
			EntityType: entityType,
		}))
	}

	removed, err := p.CachePurgeType(ctx, "tasks")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := p.CacheGet(ctx, "notes:all")
	require.NoError(t, err)
	assert.NotNil(t, got, "other types survive the purge")
	got, err = p.CacheGet(ctx, "tasks:all")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestConflictLifecycle(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistence(t)

	conflict := &ConflictRecord{
		ID:         "c1",
		EntityType: "tasks",
		EntityID:   "t1",
		LocalData:  map[string]any{"name": "B"},
		RemoteData: map[string]any{"name": "C"},
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, p.AddConflict(ctx, conflict))

	open, err := p.ListConflicts(ctx, false)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, p.ResolveConflict(ctx, "c1", "remote"))

	open, err = p.ListConflicts(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, open)

	resolved, err := p.ListConflicts(ctx, true)
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, "remote", resolved[0].Resolution)
}

func TestOfflineIDFormat(t *testing.T) {
	id := NewOfflineID()
	assert.True(t, IsOfflineID(id))
	assert.NotEqual(t, id, NewOfflineID(), "ids are never reused")
	assert.False(t, IsOfflineID("srv-1"))
}
