package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

func newQueueID() string {
	return uuid.New().String()
}

// ErrNotFound is returned when a requested entity, queue item, or conflict
// does not exist locally. The offline adapter maps it onto the adapter
// error taxonomy.
var ErrNotFound = errors.New("not found")

const (
	queueCollection    = "sync_queue"
	statusCollection   = "sync_status"
	cacheCollection    = "cache"
	conflictCollection = "conflicts"

	statusKey = "status"
)

func entityCollection(entityType string) string {
	return "entity:" + entityType
}

// Query narrows a local entity scan. Predicate runs after the equality
// constraints; paging applies after sorting.
type Query struct {
	Predicate    func(data map[string]any) bool
	Where        map[string]any
	UpdatedAfter time.Time
	SortBy       string
	SortDesc     bool
	Limit        int
	Offset       int
}

// Persistence is the sole owner of local state: entity collections, the
// sync queue, the sync status record, cached values, and the manual
// conflict backlog. Every mutation is a serialized read-modify-write cycle
// over one collection snapshot, so interleaved async callers cannot lose
// updates.
type Persistence struct {
	mu      sync.Mutex
	storage Storage
	now     func() time.Time
}

func NewPersistence(storage Storage) *Persistence {
	return &Persistence{storage: storage, now: time.Now}
}

func (p *Persistence) Close() error {
	return p.storage.Close()
}

// SaveEntity upserts an entity, stamping sync metadata, and appends a sync
// queue item unless the operation is a read. A missing id gets an offline id.
func (p *Persistence) SaveEntity(ctx context.Context, entityType string, data map[string]any, op Operation) (*EntityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, _ := data["id"].(string)
	if id == "" {
		id = NewOfflineID()
	}
	fields := make(map[string]any, len(data))
	for k, v := range data {
		if k != "id" {
			fields[k] = v
		}
	}

	rec := &EntityRecord{
		ID:           id,
		Data:         fields,
		SyncStatus:   SyncPending,
		LastModified: p.now().UTC(),
		Operation:    op,
	}
	if op == OpRead {
		rec.SyncStatus = SyncSynced
	}

	if err := p.putRecord(ctx, entityType, rec); err != nil {
		return nil, err
	}
	if op != OpRead {
		if err := p.enqueue(ctx, entityType, rec.ID, op, fields, rec.LastModified); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// GetEntity returns the stored record. Callers outside the sync engine see
// it converted to a plain entity, which drops the bookkeeping fields.
func (p *Persistence) GetEntity(ctx context.Context, entityType, id string) (*EntityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getRecord(ctx, entityType, id)
}

// QueryEntities filters the collection snapshot. Pure read, no side effects.
func (p *Persistence) QueryEntities(ctx context.Context, entityType string, q Query) ([]*EntityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, entityCollection(entityType))
	if err != nil {
		return nil, err
	}

	var out []*EntityRecord
	for _, raw := range docs {
		var rec EntityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("corrupt record in %s: %w", entityType, err)
		}
		if !q.matches(&rec) {
			continue
		}
		out = append(out, &rec)
	}

	if q.SortBy != "" {
		sortBy, desc := q.SortBy, q.SortDesc
		sort.SliceStable(out, func(i, j int) bool {
			less := fmt.Sprintf("%v", out[i].Data[sortBy]) < fmt.Sprintf("%v", out[j].Data[sortBy])
			if desc {
				return !less
			}
			return less
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	}

	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (q Query) matches(rec *EntityRecord) bool {
	for k, want := range q.Where {
		if rec.Data[k] != want {
			return false
		}
	}
	if !q.UpdatedAfter.IsZero() && !rec.LastModified.After(q.UpdatedAfter) {
		return false
	}
	if q.Predicate != nil && !q.Predicate(rec.Data) {
		return false
	}
	return true
}

// UpdateEntity merges the patch into the stored record, restamps metadata,
// and queues the update.
func (p *Persistence) UpdateEntity(ctx context.Context, entityType, id string, patch map[string]any) (*EntityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.getRecord(ctx, entityType, id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		if k != "id" {
			rec.Data[k] = v
		}
	}
	rec.SyncStatus = SyncPending
	rec.LastModified = p.now().UTC()
	rec.Operation = OpUpdate

	if err := p.putRecord(ctx, entityType, rec); err != nil {
		return nil, err
	}
	if err := p.enqueue(ctx, entityType, id, OpUpdate, patch, rec.LastModified); err != nil {
		return nil, err
	}
	return rec, nil
}

// DeleteEntity removes the entity immediately and queues a remote delete.
// The remote side treats not-found as success, so the queue item carries no
// payload.
func (p *Persistence) DeleteEntity(ctx context.Context, entityType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	coll := entityCollection(entityType)
	docs, err := p.storage.Read(ctx, coll)
	if err != nil {
		return err
	}
	if _, ok := docs[id]; !ok {
		return ErrNotFound
	}
	delete(docs, id)
	if err := p.storage.Write(ctx, coll, docs); err != nil {
		return err
	}
	return p.enqueue(ctx, entityType, id, OpDelete, nil, p.now().UTC())
}

// PutLocal mirrors a confirmed remote entity into local storage without
// queueing. Used after successful non-offline operations and by the sync
// engine when applying remote state.
func (p *Persistence) PutLocal(ctx context.Context, entityType, id string, data map[string]any, updatedAt time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.putRecord(ctx, entityType, &EntityRecord{
		ID:           id,
		Data:         data,
		SyncStatus:   SyncSynced,
		LastModified: updatedAt,
		Operation:    OpRead,
	})
}

// RemoveLocal drops a local copy without queueing.
func (p *Persistence) RemoveLocal(ctx context.Context, entityType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	coll := entityCollection(entityType)
	docs, err := p.storage.Read(ctx, coll)
	if err != nil {
		return err
	}
	delete(docs, id)
	return p.storage.Write(ctx, coll, docs)
}

// MarkEntitySynced flips a record's sync state after the queue drained it.
func (p *Persistence) MarkEntitySynced(ctx context.Context, entityType, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	rec, err := p.getRecord(ctx, entityType, id)
	if err != nil {
		return err
	}
	rec.SyncStatus = SyncSynced
	return p.putRecord(ctx, entityType, rec)
}

// RewriteEntityID re-keys an entity after the server assigned a new id on
// create, and rewrites any queued items still referencing the old id so
// per-entity ordering survives the rename. The record itself may already be
// gone (deleted while its create was still queued); the queued items get
// the rename regardless, so a pending delete reaches the server under the
// server's id. Dependent items are re-based to asOf, the server timestamp
// of the create: their payloads build on exactly the state that create
// pushed, so the server moving to asOf is not a conflict for them.
func (p *Persistence) RewriteEntityID(ctx context.Context, entityType, oldID, newID string, asOf time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	coll := entityCollection(entityType)
	docs, err := p.storage.Read(ctx, coll)
	if err != nil {
		return err
	}
	if raw, ok := docs[oldID]; ok {
		var rec EntityRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("corrupt record %s/%s: %w", entityType, oldID, err)
		}
		rec.ID = newID
		buf, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		delete(docs, oldID)
		docs[newID] = buf
		if err := p.storage.Write(ctx, coll, docs); err != nil {
			return err
		}
	}

	items, err := p.readQueue(ctx)
	if err != nil {
		return err
	}
	changed := false
	for _, item := range items {
		if item.EntityType == entityType && item.EntityID == oldID {
			item.EntityID = newID
			if item.LastModified.Before(asOf) {
				item.LastModified = asOf
			}
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return p.writeQueue(ctx, items)
}

// --- sync queue ---

// AddToSyncQueue appends an item with pending status and a fresh retry
// budget, then refreshes the pending-changes counter.
func (p *Persistence) AddToSyncQueue(ctx context.Context, item *QueueItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addQueueItem(ctx, item)
}

func (p *Persistence) ListQueue(ctx context.Context) ([]*QueueItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readQueue(ctx)
}

func (p *Persistence) GetQueueItem(ctx context.Context, id string) (*QueueItem, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.readQueue(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return nil, ErrNotFound
}

func (p *Persistence) UpdateQueueItem(ctx context.Context, item *QueueItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.readQueue(ctx)
	if err != nil {
		return err
	}
	found := false
	for i, existing := range items {
		if existing.ID == item.ID {
			items[i] = item
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	return p.writeQueue(ctx, items)
}

// RemoveQueueItem drops a drained item and refreshes the pending counter.
func (p *Persistence) RemoveQueueItem(ctx context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	items, err := p.readQueue(ctx)
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, item := range items {
		if item.ID != id {
			kept = append(kept, item)
		}
	}
	return p.writeQueue(ctx, kept)
}

// --- sync status ---

func (p *Persistence) Status(ctx context.Context) (*SyncStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readStatus(ctx)
}

// UpdateStatus applies fn to the status record and persists the result.
func (p *Persistence) UpdateStatus(ctx context.Context, fn func(*SyncStatus)) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	status, err := p.readStatus(ctx)
	if err != nil {
		return err
	}
	fn(status)
	return p.writeStatus(ctx, status)
}

// --- cache ---

// CacheGet returns the entry for key, or nil if absent. Expired entries are
// purged on the spot and read as absent.
func (p *Persistence) CacheGet(ctx context.Context, key string) (*CacheEntry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, cacheCollection)
	if err != nil {
		return nil, err
	}
	raw, ok := docs[key]
	if !ok {
		return nil, nil
	}
	var entry CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", key, err)
	}
	if entry.Expired(p.now()) {
		delete(docs, key)
		if err := p.storage.Write(ctx, cacheCollection, docs); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &entry, nil
}

func (p *Persistence) CachePut(ctx context.Context, entry *CacheEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, cacheCollection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	docs[entry.Key] = raw
	return p.storage.Write(ctx, cacheCollection, docs)
}

// CachePurgeType drops every entry tagged with the given entity type.
// Remote pulls call this so cached reads never outlive the data underneath.
func (p *Persistence) CachePurgeType(ctx context.Context, entityType string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, cacheCollection)
	if err != nil {
		return 0, err
	}
	removed := 0
	for key, raw := range docs {
		var entry CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return 0, fmt.Errorf("corrupt cache entry %s: %w", key, err)
		}
		if entry.EntityType == entityType {
			delete(docs, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, p.storage.Write(ctx, cacheCollection, docs)
}

// CacheSweep removes every expired entry and reports how many went.
func (p *Persistence) CacheSweep(ctx context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, cacheCollection)
	if err != nil {
		return 0, err
	}
	removed := 0
	now := p.now()
	for key, raw := range docs {
		var entry CacheEntry
		if err := json.Unmarshal(raw, &entry); err != nil || entry.Expired(now) {
			delete(docs, key)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, p.storage.Write(ctx, cacheCollection, docs)
}

// --- conflicts ---

func (p *Persistence) AddConflict(ctx context.Context, conflict *ConflictRecord) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, conflictCollection)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(conflict)
	if err != nil {
		return err
	}
	docs[conflict.ID] = raw
	return p.storage.Write(ctx, conflictCollection, docs)
}

func (p *Persistence) GetConflict(ctx context.Context, id string) (*ConflictRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, conflictCollection)
	if err != nil {
		return nil, err
	}
	raw, ok := docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	var conflict ConflictRecord
	if err := json.Unmarshal(raw, &conflict); err != nil {
		return nil, fmt.Errorf("corrupt conflict %s: %w", id, err)
	}
	return &conflict, nil
}

func (p *Persistence) ListConflicts(ctx context.Context, resolved bool) ([]*ConflictRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, conflictCollection)
	if err != nil {
		return nil, err
	}
	var out []*ConflictRecord
	for id, raw := range docs {
		var conflict ConflictRecord
		if err := json.Unmarshal(raw, &conflict); err != nil {
			return nil, fmt.Errorf("corrupt conflict %s: %w", id, err)
		}
		if conflict.Resolved == resolved {
			out = append(out, &conflict)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (p *Persistence) ResolveConflict(ctx context.Context, id, resolution string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	docs, err := p.storage.Read(ctx, conflictCollection)
	if err != nil {
		return err
	}
	raw, ok := docs[id]
	if !ok {
		return ErrNotFound
	}
	var conflict ConflictRecord
	if err := json.Unmarshal(raw, &conflict); err != nil {
		return fmt.Errorf("corrupt conflict %s: %w", id, err)
	}
	conflict.Resolved = true
	conflict.Resolution = resolution
	conflict.ResolvedAt = p.now().UTC()
	buf, err := json.Marshal(&conflict)
	if err != nil {
		return err
	}
	docs[id] = buf
	return p.storage.Write(ctx, conflictCollection, docs)
}

// --- internals (callers hold p.mu) ---

func (p *Persistence) getRecord(ctx context.Context, entityType, id string) (*EntityRecord, error) {
	docs, err := p.storage.Read(ctx, entityCollection(entityType))
	if err != nil {
		return nil, err
	}
	raw, ok := docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	var rec EntityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("corrupt record %s/%s: %w", entityType, id, err)
	}
	return &rec, nil
}

func (p *Persistence) putRecord(ctx context.Context, entityType string, rec *EntityRecord) error {
	coll := entityCollection(entityType)
	docs, err := p.storage.Read(ctx, coll)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	docs[rec.ID] = raw
	return p.storage.Write(ctx, coll, docs)
}

func (p *Persistence) enqueue(ctx context.Context, entityType, entityID string, op Operation, data map[string]any, lastModified time.Time) error {
	return p.addQueueItem(ctx, &QueueItem{
		EntityType:   entityType,
		EntityID:     entityID,
		Operation:    op,
		Data:         data,
		LastModified: lastModified,
	})
}

func (p *Persistence) addQueueItem(ctx context.Context, item *QueueItem) error {
	if item.ID == "" {
		item.ID = newQueueID()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = p.now().UTC()
	}
	item.Status = SyncPending
	item.RetryCount = 0

	items, err := p.readQueue(ctx)
	if err != nil {
		return err
	}
	items = append(items, item)
	return p.writeQueue(ctx, items)
}

func (p *Persistence) readQueue(ctx context.Context) ([]*QueueItem, error) {
	docs, err := p.storage.Read(ctx, queueCollection)
	if err != nil {
		return nil, err
	}
	items := make([]*QueueItem, 0, len(docs))
	for id, raw := range docs {
		var item QueueItem
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, fmt.Errorf("corrupt queue item %s: %w", id, err)
		}
		items = append(items, &item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

// writeQueue persists the queue and keeps the pending counter in step.
func (p *Persistence) writeQueue(ctx context.Context, items []*QueueItem) error {
	docs := make(map[string][]byte, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return err
		}
		docs[item.ID] = raw
	}
	if err := p.storage.Write(ctx, queueCollection, docs); err != nil {
		return err
	}

	status, err := p.readStatus(ctx)
	if err != nil {
		return err
	}
	status.PendingChanges = len(items)
	return p.writeStatus(ctx, status)
}

func (p *Persistence) readStatus(ctx context.Context) (*SyncStatus, error) {
	docs, err := p.storage.Read(ctx, statusCollection)
	if err != nil {
		return nil, err
	}
	raw, ok := docs[statusKey]
	if !ok {
		return &SyncStatus{}, nil
	}
	var status SyncStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return nil, fmt.Errorf("corrupt sync status: %w", err)
	}
	return &status, nil
}

func (p *Persistence) writeStatus(ctx context.Context, status *SyncStatus) error {
	raw, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return p.storage.Write(ctx, statusCollection, map[string][]byte{statusKey: raw})
}
