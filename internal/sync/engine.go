package sync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hybrid-sync-service/internal/backend"
	"hybrid-sync-service/internal/conn"
	"hybrid-sync-service/internal/logger"
	"hybrid-sync-service/internal/store"
)

// Engine drains the sync queue against whichever remote tier the connection
// manager currently selects, then pulls remote deltas back into local
// storage. Runs are single-flight: a trigger while a run is active is a
// no-op, not queued.
type Engine struct {
	conn        *conn.Manager
	local       *store.Persistence
	policy      Policy
	maxRetries  int
	entityTypes []string

	syncing atomic.Bool
	now     func() time.Time
}

func NewEngine(manager *conn.Manager, local *store.Persistence, policy Policy, maxRetries int, entityTypes []string) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{
		conn:        manager,
		local:       local,
		policy:      policy,
		maxRetries:  maxRetries,
		entityTypes: entityTypes,
		now:         time.Now,
	}
}

// EnableAutoSync triggers a run whenever the connection manager leaves the
// offline tier.
func (e *Engine) EnableAutoSync() {
	e.conn.Subscribe(func(old, new conn.State) {
		if old == conn.StateOffline && new != conn.StateOffline {
			go func() {
				if err := e.Sync(context.Background()); err != nil {
					logger.Log.Error("Auto-sync failed", zap.Error(err))
				}
			}()
		}
	})
}

// Syncing reports whether a run is in flight.
func (e *Engine) Syncing() bool {
	return e.syncing.Load()
}

// Status returns the persisted sync status record.
func (e *Engine) Status(ctx context.Context) (*store.SyncStatus, error) {
	return e.local.Status(ctx)
}

// Sync drains eligible queue items in creation order, then pulls remote
// changes. Item failures isolate: one bad item never blocks the rest.
// Returns nil without effect when a run is already active or no remote tier
// is reachable.
func (e *Engine) Sync(ctx context.Context) error {
	if !e.syncing.CompareAndSwap(false, true) {
		logger.Log.Debug("Sync already running, skipping trigger")
		return nil
	}
	defer e.syncing.Store(false)

	adapter, tier, ok := e.conn.Remote()
	if !ok {
		if e.conn.CheckHealth(ctx) == conn.StateOffline {
			logger.Log.Debug("No remote tier reachable, skipping sync")
			return nil
		}
		adapter, tier, ok = e.conn.Remote()
		if !ok {
			return nil
		}
	}

	logger.Log.Info("Starting sync", zap.String("tier", string(tier)))
	if err := e.local.UpdateStatus(ctx, func(s *store.SyncStatus) {
		s.SyncInProgress = true
		s.LastError = ""
	}); err != nil {
		return err
	}
	defer func() {
		_ = e.local.UpdateStatus(ctx, func(s *store.SyncStatus) {
			s.SyncInProgress = false
		})
	}()

	items, err := e.local.ListQueue(ctx)
	if err != nil {
		return err
	}

	// Items for the same entity must apply in creation order: once one
	// stays behind in the queue, everything after it for that entity
	// waits too. Otherwise a delete could drain ahead of its failed
	// create, and the create's later retry would resurrect the entity.
	var firstErr error
	blocked := make(map[string]bool)
	drained := 0
	for _, stale := range items {
		// Re-fetch: an earlier create in this pass may have rewritten
		// this item's entity id.
		item, err := e.local.GetQueueItem(ctx, stale.ID)
		if err != nil {
			continue
		}
		key := item.EntityType + "/" + item.EntityID
		if blocked[key] {
			continue
		}
		if !e.eligible(item) {
			blocked[key] = true
			continue
		}
		if err := e.processItem(ctx, adapter, item); err != nil {
			blocked[key] = true
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		drained++
	}

	if err := e.pullRemoteChanges(ctx, adapter); err != nil {
		logger.Log.Error("Remote pull failed", zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}

	if firstErr != nil {
		_ = e.local.UpdateStatus(ctx, func(s *store.SyncStatus) {
			s.LastError = firstErr.Error()
		})
	}
	logger.Log.Info("Sync finished",
		zap.Int("drained", drained),
		zap.Bool("clean", firstErr == nil),
	)
	return firstErr
}

func (e *Engine) eligible(item *store.QueueItem) bool {
	switch item.Status {
	case store.SyncPending:
		return true
	case store.SyncSyncing:
		// Single-flight means no other run owns this item; it was left
		// behind by a pass that died mid-flight. Pick it up again.
		return true
	case store.SyncFailed:
		return !item.NeedsResolution && item.RetryCount < e.maxRetries
	default:
		return false
	}
}

func (e *Engine) processItem(ctx context.Context, adapter backend.Adapter, item *store.QueueItem) error {
	item.Status = store.SyncSyncing
	if err := e.local.UpdateQueueItem(ctx, item); err != nil {
		return err
	}

	var err error
	switch item.Operation {
	case store.OpCreate:
		err = e.syncCreate(ctx, adapter, item)
	case store.OpUpdate:
		err = e.syncUpdate(ctx, adapter, item)
	case store.OpDelete:
		err = e.syncDelete(ctx, adapter, item)
	default:
		err = fmt.Errorf("unknown queue operation %q", item.Operation)
	}
	if err != nil {
		e.failItem(ctx, item, err)
	}
	return err
}

func (e *Engine) syncCreate(ctx context.Context, adapter backend.Adapter, item *store.QueueItem) error {
	data := make(map[string]any, len(item.Data)+1)
	for k, v := range item.Data {
		data[k] = v
	}
	// Offline ids are placeholders; leave them out so the server assigns
	// its own. A caller-chosen id travels with the payload.
	if !store.IsOfflineID(item.EntityID) {
		data["id"] = item.EntityID
	}

	remote, err := adapter.Create(ctx, item.EntityType, data)
	if err != nil {
		return err
	}

	if remote.ID != item.EntityID {
		if err := e.local.RewriteEntityID(ctx, item.EntityType, item.EntityID, remote.ID, remote.UpdatedAt); err != nil {
			return err
		}
		logger.Log.Debug("Rewrote offline id",
			zap.String("from", item.EntityID),
			zap.String("to", remote.ID),
		)
	}
	if err := e.local.PutLocal(ctx, item.EntityType, remote.ID, remote.Data, remote.UpdatedAt); err != nil {
		return err
	}
	return e.local.RemoveQueueItem(ctx, item.ID)
}

func (e *Engine) syncUpdate(ctx context.Context, adapter backend.Adapter, item *store.QueueItem) error {
	current, err := adapter.Get(ctx, item.EntityType, item.EntityID)
	if err != nil {
		return err
	}

	if current.UpdatedAt.After(item.LastModified) {
		return e.resolveConflict(ctx, adapter, item, current)
	}

	remote, err := adapter.Update(ctx, item.EntityType, item.EntityID, item.Data)
	if err != nil {
		return err
	}
	if err := e.local.PutLocal(ctx, item.EntityType, remote.ID, remote.Data, remote.UpdatedAt); err != nil {
		return err
	}
	return e.local.RemoveQueueItem(ctx, item.ID)
}

// syncDelete submits the remote delete. A not-found answer means someone
// else deleted it first, which is success. The local copy is dropped again
// here: draining the entity's earlier create in the same pass mirrors the
// server's record back into local storage.
func (e *Engine) syncDelete(ctx context.Context, adapter backend.Adapter, item *store.QueueItem) error {
	if err := adapter.Delete(ctx, item.EntityType, item.EntityID); err != nil && !backend.IsNotFound(err) {
		return err
	}
	if err := e.local.RemoveLocal(ctx, item.EntityType, item.EntityID); err != nil {
		return err
	}
	return e.local.RemoveQueueItem(ctx, item.ID)
}

// resolveConflict applies the configured policy to a local update whose
// target changed on the server since the patch was written.
func (e *Engine) resolveConflict(ctx context.Context, adapter backend.Adapter, item *store.QueueItem, current *backend.Entity) error {
	logger.Log.Info("Conflict detected",
		zap.String("type", item.EntityType),
		zap.String("id", item.EntityID),
		zap.String("policy", string(e.policy)),
	)

	switch e.policy {
	case PolicyClientWins:
		remote, err := adapter.Update(ctx, item.EntityType, item.EntityID, item.Data)
		if err != nil {
			return err
		}
		if err := e.local.PutLocal(ctx, item.EntityType, remote.ID, remote.Data, remote.UpdatedAt); err != nil {
			return err
		}
		return e.local.RemoveQueueItem(ctx, item.ID)

	case PolicyServerWins:
		if err := e.local.PutLocal(ctx, item.EntityType, current.ID, current.Data, current.UpdatedAt); err != nil {
			return err
		}
		return e.local.RemoveQueueItem(ctx, item.ID)

	default: // PolicyManual
		if err := e.local.AddConflict(ctx, newConflictRecord(item, current.Data, e.now().UTC())); err != nil {
			return err
		}
		item.Status = store.SyncFailed
		item.LastError = "manual conflict resolution required"
		item.NeedsResolution = true
		return e.local.UpdateQueueItem(ctx, item)
	}
}

// ResolveManualConflict settles a parked conflict. choice is "local" (force
// the local patch onto the server) or "remote" (adopt the server's current
// copy and drop the local patch).
func (e *Engine) ResolveManualConflict(ctx context.Context, conflictID, choice string) error {
	conflict, err := e.local.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Resolved {
		return fmt.Errorf("conflict %s already resolved", conflictID)
	}

	adapter, _, ok := e.conn.Remote()
	if !ok {
		return fmt.Errorf("cannot resolve conflict %s while offline", conflictID)
	}

	switch choice {
	case "local":
		remote, err := adapter.Update(ctx, conflict.EntityType, conflict.EntityID, conflict.LocalData)
		if err != nil {
			return err
		}
		if err := e.local.PutLocal(ctx, conflict.EntityType, remote.ID, remote.Data, remote.UpdatedAt); err != nil {
			return err
		}
	case "remote":
		current, err := adapter.Get(ctx, conflict.EntityType, conflict.EntityID)
		if err != nil {
			return err
		}
		if err := e.local.PutLocal(ctx, conflict.EntityType, current.ID, current.Data, current.UpdatedAt); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown resolution choice %q", choice)
	}

	if conflict.QueueItemID != "" {
		if err := e.local.RemoveQueueItem(ctx, conflict.QueueItemID); err != nil {
			return err
		}
	}
	return e.local.ResolveConflict(ctx, conflictID, choice)
}

// pullRemoteChanges overwrites local copies with any remote record modified
// since the last successful sync, newest timestamp wins. The last-sync mark
// only advances after a fully clean pass.
func (e *Engine) pullRemoteChanges(ctx context.Context, adapter backend.Adapter) error {
	status, err := e.local.Status(ctx)
	if err != nil {
		return err
	}
	passStart := e.now().UTC()

	for _, entityType := range e.entityTypes {
		remotes, err := adapter.Query(ctx, entityType, backend.Filter{UpdatedAfter: status.LastSync})
		if err != nil {
			return fmt.Errorf("pull %s: %w", entityType, err)
		}
		applied := 0
		for _, remote := range remotes {
			rec, err := e.local.GetEntity(ctx, entityType, remote.ID)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if rec != nil && !remote.UpdatedAt.After(rec.LastModified) {
				continue
			}
			if err := e.local.PutLocal(ctx, entityType, remote.ID, remote.Data, remote.UpdatedAt); err != nil {
				return err
			}
			applied++
		}
		// Cached reads tagged with this type are stale now.
		if applied > 0 {
			if _, err := e.local.CachePurgeType(ctx, entityType); err != nil {
				return err
			}
		}
	}

	return e.local.UpdateStatus(ctx, func(s *store.SyncStatus) {
		s.LastSync = passStart
	})
}

// failItem books a failed attempt. Validation rejections exhaust the retry
// budget immediately: resending the same payload cannot succeed.
func (e *Engine) failItem(ctx context.Context, item *store.QueueItem, cause error) {
	item.Status = store.SyncFailed
	item.RetryCount++
	item.LastError = cause.Error()
	if backend.IsValidation(cause) {
		item.RetryCount = e.maxRetries
	}
	if err := e.local.UpdateQueueItem(ctx, item); err != nil {
		logger.Log.Error("Failed to record queue item failure", zap.Error(err))
	}
	logger.Log.Warn("Queue item failed",
		zap.String("item", item.ID),
		zap.Int("retries", item.RetryCount),
		zap.Error(cause),
	)
}
