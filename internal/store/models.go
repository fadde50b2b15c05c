package store

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SyncState tracks how far a local record or queue item has progressed
// toward the remote backend.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSyncing SyncState = "syncing"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// Operation is the logical mutation kind carried by writes and queue items.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
	OpRead   Operation = "read"
)

// EntityRecord is the stored form of an entity. The underscore-prefixed
// fields are sync bookkeeping and are stripped before anything is returned
// to a caller.
type EntityRecord struct {
	ID           string         `json:"id"`
	Data         map[string]any `json:"data"`
	SyncStatus   SyncState      `json:"_sync_status"`
	LastModified time.Time      `json:"_last_modified"`
	Operation    Operation      `json:"_operation"`
}

// QueueItem is one durable not-yet-confirmed local mutation. LastModified
// captures the entity's local timestamp at enqueue time; the sync engine
// compares it against the server's updated_at to detect conflicts.
type QueueItem struct {
	ID           string         `json:"id"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Operation    Operation      `json:"operation"`
	Data         map[string]any `json:"data,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	LastModified time.Time      `json:"last_modified"`
	Status       SyncState      `json:"status"`
	RetryCount   int            `json:"retry_count"`
	LastError    string         `json:"last_error,omitempty"`

	// NeedsResolution parks the item for a user decision; it is excluded
	// from automatic retries no matter how much retry budget remains.
	NeedsResolution bool `json:"needs_resolution,omitempty"`
}

// SyncStatus is the single record summarizing sync progress.
type SyncStatus struct {
	LastSync       time.Time `json:"last_sync"`
	PendingChanges int       `json:"pending_changes"`
	SyncInProgress bool      `json:"sync_in_progress"`
	LastError      string    `json:"last_error,omitempty"`
}

// CacheEntry is one TTL-bounded cached value. An entry past ExpiresAt is
// treated as absent and removed lazily on the next read.
type CacheEntry struct {
	Key        string          `json:"key"`
	Data       json.RawMessage `json:"data"`
	CreatedAt  time.Time       `json:"created_at"`
	ExpiresAt  time.Time       `json:"expires_at"`
	EntityType string          `json:"entity_type,omitempty"`
}

func (e *CacheEntry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// ConflictRecord captures a manual-policy conflict awaiting user resolution.
type ConflictRecord struct {
	ID          string         `json:"id"`
	QueueItemID string         `json:"queue_item_id"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	LocalData   map[string]any `json:"local_data"`
	RemoteData  map[string]any `json:"remote_data"`
	DetectedAt  time.Time      `json:"detected_at"`
	Resolved    bool           `json:"resolved"`
	Resolution  string         `json:"resolution,omitempty"`
	ResolvedAt  time.Time      `json:"resolved_at,omitempty"`
}

// NewOfflineID generates a client-side id for entities created without a
// reachable backend. Offline ids are never reused; the sync engine rewrites
// them once the server assigns a real id.
func NewOfflineID() string {
	buf := make([]byte, 4)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("offline_%d_%s", time.Now().UnixMilli(), hex.EncodeToString(buf))
}

// IsOfflineID reports whether id was generated by NewOfflineID.
func IsOfflineID(id string) bool {
	return len(id) > 8 && id[:8] == "offline_"
}
