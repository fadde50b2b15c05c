package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"hybrid-sync-service/internal/store"
)

// Policy selects how a detected conflict is resolved. The system's single
// conflict primitive is timestamp comparison; there is no field-level merge.
type Policy string

const (
	// PolicyClientWins forces the local patch onto the server.
	PolicyClientWins Policy = "client_wins"
	// PolicyServerWins discards the local patch and adopts the server copy.
	PolicyServerWins Policy = "server_wins"
	// PolicyManual parks the item as failed until a user picks a side.
	PolicyManual Policy = "manual"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyClientWins, PolicyServerWins, PolicyManual:
		return Policy(s), nil
	case "":
		return PolicyServerWins, nil
	default:
		return "", fmt.Errorf("unknown conflict policy %q", s)
	}
}

// newConflictRecord snapshots both sides for the manual backlog.
func newConflictRecord(item *store.QueueItem, remoteData map[string]any, detectedAt time.Time) *store.ConflictRecord {
	return &store.ConflictRecord{
		ID:          uuid.New().String(),
		QueueItemID: item.ID,
		EntityType:  item.EntityType,
		EntityID:    item.EntityID,
		LocalData:   item.Data,
		RemoteData:  remoteData,
		DetectedAt:  detectedAt,
	}
}
