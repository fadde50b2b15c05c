package store

import (
	"context"
)

// Storage is the medium behind the persistence layer: named collections of
// documents keyed by string. Mutations follow a read-modify-write cycle over
// a full collection snapshot; the persistence layer serializes those cycles,
// so implementations only need to be individually atomic per call.
type Storage interface {
	// Read returns the full collection as key -> encoded document. A
	// missing collection reads as an empty map.
	Read(ctx context.Context, collection string) (map[string][]byte, error)

	// Write replaces the collection with the given documents.
	Write(ctx context.Context, collection string, docs map[string][]byte) error

	Close() error
}
