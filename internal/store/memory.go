package store

import (
	"context"
	"sync"
)

// MemoryStorage keeps collections in process memory. Used for tests and as
// a throwaway backend when durability is not required.
type MemoryStorage struct {
	mu          sync.Mutex
	collections map[string]map[string][]byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{collections: make(map[string]map[string][]byte)}
}

func (m *MemoryStorage) Read(ctx context.Context, collection string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string][]byte, len(m.collections[collection]))
	for k, v := range m.collections[collection] {
		cp := make([]byte, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out, nil
}

func (m *MemoryStorage) Write(ctx context.Context, collection string, docs map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := make(map[string][]byte, len(docs))
	for k, v := range docs {
		buf := make([]byte, len(v))
		copy(buf, v)
		cp[k] = buf
	}
	m.collections[collection] = cp
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
