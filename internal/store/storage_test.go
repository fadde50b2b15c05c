package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorageRoundTrip(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	docs, err := s.Read(ctx, "things")
	require.NoError(t, err)
	assert.Empty(t, docs, "missing collection reads empty")

	require.NoError(t, s.Write(ctx, "things", map[string][]byte{
		"a": []byte(`{"v":1}`),
		"b": []byte(`{"v":2}`),
	}))

	docs, err = s.Read(ctx, "things")
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, []byte(`{"v":1}`), docs["a"])

	// Write replaces the whole collection.
	require.NoError(t, s.Write(ctx, "things", map[string][]byte{
		"b": []byte(`{"v":3}`),
	}))
	docs, err = s.Read(ctx, "things")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, []byte(`{"v":3}`), docs["b"])

	// Collections are independent.
	other, err := s.Read(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestMemoryStorage(t *testing.T) {
	s := NewMemoryStorage()
	defer s.Close()
	testStorageRoundTrip(t, s)
}

func TestMemoryStorage_ReadIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	defer s.Close()

	require.NoError(t, s.Write(ctx, "c", map[string][]byte{"k": []byte("abc")}))
	docs, err := s.Read(ctx, "c")
	require.NoError(t, err)
	docs["k"][0] = 'z'

	again, err := s.Read(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again["k"], "snapshot mutation must not leak back")
}

func TestSQLiteStorage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync.db")
	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()
	testStorageRoundTrip(t, s)
}

func TestSQLiteStorage_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sync.db")

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(ctx, "c", map[string][]byte{"k": []byte("v")}))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	docs, err := s.Read(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), docs["k"], "documents survive reopen")
}
