package draftsync

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildStoreFromDSN(t *testing.T) {
	t.Run("file scheme", func(t *testing.T) {
		store, err := BuildStoreFromDSN("file://"+t.TempDir(), 0)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &DirStore{}, store)
	})

	t.Run("bare path", func(t *testing.T) {
		store, err := BuildStoreFromDSN(t.TempDir(), 0)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &DirStore{}, store)
	})

	t.Run("sqlite scheme", func(t *testing.T) {
		store, err := BuildStoreFromDSN("sqlite://"+filepath.Join(t.TempDir(), "d.db"), 0)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLiteStore{}, store)
	})

	t.Run("postgres scheme opens lazily", func(t *testing.T) {
		store, err := BuildStoreFromDSN("postgres://user@localhost/draftsync", 0)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &PostgresStore{}, store)
	})

	t.Run("memory scheme", func(t *testing.T) {
		store, err := BuildStoreFromDSN("memory://", 0)
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &MemoryStore{}, store)
	})

	t.Run("empty dsn", func(t *testing.T) {
		_, err := BuildStoreFromDSN("   ", 0)
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("unknown scheme", func(t *testing.T) {
		_, err := BuildStoreFromDSN("gopher://example", 0)
		assert.Error(t, err)
	})
}

func TestRegisterStoreFactory(t *testing.T) {
	marker := NewMemoryRegion(0).OpenStore()
	RegisterStoreFactory("testscheme", func(dsn string, maxBytes int64) (Store, error) {
		assert.Equal(t, "testscheme://anything", dsn)
		return marker, nil
	})

	store, err := BuildStoreFromDSN("testscheme://anything", 0)
	require.NoError(t, err)
	assert.Same(t, marker, store)
}
