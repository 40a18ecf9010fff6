package connection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_connections.json")

	store, err := NewStore(path)
	require.NoError(t, err)

	older := time.Now().Add(-time.Hour)
	_, err = store.Upsert(SavedConnection{ID: "c1", URL: "http://localhost:4096", LastUsed: older})
	require.NoError(t, err)
	_, err = store.Upsert(SavedConnection{ID: "c2", URL: "http://remote:4096", LastUsed: time.Now()})
	require.NoError(t, err)

	list := store.List()
	require.Len(t, list, 2)
	assert.Equal(t, "http://remote:4096", list[0].URL, "most recent first")

	// A second store over the same file sees the persisted entries.
	reloaded, err := NewStore(path)
	require.NoError(t, err)
	assert.Len(t, reloaded.List(), 2)
}

func TestStoreUpsertByURL(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_connections.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	first, err := store.Upsert(SavedConnection{ID: "c1", URL: "http://localhost:4096", LastUsed: time.Now().Add(-time.Minute)})
	require.NoError(t, err)
	assert.Equal(t, "localhost:4096", first.Name, "label defaults to host when none given")

	later := time.Now()
	second, err := store.Upsert(SavedConnection{
		ID:         "c2",
		URL:        "http://localhost:4096",
		ServerName: "opencode",
		LastUsed:   later,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "same URL updates in place")
	assert.Equal(t, "opencode", second.ServerName)
	require.Len(t, store.List(), 1)
}

func TestStoreRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_connections.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	_, err = store.Upsert(SavedConnection{ID: "c1", URL: "http://localhost:4096", LastUsed: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.Remove("c1"))
	assert.Empty(t, store.List())
	assert.Error(t, store.Remove("c1"))
}

func TestStoreCorruptFileStartsFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server_connections.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	store, err := NewStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.List())

	// The unreadable file is kept for inspection.
	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err)
}

func TestStoreMostRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_connections.json")
	store, err := NewStore(path)
	require.NoError(t, err)

	assert.Nil(t, store.MostRecent())

	_, err = store.Upsert(SavedConnection{ID: "c1", URL: "http://a:1", LastUsed: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = store.Upsert(SavedConnection{ID: "c2", URL: "http://b:2", LastUsed: time.Now()})
	require.NoError(t, err)

	recent := store.MostRecent()
	require.NotNil(t, recent)
	assert.Equal(t, "http://b:2", recent.URL)
}
