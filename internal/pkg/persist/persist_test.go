package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"go.ciq.dev/partisan/internal/pkg/nodespec"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	require.NotNil(t, store)

	snap := Snapshot{
		Active:  []nodespec.NodeSpec{{Name: "c1", Addrs: []string{"10.0.0.1:7000"}}},
		Passive: []nodespec.NodeSpec{{Name: "c2"}, {Name: "c3"}},
	}
	require.NoError(t, store.Save(snap))

	loaded, ok, err := store.Load()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, snap, loaded)
}

func TestLoadMissingFileIsFirstBoot(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadTruncatedFileIsFirstBoot(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)

	require.NoError(t, store.Save(Snapshot{Active: []nodespec.NodeSpec{{Name: "c1", Addrs: []string{"10.0.0.1:7000"}}}}))
	statePath := filepath.Join(dir, stateDir, stateFile)
	full, err := os.ReadFile(statePath)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(statePath, full[:len(full)/2], 0o644))

	_, ok, err := store.Load()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestNewWithEmptyDataDirDisablesPersistence(t *testing.T) {
	require.Nil(t, New(""))
}

func TestDeleteIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	store := New(dir)
	require.NoError(t, store.Save(Snapshot{}))
	require.NoError(t, store.Delete())
	require.NoError(t, store.Delete())
}
