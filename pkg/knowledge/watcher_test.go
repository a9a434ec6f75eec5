package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, dir string) (*Watcher, *Manager) {
	t.Helper()
	imp, mgr := newTestImporter(t)
	w, err := NewWatcher(imp, dir, zerolog.New(os.Stdout).Level(zerolog.Disabled))
	require.NoError(t, err)
	t.Cleanup(func() { w.Stop() })
	return w, mgr
}

func TestNewWatcher_WatchesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "team", "platform")
	require.NoError(t, os.MkdirAll(nested, 0755))
	hidden := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(hidden, 0755))

	w, _ := newTestWatcher(t, dir)

	watched := w.watcher.WatchList()
	assert.Contains(t, watched, dir)
	assert.Contains(t, watched, filepath.Join(dir, "team"))
	assert.Contains(t, watched, nested)
	assert.NotContains(t, watched, hidden)
}

func TestWatcher_ImportsNoteInNewSubdirectory(t *testing.T) {
	dir := t.TempDir()
	w, mgr := newTestWatcher(t, dir)

	nested := filepath.Join(dir, "runbooks")
	require.NoError(t, os.Mkdir(nested, 0755))
	writeNote(t, nested, "failover.md", "# Failover\n\nPromote the replica, then repoint DNS.")

	require.Eventually(t, func() bool {
		entries, err := mgr.List(context.Background(), true)
		return err == nil && len(entries) == 1
	}, 5*time.Second, 50*time.Millisecond)

	assert.Contains(t, w.watcher.WatchList(), nested)
}

func TestWatcher_DeactivatesRemovedNote(t *testing.T) {
	dir := t.TempDir()
	path := writeNote(t, dir, "temp.md", "# Temp\n\nShort-lived note.")

	w, mgr := newTestWatcher(t, dir)

	ctx := context.Background()
	_, err := w.importer.ScanDir(ctx, dir)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))

	require.Eventually(t, func() bool {
		entries, err := mgr.List(ctx, true)
		return err == nil && len(entries) == 0
	}, 5*time.Second, 50*time.Millisecond)
}
