package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devit-sh/devitd/internal/telemetry"
)

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestStore_CreateAndValidate(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "hello.txt", "old\n")

	store := New(root, 0, telemetry.NoopLogger{})
	summary, err := store.Create("snap-1", []string{"hello.txt"})
	require.NoError(t, err)
	require.Len(t, summary.Manifest.Entries, 1)
	require.Empty(t, summary.Warnings)

	valid, err := store.Validate("snap-1", []string{"hello.txt"})
	require.NoError(t, err)
	require.True(t, valid)

	writeFile(t, root, "hello.txt", "new\n")
	valid, err = store.Validate("snap-1", []string{"hello.txt"})
	require.NoError(t, err)
	require.False(t, valid)
}

func TestStore_RestoreRoundTrips(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "hello.txt", "old\n")

	store := New(root, 0, telemetry.NoopLogger{})
	_, err := store.Create("snap-1", []string{"hello.txt"})
	require.NoError(t, err)

	writeFile(t, root, "hello.txt", "mutated\n")
	require.NoError(t, store.Restore("snap-1"))

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "old\n", string(data))
}

func TestStore_SymlinkSkippedWithWarning(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "real.txt", "content\n")
	require.NoError(t, os.Symlink(filepath.Join(root, "real.txt"), filepath.Join(root, "link.txt")))

	store := New(root, 0, telemetry.NoopLogger{})
	summary, err := store.Create("snap-1", []string{"link.txt"})
	require.NoError(t, err)
	require.Empty(t, summary.Manifest.Entries)
	require.Len(t, summary.Warnings, 1)
}

func TestStore_MissingPathWarns(t *testing.T) {
	root := t.TempDir()
	store := New(root, 0, telemetry.NoopLogger{})
	summary, err := store.Create("snap-1", []string{"missing.txt"})
	require.NoError(t, err)
	require.Len(t, summary.Warnings, 1)
}

func TestStore_WholeRootCapture(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")
	writeFile(t, root, "sub/b.txt", "b")

	store := New(root, 0, telemetry.NoopLogger{})
	summary, err := store.Create("snap-1", nil)
	require.NoError(t, err)
	require.Len(t, summary.Manifest.Entries, 2)
}

func TestStore_PruneRetainsMostRecent(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, "a.txt", "a")

	store := New(root, 1, telemetry.NoopLogger{})
	_, err := store.Create("snap-1", []string{"a.txt"})
	require.NoError(t, err)
	_, err = store.Create("snap-2", []string{"a.txt"})
	require.NoError(t, err)

	entries, err := os.ReadDir(store.storeDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "snap-2", entries[0].Name())
}
