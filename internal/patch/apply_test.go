package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devit-sh/devitd/internal/policy"
	"github.com/devit-sh/devitd/internal/snapshot"
	"github.com/devit-sh/devitd/internal/telemetry"
)

func newTestEngine(t *testing.T, root string) *Engine {
	t.Helper()
	polEngine := policy.New(policy.DefaultConfig())
	snapStore := snapshot.New(root, 0, telemetry.NoopLogger{})
	return New(root, polEngine, snapStore)
}

func TestApply_ReplacesContentAndReturnsStats(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("old\n"), 0o644))

	eng := newTestEngine(t, root)
	result, err := eng.Apply(simpleDiff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-apply-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.FilesModified)

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "new\n", string(data))
}

func TestApply_DryRunDoesNotTouchDisk(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("old\n"), 0o644))

	eng := newTestEngine(t, root)
	_, err := eng.Apply(simpleDiff, policy.Requested{Level: policy.LevelTrusted}, true, "snap-dry-1")
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "old\n", string(data))
}

func TestApply_ContextMismatchRollsBack(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("totally different\n"), 0o644))

	eng := newTestEngine(t, root)
	_, err := eng.Apply(simpleDiff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-conflict-1")
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(root, "hello.txt"))
	require.NoError(t, err)
	require.Equal(t, "totally different\n", string(data))
}

func TestApply_MissingFileFailsPreflight(t *testing.T) {
	root := t.TempDir()
	eng := newTestEngine(t, root)
	_, err := eng.Apply(simpleDiff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-missing-1")
	require.Error(t, err)
}

func TestApply_ProtectedPathBlocked(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".env"), []byte("old\n"), 0o644))

	diff := `diff --git a/.env b/.env
index 1234567..abcdefg 100644
--- a/.env
+++ b/.env
@@ -1,1 +1,1 @@
-old
+new
`
	eng := newTestEngine(t, root)
	_, err := eng.Apply(diff, policy.Requested{Level: policy.LevelModerate}, false, "snap-protected-1")
	require.Error(t, err)

	data, err := os.ReadFile(filepath.Join(root, ".env"))
	require.NoError(t, err)
	require.Equal(t, "old\n", string(data))
}

func TestApply_EmptyDiffFails(t *testing.T) {
	root := t.TempDir()
	eng := newTestEngine(t, root)
	_, err := eng.Apply("", policy.Requested{Level: policy.LevelTrusted}, false, "snap-empty-1")
	require.Error(t, err)
}

func TestApply_NewFileCreated(t *testing.T) {
	root := t.TempDir()
	diff := `diff --git a/new.txt b/new.txt
new file mode 100644
index 0000000..1234567
--- /dev/null
+++ b/new.txt
@@ -0,0 +1,1 @@
+hello
`
	eng := newTestEngine(t, root)
	result, err := eng.Apply(diff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-new-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.FilesCreated)

	data, err := os.ReadFile(filepath.Join(root, "new.txt"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))
}

func TestApply_DeletedFileRemoved(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "gone.txt"), []byte("bye\n"), 0o644))

	diff := `diff --git a/gone.txt b/gone.txt
deleted file mode 100644
index 1234567..0000000
--- a/gone.txt
+++ /dev/null
@@ -1,1 +0,0 @@
-bye
`
	eng := newTestEngine(t, root)
	result, err := eng.Apply(diff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-del-1")
	require.NoError(t, err)
	require.Equal(t, 1, result.Stats.FilesDeleted)

	_, err = os.Stat(filepath.Join(root, "gone.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestApply_MultiFileRollsBackNewFileWhenLaterFileFails(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "b"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b", "existing.txt"), []byte("bye\n"), 0o644))
	// Strip write permission from "b" so the delete phase (which runs after
	// every rename in phase 2, including a_new.txt's, has already succeeded)
	// fails to unlink existing.txt, simulating a late-stage commit failure.
	require.NoError(t, os.Chmod(filepath.Join(root, "b"), 0o555))
	t.Cleanup(func() { os.Chmod(filepath.Join(root, "b"), 0o755) })

	diff := `diff --git a/a_new.txt b/a_new.txt
new file mode 100644
index 0000000..1234567
--- /dev/null
+++ b/a_new.txt
@@ -0,0 +1,1 @@
+hello
diff --git a/b/existing.txt b/b/existing.txt
deleted file mode 100644
index 1234567..0000000
--- a/b/existing.txt
+++ /dev/null
@@ -1,1 +0,0 @@
-bye
`
	eng := newTestEngine(t, root)
	_, err := eng.Apply(diff, policy.Requested{Level: policy.LevelTrusted}, false, "snap-multi-1")
	require.Error(t, err)

	_, err = os.Stat(filepath.Join(root, "a_new.txt"))
	require.True(t, os.IsNotExist(err), "new file must be rolled back when a later file in the same diff fails")

	data, err := os.ReadFile(filepath.Join(root, "b", "existing.txt"))
	require.NoError(t, err)
	require.Equal(t, "bye\n", string(data))
}

func TestBuildPreview_ReturnsRecommendedLevel(t *testing.T) {
	polEngine := policy.New(policy.DefaultConfig())
	preview, err := BuildPreview(simpleDiff, polEngine)
	require.NoError(t, err)
	require.Equal(t, []string{"hello.txt"}, preview.AffectedFiles)
	require.Equal(t, 2, preview.EstimatedLineChanges)
	require.Equal(t, policy.LevelUntrusted, preview.RecommendedLevel)
}
