package procutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicaliseWithinRoot_RejectsDotDotEscape(t *testing.T) {
	root := t.TempDir()
	_, err := CanonicaliseWithinRoot(root, "../outside")
	require.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestCanonicaliseWithinRoot_RejectsAbsoluteEscape(t *testing.T) {
	root := t.TempDir()
	_, err := CanonicaliseWithinRoot(root, "/etc/passwd")
	require.ErrorIs(t, err, ErrPathEscapesRoot)
}

func TestCanonicaliseWithinRoot_AllowsInsidePath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "a", "b"), 0o755))
	got, err := CanonicaliseWithinRoot(root, "a/b/c.txt")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(root, "a", "b", "c.txt"), got)
}

func TestCanonicaliseWithinRoot_RejectsSymlinkComponent(t *testing.T) {
	root := t.TempDir()
	target := t.TempDir()
	link := filepath.Join(root, "link")
	require.NoError(t, os.Symlink(target, link))
	_, err := CanonicaliseWithinRoot(root, filepath.Join("link", "file.txt"))
	require.ErrorIs(t, err, ErrSymlinkComponent)
}

func TestProcessExists_CurrentProcess(t *testing.T) {
	require.True(t, ProcessExists(os.Getpid()))
}

func TestProcessExists_InvalidPID(t *testing.T) {
	require.False(t, ProcessExists(0))
	require.False(t, ProcessExists(-1))
}

func TestReadStartTicks_CurrentProcess(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("no /proc filesystem available")
	}
	ticks, err := ReadStartTicks(os.Getpid())
	require.NoError(t, err)
	require.Greater(t, ticks, uint64(0))
}

func TestParseStartTicks_HandlesParensInComm(t *testing.T) {
	// comm field can itself contain parentheses, e.g. "(my (weird) prog)".
	line := "123 (my (weird) prog) S 1 123 123 0 -1 4194304 100 0 0 0 10 5 0 0 20 0 1 0 98765 0 0 0"
	_, err := parseStartTicks(line)
	require.NoError(t, err)
}
