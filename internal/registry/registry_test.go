package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devit-sh/devitd/internal/telemetry"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	return New(dir, telemetry.NoopLogger{})
}

func TestRegistry_InsertGet(t *testing.T) {
	r := newTestRegistry(t)
	rec := Record{
		PID:        12345,
		PGID:       12345,
		StartTicks: 987654,
		StartedAt:  time.Now().UTC().Truncate(time.Second),
		Command:    "echo",
		Args:       []string{"hi"},
		Status:     StatusRunning,
	}
	require.NoError(t, r.Insert(rec))

	got, ok, err := r.Get(12345)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, rec.Command, got.Command)
	require.Equal(t, rec.StartTicks, got.StartTicks)
}

func TestRegistry_GetMissing(t *testing.T) {
	r := newTestRegistry(t)
	_, ok, err := r.Get(999)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistry_Remove(t *testing.T) {
	r := newTestRegistry(t)
	rec := Record{PID: 1, Status: StatusRunning}
	require.NoError(t, r.Insert(rec))
	require.NoError(t, r.Remove(1))

	_, ok, err := r.Get(1)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRegistry_RemoveMissingIsNotError(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Remove(42))
}

func TestRegistry_MarkExited(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert(Record{PID: 7, Status: StatusRunning}))

	code := 0
	require.NoError(t, r.MarkExited(7, &code, nil))

	got, ok, err := r.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, StatusExited, got.Status)
	require.NotNil(t, got.ExitCode)
	require.Equal(t, 0, *got.ExitCode)
}

func TestRegistry_MarkExitedUnknownPID(t *testing.T) {
	r := newTestRegistry(t)
	err := r.MarkExited(999, nil, nil)
	require.Error(t, err)
}

func TestRegistry_List(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Insert(Record{PID: 1, Status: StatusRunning}))
	require.NoError(t, r.Insert(Record{PID: 2, Status: StatusRunning}))

	recs, err := r.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
}

func TestRegistry_PersistsAcrossHandles(t *testing.T) {
	dir := t.TempDir()
	r1 := New(dir, telemetry.NoopLogger{})
	require.NoError(t, r1.Insert(Record{PID: 55, Command: "sleep", Status: StatusRunning}))

	r2 := New(dir, telemetry.NoopLogger{})
	got, ok, err := r2.Get(55)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "sleep", got.Command)
}

func TestRegistry_CorruptFileTreatedAsEmpty(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, registryFileName), []byte("not json"), 0o600))

	r := New(dir, telemetry.NoopLogger{})
	recs, err := r.List()
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestRegistry_MissingFileTreatedAsEmpty(t *testing.T) {
	r := newTestRegistry(t)
	recs, err := r.List()
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestValidate_DeadProcessFails(t *testing.T) {
	// PID 0 is never a live user process under ProcessExists's own contract.
	require.False(t, Validate(Record{PID: 0, StartTicks: 1}))
}

func TestDefaultDir_UsesHomeDevitSubdir(t *testing.T) {
	dir, err := DefaultDir()
	require.NoError(t, err)
	require.Equal(t, ".devit", filepath.Base(dir))
}
