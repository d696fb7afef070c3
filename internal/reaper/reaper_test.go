package reaper

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/devit-sh/devitd/internal/procutil"
	"github.com/devit-sh/devitd/internal/registry"
	"github.com/devit-sh/devitd/internal/telemetry"
)

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(t.TempDir(), telemetry.NoopLogger{})
}

func TestReaper_MarksDeadProcessExited(t *testing.T) {
	reg := newTestRegistry(t)

	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	ticks, err := procutil.ReadStartTicks(pid)
	require.NoError(t, err)

	require.NoError(t, reg.Insert(registry.Record{
		PID:        pid,
		PGID:       pid,
		StartTicks: ticks,
		StartedAt:  time.Now().UTC(),
		Command:    "true",
		Status:     registry.StatusRunning,
	}))

	require.NoError(t, cmd.Wait())

	r := New(reg, 10*time.Millisecond, nil)
	r.sweep()

	rec, ok, err := reg.Get(pid)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusExited, rec.Status)
}

func TestReaper_RunStopsOnContextCancel(t *testing.T) {
	reg := newTestRegistry(t)
	r := New(reg, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestReaper_IgnoresNonRunningRecords(t *testing.T) {
	reg := newTestRegistry(t)
	exitCode := 0
	require.NoError(t, reg.Insert(registry.Record{
		PID:      99999,
		PGID:     99999,
		Command:  "stale",
		Status:   registry.StatusExited,
		ExitCode: &exitCode,
	}))

	r := New(reg, 10*time.Millisecond, nil)
	r.sweep()

	rec, ok, err := reg.Get(99999)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, registry.StatusExited, rec.Status)
}
