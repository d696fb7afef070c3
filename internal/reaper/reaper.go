// Package reaper implements the Reaper Task (C11): a single background
// loop that re-reads the process registry (internal/registry) roughly once
// a second, validates each Running record via C1's PID-reuse-safe liveness
// check, records exit status once a process has gone away, and sends a
// terminate signal once a record's auto-kill deadline has passed.
//
// The reaper keeps no in-memory cache between ticks: the on-disk registry
// is the only source of truth, so a reaper restart after a crash picks up
// exactly where the last one left off.
package reaper

import (
	"context"
	"time"

	"github.com/devit-sh/devitd/internal/procutil"
	"github.com/devit-sh/devitd/internal/registry"
	"github.com/devit-sh/devitd/internal/telemetry"
)

// DefaultInterval is the reaper's poll period, per §4.C11 ("every ~1s").
const DefaultInterval = 1 * time.Second

// Reaper periodically sweeps reg for exited or overdue processes.
type Reaper struct {
	reg      *registry.Registry
	interval time.Duration
	log      telemetry.Logger
}

// New builds a Reaper over reg. interval<=0 uses DefaultInterval.
func New(reg *registry.Registry, interval time.Duration, log telemetry.Logger) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Reaper{reg: reg, interval: interval, log: log}
}

// Run blocks, sweeping at r.interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

// sweep performs one pass over every Running record.
func (r *Reaper) sweep() {
	records, err := r.reg.List()
	if err != nil {
		r.log.Error(context.Background(), "reaper: list failed", "error", err.Error())
		return
	}

	now := time.Now()
	for _, rec := range records {
		if rec.Status != registry.StatusRunning {
			continue
		}

		if !registry.Validate(rec) {
			r.markExited(rec)
			continue
		}

		if rec.AutoKillAt != nil && now.After(*rec.AutoKillAt) {
			r.terminate(rec)
		}
	}
}

// markExited records a Running process the registry can no longer validate
// as having exited. Neither an exit code nor a signal is recoverable for a
// process this daemon did not itself Wait() on, so both fields are left
// nil — "exited, cause unknown", explicitly allowed by MarkExited's
// contract.
func (r *Reaper) markExited(rec registry.Record) {
	if err := r.reg.MarkExited(rec.PID, nil, nil); err != nil {
		r.log.Error(context.Background(), "reaper: mark exited failed", "pid", rec.PID, "error", err.Error())
	}
}

// terminate sends a platform-appropriate terminate signal to rec once its
// auto-kill deadline has passed. The registry record is left Running; the
// next sweep will observe the exit once the signal takes effect and
// transition it via markExited. See reaper_unix.go/reaper_windows.go.
func (r *Reaper) terminate(rec registry.Record) {
	if err := sendTerminate(rec); err != nil {
		if !procutil.ProcessExists(rec.PID) {
			r.markExited(rec)
			return
		}
		r.log.Error(context.Background(), "reaper: terminate failed", "pid", rec.PID, "error", err.Error())
	}
}
