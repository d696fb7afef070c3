//go:build !windows

package reaper

import (
	"syscall"

	"github.com/devit-sh/devitd/internal/registry"
)

// sendTerminate signals rec's process group with SIGTERM. Signalling the
// group (negative pgid) rather than the lone PID ensures a supervised
// subprocess's own children die with it.
func sendTerminate(rec registry.Record) error {
	pgid := rec.PGID
	if pgid <= 0 {
		pgid = rec.PID
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}
