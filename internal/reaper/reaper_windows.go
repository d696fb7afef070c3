//go:build windows

package reaper

import (
	"os"

	"github.com/devit-sh/devitd/internal/registry"
)

// sendTerminate on Windows has no process-group signal equivalent; it kills
// the lone process by PID. A supervised subprocess's own children are not
// reached, matching the same gap noted for C1 Windows support.
func sendTerminate(rec registry.Record) error {
	proc, err := os.FindProcess(rec.PID)
	if err != nil {
		return err
	}
	return proc.Kill()
}
