//go:build !windows

package procutil

import (
	"os"
	"syscall"
)

// signalZero returns the null signal used to probe process liveness without
// affecting the target, per the POSIX kill(pid, 0) convention.
func signalZero() os.Signal { return syscall.Signal(0) }
