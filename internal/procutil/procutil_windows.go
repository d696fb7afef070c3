//go:build windows

package procutil

import "os"

// signalZero on Windows returns os.Interrupt only to satisfy the shared
// signature; it is never sent. Go's os.Process.Signal on Windows implements
// only os.Kill, so ProcessExists returns as soon as FindProcess (which opens a
// handle and fails for a dead PID) succeeds, before Signal is ever called.
func signalZero() os.Signal { return os.Interrupt }
