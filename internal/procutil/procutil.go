// Package procutil provides the low-level process and path primitives shared
// by the process registry (internal/registry) and the reaper
// (internal/reaper): PID liveness checks guarded against PID reuse, and path
// canonicalisation that refuses to follow symlinks out of a sandbox root.
//
// Failures from process liveness checks are best-effort signals, not fatal
// errors: a process that has already exited by the time we check it is a
// normal outcome, not a bug. Path resolution failures are fatal to the
// calling operation, since an unresolved path means the caller cannot know
// what it is about to touch.
package procutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
)

// ErrPathEscapesRoot is returned by CanonicaliseWithinRoot when the
// candidate path, once resolved, would land outside root.
var ErrPathEscapesRoot = errors.New("procutil: path escapes sandbox root")

// ErrSymlinkComponent is returned by CanonicaliseWithinRoot when any
// component of the candidate path is a symbolic link. The core never
// silently follows a symlink during policy-sensitive resolution.
var ErrSymlinkComponent = errors.New("procutil: path contains a symlink component")

// ErrUnsupportedPlatform is returned by platform-specific probes (currently
// ReadStartTicks, which reads /proc) on platforms without that facility.
var ErrUnsupportedPlatform = errors.New("procutil: unsupported platform")

// ProcessExists is a best-effort liveness probe for pid. A false result can
// mean either that the process has exited or that it never existed; callers
// that need to distinguish reused PIDs must additionally compare start-tick
// stamps via ReadStartTicks.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// On Windows, FindProcess opens a handle and fails for a dead PID, so its
	// success is the existence check.
	if runtime.GOOS == "windows" {
		return true
	}
	// On POSIX, FindProcess always succeeds; signal 0 performs the actual
	// existence check without affecting the target.
	if err := proc.Signal(signalZero()); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return false
		}
		// EPERM still means the process exists, just owned by someone else.
		return isPermissionError(err)
	}
	return true
}

// ReadStartTicks returns the OS-specific creation stamp used to detect PID
// reuse. On Linux this is field 22 ("starttime", ticks since boot) of
// /proc/<pid>/stat; on any other OS it returns ErrUnsupportedPlatform. An
// error here is fatal: the caller cannot safely establish identity for pid
// without it.
func ReadStartTicks(pid int) (uint64, error) {
	if pid <= 0 {
		return 0, fmt.Errorf("procutil: invalid pid %d", pid)
	}
	if runtime.GOOS != "linux" {
		return 0, ErrUnsupportedPlatform
	}
	data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat"))
	if err != nil {
		return 0, fmt.Errorf("procutil: read stat for pid %d: %w", pid, err)
	}
	ticks, err := parseStartTicks(string(data))
	if err != nil {
		return 0, fmt.Errorf("procutil: parse stat for pid %d: %w", pid, err)
	}
	return ticks, nil
}

// parseStartTicks extracts field 22 from the contents of /proc/<pid>/stat.
// The second field (comm, the executable basename) is parenthesized and may
// itself contain spaces or parentheses, so we locate it by its closing paren
// rather than splitting naively on whitespace.
func parseStartTicks(stat string) (uint64, error) {
	open := strings.IndexByte(stat, '(')
	close := strings.LastIndexByte(stat, ')')
	if open < 0 || close < 0 || close < open {
		return 0, errors.New("malformed stat line")
	}
	rest := strings.Fields(stat[close+1:])
	// Fields after comm are numbered from 3; starttime is field 22, i.e.
	// index 22-3=19 into rest.
	const starttimeIndex = 22 - 3
	if len(rest) <= starttimeIndex {
		return 0, errors.New("stat line too short for starttime field")
	}
	ticks, err := strconv.ParseUint(rest[starttimeIndex], 10, 64)
	if err != nil {
		return 0, err
	}
	return ticks, nil
}

// CanonicaliseWithinRoot resolves candidate (which may be relative or
// absolute) against root and rejects, in any order:
//
//  1. absolute components that land outside root once resolved,
//  2. ".." components that net-escape root,
//  3. any path element that is itself a symbolic link.
//
// The returned path is always absolute and lexically clean.
func CanonicaliseWithinRoot(root, candidate string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("procutil: resolve root: %w", err)
	}
	absRoot = filepath.Clean(absRoot)

	joined := candidate
	if !filepath.IsAbs(candidate) {
		joined = filepath.Join(absRoot, candidate)
	}
	joined = filepath.Clean(joined)

	if joined != absRoot && !strings.HasPrefix(joined, absRoot+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapesRoot, candidate)
	}

	if err := rejectSymlinkComponents(absRoot, joined); err != nil {
		return "", err
	}

	return joined, nil
}

// rejectSymlinkComponents walks each path element between root and target
// (inclusive of the final element) and fails if any is a symlink. Elements
// that do not yet exist (e.g. the new file in an Add change) are permitted;
// only existing symlinks are rejected, since a nonexistent path cannot have
// been substituted.
func rejectSymlinkComponents(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrPathEscapesRoot, target)
	}
	if rel == "." {
		return nil
	}
	cur := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "" || part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		info, err := os.Lstat(cur)
		if err != nil {
			if os.IsNotExist(err) {
				// Remaining components cannot exist either; nothing further
				// to check, and a not-yet-created path is not a symlink.
				return nil
			}
			return fmt.Errorf("procutil: lstat %s: %w", cur, err)
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s", ErrSymlinkComponent, cur)
		}
	}
	return nil
}

// isPermissionError reports whether signalling a process failed because it
// is owned by another user, which still proves the process exists.
func isPermissionError(err error) bool {
	return errors.Is(err, os.ErrPermission)
}
