// Package registry implements the process registry (C2): a durable
// pid -> ProcessRecord map persisted under the DevIt runtime directory
// (~/.devit/process_registry.json), used by the orchestration core to track
// background processes it has spawned and by the reaper (internal/reaper) to
// detect processes that have exited or been replaced by an unrelated process
// reusing the same PID.
//
// The on-disk file is the only source of truth: every mutation reads the
// current file, applies the change under an exclusive flock, and writes the
// result back with a tmp-write/fsync/rename/dir-fsync sequence so a crash
// mid-write never leaves a torn file behind.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/devit-sh/devitd/internal/procutil"
	"github.com/devit-sh/devitd/internal/telemetry"
)

const (
	registryFileName = "process_registry.json"
	lockFileName     = "process_registry.lock"
	dirMode          = 0o700
	fileMode         = 0o600
)

// Status is the lifecycle state of a registered process.
type Status string

const (
	StatusRunning Status = "running"
	StatusExited  Status = "exited"
)

// Record is the persisted metadata for one tracked process.
type Record struct {
	PID               int        `json:"pid"`
	PGID              int        `json:"pgid"`
	StartTicks        uint64     `json:"start_ticks"`
	StartedAt         time.Time  `json:"started_at"`
	Command           string     `json:"command"`
	Args              []string   `json:"args"`
	Status            Status     `json:"status"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	TerminatedBySignal *int      `json:"terminated_by_signal,omitempty"`
	AutoKillAt        *time.Time `json:"auto_kill_at,omitempty"`
}

// document is the on-disk shape of the registry file.
type document struct {
	Processes map[int]Record `json:"processes"`
}

// Registry is a handle onto the on-disk process registry rooted at Dir. It
// holds no in-memory cache between calls: every operation re-reads the file
// (mutations do so under the exclusive lock; Get and List read the atomically
// renamed file without it), so a crash or an out-of-process writer (e.g. a second devitd
// instance sharing the same home directory) can never leave this handle
// observing stale state.
type Registry struct {
	dir    string
	log    telemetry.Logger
}

// New returns a Registry rooted at dir (typically ~/.devit). The directory
// is created lazily by the first mutation, not here.
func New(dir string, log telemetry.Logger) *Registry {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Registry{dir: dir, log: log}
}

// DefaultDir resolves the DevIt runtime directory from the user's home
// directory, mirroring the HOME/USERPROFILE lookup devitd has always used.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("registry: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".devit"), nil
}

func (r *Registry) registryPath() string { return filepath.Join(r.dir, registryFileName) }
func (r *Registry) lockPath() string     { return filepath.Join(r.dir, lockFileName) }

// Insert adds or replaces the record for rec.PID.
func (r *Registry) Insert(rec Record) error {
	return r.withLock(func(doc *document) (bool, error) {
		doc.Processes[rec.PID] = rec
		return true, nil
	})
}

// Get returns the record for pid, if present.
func (r *Registry) Get(pid int) (Record, bool, error) {
	doc, err := r.load()
	if err != nil {
		return Record{}, false, err
	}
	rec, ok := doc.Processes[pid]
	return rec, ok, nil
}

// List returns every record currently in the registry, in no particular
// order.
func (r *Registry) List() ([]Record, error) {
	doc, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(doc.Processes))
	for _, rec := range doc.Processes {
		out = append(out, rec)
	}
	return out, nil
}

// Remove deletes the record for pid, if present. It is not an error to
// remove a pid that is not registered.
func (r *Registry) Remove(pid int) error {
	return r.withLock(func(doc *document) (bool, error) {
		if _, ok := doc.Processes[pid]; !ok {
			return false, nil
		}
		delete(doc.Processes, pid)
		return true, nil
	})
}

// MarkExited transitions pid to StatusExited, recording whichever of
// exitCode or signal terminated it. Exactly one of exitCode/signal should be
// non-nil; both nil is valid for "exited, cause unknown".
func (r *Registry) MarkExited(pid int, exitCode, signal *int) error {
	return r.withLock(func(doc *document) (bool, error) {
		rec, ok := doc.Processes[pid]
		if !ok {
			return false, fmt.Errorf("registry: pid %d not registered", pid)
		}
		rec.Status = StatusExited
		rec.ExitCode = exitCode
		rec.TerminatedBySignal = signal
		doc.Processes[pid] = rec
		return true, nil
	})
}

// Validate reports whether rec still identifies the real OS process it was
// recorded for: the PID must be alive, and its /proc start-tick stamp must
// match the one captured at registration time. A PID that has been reused by
// an unrelated process after the original exited fails this check, which is
// precisely the case it exists to catch.
func Validate(rec Record) bool {
	if !procutil.ProcessExists(rec.PID) {
		return false
	}
	ticks, err := procutil.ReadStartTicks(rec.PID)
	if err != nil {
		return false
	}
	return ticks == rec.StartTicks
}

// load reads the registry file, tolerating both a missing file (treated as
// empty) and a corrupt one (also treated as empty, but logged loudly: a
// corrupt registry means devitd has lost track of whatever it was
// supervising, which is worth a human noticing even though it is not fatal).
func (r *Registry) load() (*document, error) {
	data, err := os.ReadFile(r.registryPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &document{Processes: map[int]Record{}}, nil
		}
		return nil, fmt.Errorf("registry: read: %w", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		r.log.Error(context.Background(), "process registry file is corrupt, treating as empty",
			"path", r.registryPath(), "error", err.Error())
		return &document{Processes: map[int]Record{}}, nil
	}
	if doc.Processes == nil {
		doc.Processes = map[int]Record{}
	}
	return &doc, nil
}

// withLock performs a read-modify-write cycle under an exclusive flock held
// for the duration of the whole cycle, so concurrent devitd processes (or a
// devitd process and an out-of-band `devit` CLI invocation) never race on
// the registry file. mutate returns whether the document changed and should
// be persisted.
func (r *Registry) withLock(mutate func(doc *document) (changed bool, err error)) error {
	if err := os.MkdirAll(r.dir, dirMode); err != nil {
		return fmt.Errorf("registry: create directory: %w", err)
	}

	lock := flock.New(r.lockPath())
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("registry: acquire lock: %w", err)
	}
	defer lock.Unlock()

	doc, err := r.load()
	if err != nil {
		return err
	}

	changed, err := mutate(doc)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	return r.save(doc)
}

// save writes doc to disk via tmp-write, fsync, atomic rename, and directory
// fsync, so a crash between any two steps leaves either the old file or the
// new one intact, never a partial write.
func (r *Registry) save(doc *document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("registry: marshal: %w", err)
	}

	tmpPath := r.registryPath() + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("registry: open temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("registry: write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("registry: fsync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("registry: close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, r.registryPath()); err != nil {
		return fmt.Errorf("registry: rename temp file: %w", err)
	}

	if err := fsyncDir(r.dir); err != nil {
		return fmt.Errorf("registry: fsync directory: %w", err)
	}
	return nil
}

// fsyncDir fsyncs the directory itself so the rename above is durable, not
// just the renamed file. This is a no-op-on-error best effort on platforms
// (or filesystems) that reject directory fsync.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		if errors.Is(err, os.ErrInvalid) {
			return nil
		}
		return err
	}
	return nil
}
