// Package snapshot implements the content-addressed snapshot store (C4): a
// pre-image capture mechanism the patch engine (internal/patch) uses to make
// diff application safely reversible, and that the facade exposes directly
// for ad-hoc checkpointing.
//
// Snapshots live under <root>/.devit/snapshots/<id>. Each entry's bytes are
// copied into that directory, and its BLAKE3 hash, size, and permission bits
// are recorded in a manifest; the
// manifest's own BLAKE3 hash is the snapshot's canonical identity for
// staleness comparisons.
package snapshot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"lukechampine.com/blake3"

	"github.com/devit-sh/devitd/internal/telemetry"
)

const storeDirName = ".devit/snapshots"

// Entry is one captured file within a snapshot.
type Entry struct {
	Path string `json:"path"` // relative to the snapshot root
	Hash string `json:"hash"` // hex BLAKE3 of the file contents
	Size int64  `json:"size"`
	Mode uint32 `json:"mode"`
}

// Manifest is the recorded contents of one snapshot.
type Manifest struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Roots     []string  `json:"roots"` // relative paths the caller requested
	Entries   []Entry   `json:"entries"`
	Hash      string    `json:"hash"` // BLAKE3 over the entry list, this snapshot's canonical hash
	// NewFiles lists paths (relative to root) the commit this snapshot
	// precedes is about to create. They have no pre-image entry by
	// definition, so Restore deletes them instead of restoring content,
	// undoing a partially committed multi-file apply.
	NewFiles []string `json:"new_files,omitempty"`
}

// Warning describes an entry that could not be captured or restored, which
// does not fail the overall operation.
type Warning struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Summary is returned from Create.
type Summary struct {
	Manifest Manifest
	Warnings []Warning
}

// Store manages snapshots rooted at Root.
type Store struct {
	root     string
	maxCount int
	log      telemetry.Logger
}

// New returns a Store rooted at root. maxCount bounds the number of
// snapshots retained; once exceeded, the oldest (by CreatedAt) are pruned.
// maxCount <= 0 disables pruning.
func New(root string, maxCount int, log telemetry.Logger) *Store {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Store{root: root, maxCount: maxCount, log: log}
}

func (s *Store) storeDir() string { return filepath.Join(s.root, storeDirName) }

// Create captures the given paths (relative to the store's root; an empty
// slice captures the whole root) into a new snapshot and returns its
// manifest. Directories are walked recursively; symlinks are skipped with a
// warning rather than followed, and the snapshot store directory itself is
// always excluded from any tree walk to avoid snapshotting snapshots.
//
// newFiles is optional: paths the caller is about to create that have no
// pre-image to capture. They carry no Entry of their own, but Restore still
// needs to know about them so it can delete them on rollback rather than
// leave them behind — see Restore.
func (s *Store) Create(id string, paths []string, newFiles ...string) (Summary, error) {
	if len(paths) == 0 {
		paths = []string{"."}
	}

	dir := filepath.Join(s.storeDir(), id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Summary{}, fmt.Errorf("snapshot: create directory: %w", err)
	}

	var entries []Entry
	var warnings []Warning

	for _, rel := range paths {
		abs := filepath.Join(s.root, rel)
		walkEntries, walkWarnings, err := s.captureEntry(abs)
		if err != nil {
			return Summary{}, err
		}
		entries = append(entries, walkEntries...)
		warnings = append(warnings, walkWarnings...)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	manifest := Manifest{
		ID:        id,
		CreatedAt: time.Now().UTC(),
		Roots:     paths,
		Entries:   entries,
		NewFiles:  newFiles,
	}
	manifest.Hash = hashEntries(entries)

	if err := s.writeManifest(dir, manifest); err != nil {
		return Summary{}, err
	}

	if s.maxCount > 0 {
		if err := s.prune(); err != nil {
			s.log.Warn(context.Background(), "snapshot retention prune failed", "error", err.Error())
		}
	}

	return Summary{Manifest: manifest, Warnings: warnings}, nil
}

// captureEntry copies one requested root (a file or directory) into the
// snapshot directory for id, returning the entries captured and any
// non-fatal warnings for skipped items.
func (s *Store) captureEntry(abs string) ([]Entry, []Warning, error) {
	info, err := os.Lstat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			rel, _ := filepath.Rel(s.root, abs)
			return nil, []Warning{{Path: rel, Reason: "not found"}}, nil
		}
		return nil, nil, fmt.Errorf("snapshot: stat %s: %w", abs, err)
	}

	if info.Mode()&os.ModeSymlink != 0 {
		rel, _ := filepath.Rel(s.root, abs)
		return nil, []Warning{{Path: rel, Reason: "symlink ignored"}}, nil
	}

	var entries []Entry
	var warnings []Warning

	excludeDir := filepath.Join(s.root, storeDirName)

	err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) || os.IsPermission(err) {
				rel, _ := filepath.Rel(s.root, path)
				warnings = append(warnings, Warning{Path: rel, Reason: err.Error()})
				return nil
			}
			return err
		}
		if path == excludeDir || (len(path) > len(excludeDir) && path[:len(excludeDir)+1] == excludeDir+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 {
			rel, _ := filepath.Rel(s.root, path)
			warnings = append(warnings, Warning{Path: rel, Reason: "symlink ignored"})
			return nil
		}

		data, ferr := os.ReadFile(path)
		if ferr != nil {
			if os.IsNotExist(ferr) || os.IsPermission(ferr) {
				rel, _ := filepath.Rel(s.root, path)
				warnings = append(warnings, Warning{Path: rel, Reason: ferr.Error()})
				return nil
			}
			return fmt.Errorf("snapshot: read %s: %w", path, ferr)
		}

		fi, ferr := d.Info()
		if ferr != nil {
			return fmt.Errorf("snapshot: stat %s: %w", path, ferr)
		}

		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			rel = path
		}

		hash := blake3.Sum256(data)
		entries = append(entries, Entry{
			Path: rel,
			Hash: hex.EncodeToString(hash[:]),
			Size: fi.Size(),
			Mode: uint32(fi.Mode().Perm()),
		})
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot: walk %s: %w", abs, err)
	}

	return entries, warnings, nil
}

// Load reads the manifest for an existing snapshot.
func (s *Store) Load(id string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.storeDir(), id, "manifest.json"))
	if err != nil {
		return Manifest{}, fmt.Errorf("snapshot: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("snapshot: parse manifest: %w", err)
	}
	return m, nil
}

// Validate reports whether every entry among referencePaths (relative to the
// store root) still matches its recorded hash in the snapshot id. A snapshot
// is stale if any referenced entry's current content diverges, or if it no
// longer exists.
func (s *Store) Validate(id string, referencePaths []string) (bool, error) {
	manifest, err := s.Load(id)
	if err != nil {
		return false, err
	}
	byPath := make(map[string]Entry, len(manifest.Entries))
	for _, e := range manifest.Entries {
		byPath[e.Path] = e
	}

	for _, rel := range referencePaths {
		recorded, ok := byPath[rel]
		if !ok {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, rel))
		if err != nil {
			return false, nil
		}
		hash := blake3.Sum256(data)
		if hex.EncodeToString(hash[:]) != recorded.Hash {
			return false, nil
		}
	}
	return true, nil
}

// Restore copies every entry in snapshot id back onto the working root,
// setting permission bits after the bytes are written, then deletes any
// path listed in manifest.NewFiles that exists on disk — undoing a file the
// commit this snapshot preceded had already created before failing.
func (s *Store) Restore(id string) error {
	manifest, err := s.Load(id)
	if err != nil {
		return err
	}
	dir := filepath.Join(s.storeDir(), id)

	for _, e := range manifest.Entries {
		src := filepath.Join(dir, e.Path)
		dst := filepath.Join(s.root, e.Path)

		data, err := os.ReadFile(src)
		if err != nil {
			return fmt.Errorf("snapshot: read snapshot entry %s: %w", e.Path, err)
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("snapshot: create parent for %s: %w", dst, err)
		}
		if err := os.WriteFile(dst, data, fs.FileMode(e.Mode)); err != nil {
			return fmt.Errorf("snapshot: write %s: %w", dst, err)
		}
		if err := os.Chmod(dst, fs.FileMode(e.Mode)); err != nil {
			return fmt.Errorf("snapshot: chmod %s: %w", dst, err)
		}
	}

	for _, p := range manifest.NewFiles {
		dst := filepath.Join(s.root, p)
		if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("snapshot: remove staged new file %s: %w", dst, err)
		}
	}
	return nil
}

// writeManifest persists the manifest JSON and copies every entry's bytes
// into the snapshot directory so Restore has a stable, content-addressed
// source independent of the live working tree.
func (s *Store) writeManifest(dir string, manifest Manifest) error {
	for _, e := range manifest.Entries {
		src := filepath.Join(s.root, e.Path)
		dst := filepath.Join(dir, e.Path)
		data, err := os.ReadFile(src)
		if err != nil {
			continue // already warned about during capture if unreadable
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("snapshot: create entry directory: %w", err)
		}
		if err := os.WriteFile(dst, data, 0o644); err != nil {
			return fmt.Errorf("snapshot: write entry copy: %w", err)
		}
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), data, 0o644); err != nil {
		return fmt.Errorf("snapshot: write manifest: %w", err)
	}
	return nil
}

// prune removes the oldest snapshots beyond maxCount, determined by each
// manifest's recorded CreatedAt.
func (s *Store) prune() error {
	dirEntries, err := os.ReadDir(s.storeDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	type candidate struct {
		id        string
		createdAt time.Time
	}
	var candidates []candidate
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		m, err := s.Load(de.Name())
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{id: de.Name(), createdAt: m.CreatedAt})
	}
	if len(candidates) <= s.maxCount {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].createdAt.Before(candidates[j].createdAt) })
	toRemove := len(candidates) - s.maxCount
	for _, c := range candidates[:toRemove] {
		if err := os.RemoveAll(filepath.Join(s.storeDir(), c.id)); err != nil {
			return err
		}
	}
	return nil
}

// hashEntries computes the manifest's canonical hash by BLAKE3-hashing the
// concatenation of each entry's path and content hash in sorted order, which
// makes the manifest hash stable under re-serialisation.
func hashEntries(entries []Entry) string {
	h := blake3.New(32, nil)
	for _, e := range entries {
		h.Write([]byte(e.Path))
		h.Write([]byte{0})
		h.Write([]byte(e.Hash))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
