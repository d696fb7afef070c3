package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/policy"
	"github.com/devit-sh/devitd/internal/procutil"
	"github.com/devit-sh/devitd/internal/snapshot"
)

// Stats summarises the net effect of a successful apply.
type Stats struct {
	FilesCreated  int
	FilesModified int
	FilesDeleted  int
	HunksApplied  int
	LinesAdded    int
	LinesRemoved  int
}

// Result is Apply's return value on success.
type Result struct {
	Stats      Stats
	Summaries  []ChangeSummary
	SnapshotID string
}

// Engine applies unified diffs to a working root as an all-or-nothing
// transaction, gated by a policy.Engine and backed by a snapshot.Store for
// pre-image capture and rollback.
type Engine struct {
	root     string
	policy   *policy.Engine
	snapshot *snapshot.Store
}

// New returns an Engine rooted at root, using eng for policy gating and
// snaps for pre-image capture and rollback.
func New(root string, eng *policy.Engine, snaps *snapshot.Store) *Engine {
	return &Engine{root: root, policy: eng, snapshot: snaps}
}

// Apply parses diff, validates it against the working tree and policy, and
// — unless dryRun is set — commits every file change as a single
// all-or-nothing transaction: every write lands on a temporary sibling
// first; only once every file in the patch has a staged temp file does the
// loop swing them all into place, so a failure partway through never
// leaves a torn mix of old and new file contents. requested governs the
// policy gate; snapshotIDPrefix is used as the pre-image snapshot's id.
func (e *Engine) Apply(diff string, requested policy.Requested, dryRun bool, snapshotIDPrefix string) (Result, error) {
	parsed, err := Parse(diff)
	if err != nil {
		return Result{}, err
	}
	if len(parsed.Files) == 0 {
		return Result{}, apierrors.New(apierrors.CodeInvalidDiff, "no file changes detected")
	}

	changes := parsed.ToFileChanges()

	if !dryRun {
		if err := e.validateWorkspaceState(parsed); err != nil {
			return Result{}, err
		}
	}

	decision := e.policy.Evaluate(policy.Context{Changes: changes, Requested: requested})
	if !decision.Allow {
		return Result{}, decision.BlockedReason
	}

	summaries := buildSummaries(parsed)
	stats := computeStats(parsed, changes)

	if dryRun {
		return Result{Stats: stats, Summaries: summaries}, nil
	}

	snapshotID := snapshotIDPrefix
	referencePaths := referencePathsFor(parsed)
	snapSummary, err := e.snapshot.Create(snapshotID, referencePaths, newFilePathsFor(parsed)...)
	if err != nil {
		return Result{}, apierrors.Wrap(apierrors.CodeIO, err)
	}

	if err := e.commit(parsed); err != nil {
		if restoreErr := e.snapshot.Restore(snapSummary.Manifest.ID); restoreErr != nil {
			return Result{}, apierrors.Internal(fmt.Errorf("apply failed (%w) and rollback failed: %v", err, restoreErr))
		}
		return Result{}, err
	}

	return Result{Stats: stats, Summaries: summaries, SnapshotID: snapSummary.Manifest.ID}, nil
}

// validateWorkspaceState requires that every non-new file's target exists
// under the root, and that every path resolves inside the root per C1.
func (e *Engine) validateWorkspaceState(parsed ParsedPatch) error {
	for _, f := range parsed.Files {
		if f.IsNewFile {
			continue
		}
		candidate := f.OldPath
		if candidate == "" {
			candidate = f.NewPath
		}
		if candidate == "" {
			continue
		}
		resolved, err := procutil.CanonicaliseWithinRoot(e.root, candidate)
		if err != nil {
			return apierrors.Wrap(apierrors.CodeProtectedPath, err)
		}
		if _, err := os.Stat(resolved); err != nil {
			if os.IsNotExist(err) {
				return apierrors.New(apierrors.CodeInvalidDiff, "file not found: "+candidate)
			}
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
	}
	return nil
}

// stagedFile is one file's two-phase-commit plan: write the new content (or
// nothing, for a delete) to a temp sibling, to be renamed into place once
// every file in the patch has staged successfully.
type stagedFile struct {
	targetPath string
	tempPath   string
	isDelete   bool
	newMode    *uint32
}

// commit performs the two-phase commit described in the spec: stage every
// file's new content to a temp sibling (failing fast with VcsConflict on any
// context mismatch), then rename every staged file into place, then unlink
// every delete. Any staging failure cleans up temp files already written
// before propagating the error; the caller is responsible for the
// snapshot-based rollback of files that were already renamed into place.
func (e *Engine) commit(parsed ParsedPatch) error {
	paths := make([]string, 0, len(parsed.Files))
	byPath := make(map[string]FilePatch, len(parsed.Files))
	for _, f := range parsed.Files {
		_, action := determineAction(f)
		target := f.NewPath
		if action == ActionDeleted {
			target = f.OldPath
		}
		paths = append(paths, target)
		byPath[target] = f
	}
	sort.Strings(paths)

	var staged []stagedFile
	cleanup := func() {
		for _, s := range staged {
			os.Remove(s.tempPath)
		}
	}

	for _, p := range paths {
		f := byPath[p]
		_, action := determineAction(f)

		if action == ActionDeleted {
			staged = append(staged, stagedFile{targetPath: filepath.Join(e.root, p), isDelete: true})
			continue
		}

		targetPath := filepath.Join(e.root, p)
		var current []byte
		if action == ActionModified {
			data, err := os.ReadFile(targetPath)
			if err != nil {
				cleanup()
				return apierrors.Wrap(apierrors.CodeIO, err)
			}
			current = data
		}

		newContent, err := spliceHunks(current, f.Hunks)
		if err != nil {
			cleanup()
			return err
		}

		tempPath := targetPath + ".devit-tmp"
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			cleanup()
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
		tf, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			cleanup()
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
		if _, err := tf.Write(newContent); err != nil {
			tf.Close()
			cleanup()
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
		if err := tf.Sync(); err != nil {
			tf.Close()
			cleanup()
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
		tf.Close()

		staged = append(staged, stagedFile{targetPath: targetPath, tempPath: tempPath, newMode: f.NewMode})
	}

	// Phase 2: swing every staged file into place.
	for _, s := range staged {
		if s.isDelete {
			continue
		}
		if err := os.Rename(s.tempPath, s.targetPath); err != nil {
			cleanup()
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
		if s.newMode != nil {
			if err := os.Chmod(s.targetPath, os.FileMode(*s.newMode)); err != nil {
				return apierrors.Wrap(apierrors.CodeIO, err)
			}
		}
		if dir, err := os.Open(filepath.Dir(s.targetPath)); err == nil {
			dir.Sync()
			dir.Close()
		}
	}

	// Deletes happen last, after every rename has succeeded.
	for _, s := range staged {
		if !s.isDelete {
			continue
		}
		if err := os.Remove(s.targetPath); err != nil && !os.IsNotExist(err) {
			return apierrors.Wrap(apierrors.CodeIO, err)
		}
	}

	return nil
}

// spliceHunks applies hunks to current's content in order, verifying that
// each Remove/Context line matches the current file content at the computed
// offset. A mismatch means the working tree has diverged from what the
// diff expects, i.e. a VCS conflict.
func spliceHunks(current []byte, hunks []Hunk) ([]byte, error) {
	lines := splitLines(string(current))
	var out []string
	cursor := 0

	for _, hunk := range hunks {
		start := hunk.OldStart - 1
		if start < 0 {
			start = 0
		}
		if start > len(lines) {
			return nil, apierrors.New(apierrors.CodeVcsConflict, "hunk start beyond end of file")
		}
		out = append(out, lines[cursor:start]...)
		cursor = start

		for _, hl := range hunk.Lines {
			switch hl.Kind {
			case LineContext:
				if cursor >= len(lines) || lines[cursor] != hl.Text {
					return nil, apierrors.New(apierrors.CodeVcsConflict, "context mismatch at line "+fmt.Sprint(cursor+1))
				}
				out = append(out, lines[cursor])
				cursor++
			case LineRemove:
				if cursor >= len(lines) || lines[cursor] != hl.Text {
					return nil, apierrors.New(apierrors.CodeVcsConflict, "remove-line mismatch at line "+fmt.Sprint(cursor+1))
				}
				cursor++
			case LineAdd:
				out = append(out, hl.Text)
			}
		}
	}
	out = append(out, lines[cursor:]...)

	joined := strings.Join(out, "\n")
	if len(out) > 0 {
		joined += "\n"
	}
	return []byte(joined), nil
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	trimmed := strings.TrimSuffix(s, "\n")
	return strings.Split(trimmed, "\n")
}

func buildSummaries(parsed ParsedPatch) []ChangeSummary {
	summaries := make([]ChangeSummary, 0, len(parsed.Files))
	for _, f := range parsed.Files {
		path, action := determineAction(f)
		added, removed := countLineChanges(f)
		summaries = append(summaries, ChangeSummary{
			Path:         path,
			Action:       action,
			Hunks:        len(f.Hunks),
			LinesAdded:   added,
			LinesRemoved: removed,
		})
	}
	return summaries
}

func computeStats(parsed ParsedPatch, changes []policy.FileChange) Stats {
	var s Stats
	for i, f := range parsed.Files {
		_, action := determineAction(f)
		switch action {
		case ActionCreated:
			s.FilesCreated++
		case ActionModified:
			s.FilesModified++
		case ActionDeleted:
			s.FilesDeleted++
		}
		s.HunksApplied += len(f.Hunks)
		s.LinesAdded += changes[i].LinesAdded
		s.LinesRemoved += changes[i].LinesDeleted
	}
	return s
}

// referencePathsFor returns every path a snapshot needs to cover: every
// non-new file this patch will read, modify, or delete.
func referencePathsFor(parsed ParsedPatch) []string {
	seen := make(map[string]struct{})
	var paths []string
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		paths = append(paths, p)
	}
	for _, f := range parsed.Files {
		if !f.IsNewFile {
			add(f.OldPath)
			add(f.NewPath)
		}
	}
	return paths
}

// newFilePathsFor returns the target path of every file this patch creates,
// so the pre-image snapshot can record them and Restore can delete them on
// rollback — they have no pre-image content to restore.
func newFilePathsFor(parsed ParsedPatch) []string {
	var paths []string
	for _, f := range parsed.Files {
		if f.IsNewFile && f.NewPath != "" {
			paths = append(paths, f.NewPath)
		}
	}
	return paths
}
