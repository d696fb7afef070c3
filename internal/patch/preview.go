package patch

import (
	"path/filepath"

	"github.com/devit-sh/devitd/internal/policy"
)

// ChangeAction classifies the net effect of a FilePatch on its target path.
type ChangeAction string

const (
	ActionCreated  ChangeAction = "created"
	ActionModified ChangeAction = "modified"
	ActionDeleted  ChangeAction = "deleted"
)

// ChangeSummary describes one file's change for display or logging.
type ChangeSummary struct {
	Path         string
	Action       ChangeAction
	Hunks        int
	LinesAdded   int
	LinesRemoved int
}

// Preview is patch_preview's result: a read-only classification of what a
// diff would do, without touching disk.
type Preview struct {
	AffectedFiles         []string
	ProtectedFlag         bool
	EstimatedLineChanges  int
	Warnings              []string
	RecommendedLevel      policy.Level
	PermissionChanges     []PermissionChange
}

// PermissionChange records a mode bit transition detected in the diff.
type PermissionChange struct {
	Path    string
	OldMode *uint32
	NewMode *uint32
}

// ToFileChanges converts a ParsedPatch into the policy engine's FileChange
// set, which is also used by the apply pipeline's policy gate.
func (p ParsedPatch) ToFileChanges() []policy.FileChange {
	changes := make([]policy.FileChange, 0, len(p.Files))
	for _, f := range p.Files {
		changes = append(changes, fileChangeFor(f))
	}
	return changes
}

func fileChangeFor(f FilePatch) policy.FileChange {
	path, kind := determineAction(f)
	added, removed := countLineChanges(f)

	return policy.FileChange{
		Path:             path,
		Kind:             policyKindFor(kind),
		Binary:           f.IsBinary,
		AddsExecBit:      f.AddsExecBit,
		LinesAdded:       added,
		LinesDeleted:     removed,
		TouchesProtected: filepath.Base(path) == ".gitmodules",
	}
}

func policyKindFor(a ChangeAction) policy.ChangeKind {
	switch a {
	case ActionCreated:
		return policy.ChangeAdd
	case ActionDeleted:
		return policy.ChangeDel
	default:
		return policy.ChangeMod
	}
}

// determineAction mirrors the original atomic patcher's logic: a file with
// no old path (or explicitly flagged new) is Created; a file with no new
// path (or explicitly flagged deleted) is Deleted; otherwise Modified,
// preferring the new path as the display path.
func determineAction(f FilePatch) (string, ChangeAction) {
	if f.IsNewFile || f.OldPath == "" {
		if f.NewPath != "" {
			return f.NewPath, ActionCreated
		}
		return "<unknown>", ActionCreated
	}
	if f.IsDeleted || f.NewPath == "" {
		if f.OldPath != "" {
			return f.OldPath, ActionDeleted
		}
		return "<unknown>", ActionDeleted
	}
	if f.NewPath != "" {
		return f.NewPath, ActionModified
	}
	return f.OldPath, ActionModified
}

func countLineChanges(f FilePatch) (added, removed int) {
	for _, hunk := range f.Hunks {
		for _, line := range hunk.Lines {
			switch line.Kind {
			case LineAdd:
				added++
			case LineRemove:
				removed++
			}
		}
	}
	return added, removed
}

// BuildPreview analyses diff and returns a Preview without touching disk. The
// recommended approval level is derived from the same risk classification
// the policy engine uses for the apply path, so preview and apply never
// disagree about how risky a change looks.
func BuildPreview(diff string, eng *policy.Engine) (Preview, error) {
	parsed, err := Parse(diff)
	if err != nil {
		return Preview{}, err
	}
	changes := parsed.ToFileChanges()

	decision := eng.Evaluate(policy.Context{
		Changes:   changes,
		Requested: policy.Requested{Level: policy.LevelTrusted},
	})

	var affected []string
	var permChanges []PermissionChange
	protected := false
	totalLines := 0
	for i, f := range parsed.Files {
		path, _ := determineAction(f)
		affected = append(affected, path)
		if changes[i].TouchesProtected || eng.IsProtectedPath(path) {
			protected = true
		}
		if f.OldMode != nil || f.NewMode != nil {
			permChanges = append(permChanges, PermissionChange{Path: path, OldMode: f.OldMode, NewMode: f.NewMode})
		}
		totalLines += changes[i].LinesAdded + changes[i].LinesDeleted
	}

	return Preview{
		AffectedFiles:        affected,
		ProtectedFlag:        protected,
		EstimatedLineChanges: totalLines,
		Warnings:             decision.Warnings,
		RecommendedLevel:     decision.RecommendedLevel,
		PermissionChanges:    permChanges,
	}, nil
}
