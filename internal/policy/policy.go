// Package policy implements the approval-policy engine (C5): a pure,
// stateless classifier that turns a proposed set of file changes plus a
// requested approval level into an allow/block/confirm decision, a derived
// risk level, and any warnings worth surfacing to the caller.
//
// The engine holds configuration only; Evaluate never mutates it and is
// deterministic given the same context and configuration, in the spirit of
// the allow/block-list engines the rest of this codebase builds (filtering
// candidates down via ordered, first-match-wins rules rather than scoring).
package policy

import (
	"path/filepath"
	"strings"

	"github.com/devit-sh/devitd/internal/apierrors"
)

// Level is an approval rank. Higher values are more privileged.
type Level int

const (
	LevelUntrusted Level = iota
	LevelAsk
	LevelModerate
	LevelTrusted
	LevelPrivileged
)

func (l Level) String() string {
	switch l {
	case LevelUntrusted:
		return "Untrusted"
	case LevelAsk:
		return "Ask"
	case LevelModerate:
		return "Moderate"
	case LevelTrusted:
		return "Trusted"
	case LevelPrivileged:
		return "Privileged"
	default:
		return "Unknown"
	}
}

// Requested bundles a Level with the allowed-paths set that only applies
// when Level is LevelPrivileged.
type Requested struct {
	Level        Level
	AllowedPaths []string // prefix-matched; only meaningful at LevelPrivileged
}

// Satisfies reports whether r meets required. A Privileged request only
// satisfies another Privileged requirement when every path in
// requiredPaths is covered, by prefix, by some entry in r.AllowedPaths; this
// is the one place rank-comparison alone is not enough, since two
// Privileged grants can cover disjoint path sets.
func (r Requested) Satisfies(required Level, requiredPaths []string) bool {
	if required == LevelPrivileged {
		if r.Level != LevelPrivileged {
			return false
		}
		for _, need := range requiredPaths {
			if !anyPrefixCovers(r.AllowedPaths, need) {
				return false
			}
		}
		return true
	}
	return r.Level >= required
}

func anyPrefixCovers(allowed []string, path string) bool {
	for _, a := range allowed {
		if pathHasPrefix(path, a) {
			return true
		}
	}
	return false
}

func pathHasPrefix(path, prefix string) bool {
	path = filepath.ToSlash(path)
	prefix = filepath.ToSlash(prefix)
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// ChangeKind classifies one FileChange.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeMod    ChangeKind = "mod"
	ChangeDel    ChangeKind = "del"
	ChangeRename ChangeKind = "rename"
	ChangeCopy   ChangeKind = "copy"
)

// FileChange is one entry in a Policy Context's change set.
type FileChange struct {
	Path             string
	Kind             ChangeKind
	Binary           bool
	AddsExecBit      bool
	LinesAdded       int
	LinesDeleted     int
	SymlinkTarget    string // empty if not a symlink
	TouchesProtected bool
	TouchesSubmodule bool
	Size             int64
}

// RiskLevel is the derived severity of a proposed change set.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Config holds the engine's static, per-deployment configuration.
type Config struct {
	ProtectedPaths      []string // e.g. ".env", ".gitmodules", "Dockerfile"
	CriticalFiles       []string // e.g. "Cargo.toml", "package.json", "Dockerfile", "Makefile", "build.rs", "requirements.txt"
	SmallBinaryMaxBytes int64
	BinaryExtWhitelist  []string // e.g. ".png", ".ico"
	MaxLinesForLevel    map[Level]int
	MaxFilesForLevel    map[Level]int
	WorkingRoot         string // used to canonicalise symlink targets
}

// DefaultConfig returns sane defaults matching the reference deployment:
// a small, conservative protected-path list and per-level size thresholds
// that widen as the requested level rises.
func DefaultConfig() Config {
	return Config{
		ProtectedPaths:      []string{".env", ".env.local", ".gitmodules", "Dockerfile", ".ssh", ".git/config"},
		CriticalFiles:       []string{"Cargo.toml", "package.json", "Dockerfile", "Makefile", "build.rs", "requirements.txt"},
		SmallBinaryMaxBytes: 64 * 1024,
		BinaryExtWhitelist:  []string{".png", ".jpg", ".jpeg", ".gif", ".ico", ".woff", ".woff2"},
		MaxLinesForLevel: map[Level]int{
			LevelUntrusted: 20,
			LevelAsk:       100,
			LevelModerate:  500,
			LevelTrusted:   5000,
		},
		MaxFilesForLevel: map[Level]int{
			LevelUntrusted: 1,
			LevelAsk:       5,
			LevelModerate:  25,
			LevelTrusted:   200,
		},
	}
}

// Context is the input to Evaluate: the full set of changes a patch would
// make, plus the level the caller is requesting to operate at.
type Context struct {
	Changes   []FileChange
	Requested Requested
}

// Decision is Evaluate's output.
type Decision struct {
	Allow                bool
	RequiresConfirmation bool
	DowngradedTo         *Level
	BlockedReason        *apierrors.Envelope
	Warnings             []string
	RecommendedLevel     Level
	Risk                 RiskLevel
}

// Engine is the pure, stateless policy evaluator. It is safe for concurrent
// use: Evaluate reads only Config, which callers must not mutate after
// constructing the Engine.
type Engine struct {
	cfg Config
}

// New returns an Engine bound to cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Evaluate runs the ordered, first-match-wins rule set over ctx and returns
// a Decision. It never touches disk or any other external state.
func (e *Engine) Evaluate(ctx Context) Decision {
	risk := e.riskLevel(ctx.Changes)
	recommended := recommendedLevel(risk)

	// Rule 1 & 3: protected paths and submodule/.gitmodules changes.
	for _, c := range ctx.Changes {
		if (e.isProtectedPath(c.Path) || c.TouchesProtected || c.TouchesSubmodule) &&
			!ctx.Requested.Satisfies(LevelPrivileged, []string{c.Path}) {
			return Decision{
				Allow:            false,
				BlockedReason:    apierrors.New(apierrors.CodeProtectedPath, "path is protected: "+c.Path),
				RecommendedLevel: recommended,
				Risk:             risk,
			}
		}
	}

	// Rule 2: symlink targets escaping the root.
	for _, c := range ctx.Changes {
		if c.SymlinkTarget == "" {
			continue
		}
		if !e.symlinkTargetWithinRoot(c.SymlinkTarget) {
			return Decision{
				Allow:            false,
				BlockedReason:    apierrors.New(apierrors.CodeProtectedPath, "symlink target escapes root: "+c.SymlinkTarget),
				RecommendedLevel: recommended,
				Risk:             risk,
			}
		}
	}

	var warnings []string

	// Rule 4: exec-bit additions.
	for _, c := range ctx.Changes {
		if !c.AddsExecBit {
			continue
		}
		switch {
		case ctx.Requested.Level == LevelAsk || ctx.Requested.Level == LevelUntrusted:
			return Decision{
				Allow:            false,
				BlockedReason:    apierrors.New(apierrors.CodePolicyBlock, "exec-bit addition requires Moderate or higher: "+c.Path),
				RecommendedLevel: recommended,
				Risk:             risk,
			}
		case ctx.Requested.Level == LevelModerate:
			warnings = append(warnings, "exec-bit addition on "+c.Path+" requires confirmation")
		default:
			warnings = append(warnings, "exec-bit addition on "+c.Path)
		}
	}

	// Rule 5: binary files.
	for _, c := range ctx.Changes {
		if !c.Binary {
			continue
		}
		small := c.Size <= e.cfg.SmallBinaryMaxBytes && e.hasWhitelistedExt(c.Path)
		switch {
		case small && ctx.Requested.Level >= LevelTrusted:
			// allowed
		case small && ctx.Requested.Level == LevelModerate:
			warnings = append(warnings, "binary file "+c.Path+" requires confirmation")
		default:
			return Decision{
				Allow:            false,
				BlockedReason:    apierrors.New(apierrors.CodePolicyBlock, "binary file not permitted at requested level: "+c.Path),
				RecommendedLevel: recommended,
				Risk:             risk,
			}
		}
	}

	// Rule 6: aggregate size thresholds trigger a downgrade to Ask.
	totalLines := 0
	for _, c := range ctx.Changes {
		totalLines += c.LinesAdded + c.LinesDeleted
	}
	maxLines, hasMaxLines := e.cfg.MaxLinesForLevel[ctx.Requested.Level]
	maxFiles, hasMaxFiles := e.cfg.MaxFilesForLevel[ctx.Requested.Level]
	if (hasMaxLines && totalLines > maxLines) || (hasMaxFiles && len(ctx.Changes) > maxFiles) {
		downgraded := LevelAsk
		return Decision{
			Allow:                true,
			RequiresConfirmation: true,
			DowngradedTo:         &downgraded,
			Warnings:             append(warnings, "change size exceeds threshold for requested level; downgraded to Ask"),
			RecommendedLevel:     recommended,
			Risk:                 risk,
		}
	}

	// Rule 7: default allow.
	return Decision{
		Allow:                true,
		RequiresConfirmation: len(warnings) > 0 && ctx.Requested.Level == LevelModerate,
		Warnings:             warnings,
		RecommendedLevel:     recommended,
		Risk:                 risk,
	}
}

func (e *Engine) isProtectedPath(path string) bool {
	for _, p := range e.cfg.ProtectedPaths {
		if pathHasPrefix(path, p) || filepath.Base(path) == p {
			return true
		}
	}
	return false
}

// IsProtectedPath reports whether path matches the engine's configured
// protected-path list (by prefix or basename), the same check Evaluate uses
// for Rule 1. Exported so callers that only need the protected-path
// classification — patch_preview's ProtectedFlag, in particular — can reuse
// it instead of re-deriving their own heuristic.
func (e *Engine) IsProtectedPath(path string) bool {
	return e.isProtectedPath(path)
}

func (e *Engine) hasWhitelistedExt(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	for _, allowed := range e.cfg.BinaryExtWhitelist {
		if ext == allowed {
			return true
		}
	}
	return false
}

// symlinkTargetWithinRoot reports whether target, once joined against the
// configured working root, stays within it. The actual symlink-component
// rejection during filesystem traversal is procutil's job; this check only
// covers the policy-time classification of a proposed symlink addition.
func (e *Engine) symlinkTargetWithinRoot(target string) bool {
	if filepath.IsAbs(target) {
		root := filepath.Clean(e.cfg.WorkingRoot)
		clean := filepath.Clean(target)
		return clean == root || strings.HasPrefix(clean, root+string(filepath.Separator))
	}
	// A relative target that doesn't net-escape via ".." is within root.
	clean := filepath.Clean(target)
	return !strings.HasPrefix(clean, "..")
}

// riskLevel derives a RiskLevel from the aggregate change set, monotone in
// change size, critical-file presence, and protected-path presence.
func (e *Engine) riskLevel(changes []FileChange) RiskLevel {
	totalLines := 0
	touchesCritical := false
	touchesProtected := false
	for _, c := range changes {
		totalLines += c.LinesAdded + c.LinesDeleted
		if e.isCriticalFile(c.Path) {
			touchesCritical = true
		}
		if e.isProtectedPath(c.Path) || c.TouchesProtected {
			touchesProtected = true
		}
	}

	switch {
	case touchesProtected:
		return RiskCritical
	case touchesCritical && totalLines > 100:
		return RiskHigh
	case touchesCritical:
		return RiskMedium
	case totalLines > 500:
		return RiskHigh
	case totalLines > 100:
		return RiskMedium
	default:
		return RiskLow
	}
}

func (e *Engine) isCriticalFile(path string) bool {
	base := filepath.Base(path)
	for _, c := range e.cfg.CriticalFiles {
		if base == c {
			return true
		}
	}
	return false
}

// recommendedLevel maps a RiskLevel to the approval level a caller should
// request, in a monotone risk-to-level relationship.
func recommendedLevel(risk RiskLevel) Level {
	switch risk {
	case RiskLow:
		return LevelUntrusted
	case RiskMedium:
		return LevelAsk
	case RiskHigh:
		return LevelModerate
	case RiskCritical:
		return LevelTrusted
	default:
		return LevelAsk
	}
}
