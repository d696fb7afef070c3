// Package patch implements the atomic unified-diff applier (C3): a parser
// for git-style unified diffs, a preview path that classifies changes
// without touching disk, and an apply path that commits every hunk across
// every file as a single all-or-nothing transaction backed by a pre-image
// snapshot.
package patch

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devit-sh/devitd/internal/apierrors"
)

// LineKind distinguishes the three kinds of line a hunk can contain.
type LineKind int

const (
	LineContext LineKind = iota
	LineAdd
	LineRemove
)

// Line is one line within a Hunk.
type Line struct {
	Kind LineKind
	Text string
}

// Hunk is one `@@ ... @@` block of a file's diff.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// FilePatch is the parsed diff for a single file.
type FilePatch struct {
	OldPath      string // "" if this is a new file
	NewPath      string // "" if this is a deleted file
	Hunks        []Hunk
	IsNewFile    bool
	IsDeleted    bool
	OldMode      *uint32
	NewMode      *uint32
	AddsExecBit  bool
	IsBinary     bool
}

// ParsedPatch is every file section extracted from a diff.
type ParsedPatch struct {
	Files []FilePatch
}

const execMask = 0o111

// Parse parses a git-style unified diff. An empty or structurally invalid
// diff (one with no "diff --git" sections) yields an empty ParsedPatch,
// which callers must reject as InvalidDiff themselves, matching the
// original parser's division of labour between "parse" and "require
// non-empty".
func Parse(diff string) (ParsedPatch, error) {
	lines := strings.Split(diff, "\n")
	var files []FilePatch

	i := 0
	for i < len(lines) {
		if strings.HasPrefix(lines[i], "diff --git ") {
			fp, next, err := parseFilePatch(lines, i)
			if err != nil {
				return ParsedPatch{}, err
			}
			files = append(files, fp)
			i = next
		} else {
			i++
		}
	}
	return ParsedPatch{Files: files}, nil
}

func parseFilePatch(lines []string, start int) (FilePatch, int, error) {
	i := start
	var fp FilePatch

	for i < len(lines) && !strings.HasPrefix(lines[i], "@@") {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "old mode "):
			mode, err := parseMode(strings.TrimSpace(strings.TrimPrefix(line, "old mode ")), i+1)
			if err != nil {
				return FilePatch{}, 0, err
			}
			fp.OldMode = mode
		case strings.HasPrefix(line, "new mode "):
			mode, err := parseMode(strings.TrimSpace(strings.TrimPrefix(line, "new mode ")), i+1)
			if err != nil {
				return FilePatch{}, 0, err
			}
			fp.NewMode = mode
		case strings.HasPrefix(line, "--- "):
			pathStr := line[4:]
			if pathStr != "/dev/null" {
				fp.OldPath = strings.TrimPrefix(pathStr, "a/")
			}
		case strings.HasPrefix(line, "+++ "):
			pathStr := line[4:]
			if pathStr != "/dev/null" {
				fp.NewPath = strings.TrimPrefix(pathStr, "b/")
			}
		case strings.Contains(line, "new file mode"):
			fp.IsNewFile = true
		case strings.Contains(line, "deleted file mode"):
			fp.IsDeleted = true
		case strings.HasPrefix(line, "Binary files "):
			fp.IsBinary = true
			i++
			goto doneHeader
		}
		i++
	}
doneHeader:

	for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
		hunk, next, err := parseHunk(lines, i)
		if err != nil {
			return FilePatch{}, 0, err
		}
		fp.Hunks = append(fp.Hunks, hunk)
		i = next
	}

	fp.AddsExecBit = modeAddsExec(fp.OldMode, fp.NewMode)
	return fp, i, nil
}

func parseHunk(lines []string, start int) (Hunk, int, error) {
	header := lines[start]
	parts := strings.Fields(header)
	if len(parts) < 3 {
		return Hunk{}, 0, apierrors.New(apierrors.CodeInvalidDiff, fmt.Sprintf("invalid hunk header: %s", header)).WithDetails(map[string]any{"line_number": start + 1})
	}

	oldStart, oldCount, err := parseRange(parts[1][1:])
	if err != nil {
		return Hunk{}, 0, err
	}
	newStart, newCount, err := parseRange(parts[2][1:])
	if err != nil {
		return Hunk{}, 0, err
	}

	var hlines []Line
	i := start + 1
	for i < len(lines) {
		line := lines[i]
		if strings.HasPrefix(line, "@@") || strings.HasPrefix(line, "diff --git") {
			break
		}
		if line == "" {
			break
		}
		switch line[0] {
		case ' ':
			hlines = append(hlines, Line{Kind: LineContext, Text: line[1:]})
		case '+':
			hlines = append(hlines, Line{Kind: LineAdd, Text: line[1:]})
		case '-':
			hlines = append(hlines, Line{Kind: LineRemove, Text: line[1:]})
		default:
			goto doneHunk
		}
		i++
	}
doneHunk:

	return Hunk{OldStart: oldStart, OldCount: oldCount, NewStart: newStart, NewCount: newCount, Lines: hlines}, i, nil
}

func parseRange(r string) (int, int, error) {
	if idx := strings.IndexByte(r, ','); idx >= 0 {
		start, err := strconv.Atoi(r[:idx])
		if err != nil {
			return 0, 0, apierrors.New(apierrors.CodeInvalidDiff, "invalid range start: "+r)
		}
		count, err := strconv.Atoi(r[idx+1:])
		if err != nil {
			return 0, 0, apierrors.New(apierrors.CodeInvalidDiff, "invalid range count: "+r)
		}
		return start, count, nil
	}
	start, err := strconv.Atoi(r)
	if err != nil {
		return 0, 0, apierrors.New(apierrors.CodeInvalidDiff, "invalid range: "+r)
	}
	return start, 1, nil
}

func parseMode(value string, lineNumber int) (*uint32, error) {
	if value == "" {
		return nil, nil
	}
	mode, err := strconv.ParseUint(value, 8, 32)
	if err != nil {
		return nil, apierrors.New(apierrors.CodeInvalidDiff, fmt.Sprintf("invalid file mode '%s'", value)).WithDetails(map[string]any{"line_number": lineNumber})
	}
	m := uint32(mode)
	return &m, nil
}

func modeAddsExec(old, new_ *uint32) bool {
	switch {
	case old != nil && new_ != nil:
		return (*new_&execMask) != 0 && (*old&execMask) == 0
	case old == nil && new_ != nil:
		return (*new_ & execMask) != 0
	default:
		return false
	}
}
