// Package facade implements the Core Facade (C10): the stable,
// language-agnostic operation surface every front-end talks to. It sits
// above policy, patch, snapshot, orchestration, and the test runner, and
// translates every error at its boundary into an apierrors.Envelope so
// callers never see a package-specific error type.
package facade

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/devit-sh/devitd/internal/apierrors"
	"github.com/devit-sh/devitd/internal/journal"
	"github.com/devit-sh/devitd/internal/orchestration"
	"github.com/devit-sh/devitd/internal/patch"
	"github.com/devit-sh/devitd/internal/policy"
	"github.com/devit-sh/devitd/internal/snapshot"
	"github.com/devit-sh/devitd/internal/telemetry"
)

// PatchResult is patch_apply's success shape, request-id-bearing so callers
// can correlate idempotent replays.
type PatchResult struct {
	RequestID string       `json:"request_id"`
	Result    patch.Result `json:"result"`
}

// idempotencyEntry is reserved under Facade.mu before PatchApply's actual
// work runs, so two concurrent callers sharing a key race on inserting the
// entry, not on the apply itself. done is closed once requestID/result/err
// are final; anyone who found an already-reserved entry blocks on it
// instead of proceeding, guaranteeing the diff is applied at most once per
// key regardless of how many concurrent callers share it.
type idempotencyEntry struct {
	done      chan struct{}
	requestID string
	result    PatchResult
	err       *apierrors.Envelope
}

// Facade wires the daemon's components behind the stable operation surface.
type Facade struct {
	policy        *policy.Engine
	patch         *patch.Engine
	snapshots     *snapshot.Store
	orchestration *orchestration.Core
	journal       *journal.Journal
	log           telemetry.Logger

	mu         sync.Mutex
	idempotent map[string]*idempotencyEntry
}

// New builds a Facade over already-constructed components. Any of journal
// or log may be nil.
func New(pol *policy.Engine, pat *patch.Engine, snaps *snapshot.Store, orch *orchestration.Core, j *journal.Journal, log telemetry.Logger) *Facade {
	if log == nil {
		log = telemetry.NoopLogger{}
	}
	return &Facade{
		policy:        pol,
		patch:         pat,
		snapshots:     snaps,
		orchestration: orch,
		journal:       j,
		log:           log,
		idempotent:    make(map[string]*idempotencyEntry),
	}
}

// PatchPreview returns a dry-run preview of diff's effects, without touching
// the working tree.
func (f *Facade) PatchPreview(diff string) (patch.Preview, *apierrors.Envelope) {
	preview, err := patch.BuildPreview(diff, f.policy)
	if err != nil {
		return patch.Preview{}, translate(err)
	}
	return preview, nil
}

// PatchApply applies diff under requested, deduplicating on idempotencyKey:
// a repeat call with the same non-empty key and a prior successful result
// returns that result again without touching the working tree a second
// time, per §4.C10. The reservation below is atomic with respect to the map
// lookup — two concurrent calls sharing a key can never both pass the
// cache-miss check, so the diff is applied at most once per key even when
// callers race.
func (f *Facade) PatchApply(diff string, requested policy.Requested, dryRun bool, idempotencyKey string) (PatchResult, *apierrors.Envelope) {
	if idempotencyKey == "" {
		return f.applyPatch(diff, requested, dryRun)
	}

	f.mu.Lock()
	if entry, ok := f.idempotent[idempotencyKey]; ok {
		f.mu.Unlock()
		<-entry.done
		return entry.result, entry.err
	}
	entry := &idempotencyEntry{done: make(chan struct{})}
	f.idempotent[idempotencyKey] = entry
	f.mu.Unlock()

	pr, envelope := f.applyPatch(diff, requested, dryRun)

	entry.requestID = pr.RequestID
	entry.result = pr
	entry.err = envelope
	close(entry.done)

	return pr, envelope
}

// applyPatch runs the actual apply and journal append, with no idempotency
// bookkeeping — PatchApply wraps this under its reservation.
func (f *Facade) applyPatch(diff string, requested policy.Requested, dryRun bool) (PatchResult, *apierrors.Envelope) {
	requestID := uuid.NewString()
	result, err := f.patch.Apply(diff, requested, dryRun, requestID)

	var pr PatchResult
	var envelope *apierrors.Envelope
	if err != nil {
		envelope = translate(err)
	} else {
		pr = PatchResult{RequestID: requestID, Result: result}
	}

	if f.journal != nil {
		meta := map[string]any{"request_id": requestID, "dry_run": dryRun}
		if envelope != nil {
			meta["error"] = envelope.Code
		}
		f.journal.Append(journal.EventPatch, requestID, "facade", "patch", meta)
	}

	return pr, envelope
}

// SnapshotCreate captures paths (or the whole tree if empty) under a new
// snapshot with a fresh random id; description is recorded only in the
// journal entry.
func (f *Facade) SnapshotCreate(description string, paths []string) (snapshot.Summary, *apierrors.Envelope) {
	id := uuid.NewString()
	summary, err := f.snapshots.Create(id, paths)
	if err != nil {
		return snapshot.Summary{}, translate(err)
	}
	if f.journal != nil {
		f.journal.Append(journal.EventSnapshot, id, "facade", "snapshot", map[string]any{"description": description, "paths": paths})
	}
	return summary, nil
}

// SnapshotRestore rolls the working tree back to a previously captured
// snapshot.
func (f *Facade) SnapshotRestore(id string) *apierrors.Envelope {
	if err := f.snapshots.Restore(id); err != nil {
		return translate(err)
	}
	return nil
}

// SnapshotValidate reports whether every path in referencePaths still
// matches its captured content.
func (f *Facade) SnapshotValidate(id string, referencePaths []string) (bool, *apierrors.Envelope) {
	ok, err := f.snapshots.Validate(id, referencePaths)
	if err != nil {
		return false, translate(err)
	}
	return ok, nil
}

// OrchestrationDelegate creates a new delegated task.
func (f *Facade) OrchestrationDelegate(req orchestration.DelegateRequest) (string, *apierrors.Envelope) {
	taskID, err := f.orchestration.Delegate(req)
	if err != nil {
		return "", translate(err)
	}
	return taskID, nil
}

// OrchestrationNotify applies a status transition to a delegated task.
func (f *Facade) OrchestrationNotify(req orchestration.NotifyRequest) *apierrors.Envelope {
	if err := f.orchestration.Notify(req); err != nil {
		return translate(err)
	}
	return nil
}

// OrchestrationStatus returns the task snapshot matching filter.
func (f *Facade) OrchestrationStatus(filter orchestration.StatusFilter) orchestration.Snapshot {
	return f.orchestration.Status(filter)
}

// TestRun executes cfg under the sandbox plan derived from profile and
// returns its outcome. See test_run.go for the runner itself.
func (f *Facade) TestRun(ctx context.Context, cfg RunConfig) (TestResults, *apierrors.Envelope) {
	results, err := runTest(ctx, cfg)
	if err != nil {
		return TestResults{}, translate(err)
	}
	return results, nil
}

// translate maps a package-level error into the wire-stable envelope. An
// error that is already an Envelope passes through unchanged; any other
// error is wrapped as Internal with a fresh correlation id per §7.
func translate(err error) *apierrors.Envelope {
	if err == nil {
		return nil
	}
	if env, ok := err.(*apierrors.Envelope); ok {
		return env
	}
	return apierrors.Internal(err)
}
