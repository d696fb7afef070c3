// Package apierrors defines the structured error envelope returned by every
// facade operation and every bus-carried error payload. Components below the
// facade return plain Go errors (wrapped with %w); the facade translates them
// into an Envelope at the boundary so front-ends always see a stable shape.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Code is a stable, machine-readable error classification.
type Code string

// Error kinds from the core's error taxonomy. Values are wire-stable; do not
// rename without a compatibility plan for existing front-ends.
const (
	CodeInvalidDiff      Code = "InvalidDiff"
	CodeVcsConflict      Code = "VcsConflict"
	CodeProtectedPath    Code = "ProtectedPath"
	CodePolicyBlock      Code = "PolicyBlock"
	CodeSnapshotStale    Code = "SnapshotStale"
	CodeSnapshotRequired Code = "SnapshotRequired"
	CodeIO               Code = "Io"
	CodeResourceLimit    Code = "ResourceLimit"
	CodeTestFail         Code = "TestFail"
	CodeTestTimeout      Code = "TestTimeout"
	CodeGitDirty         Code = "GitDirty"
	CodeSaturation       Code = "Saturation"
	CodeUnauthorized     Code = "Unauthorized"
	CodeCancelled        Code = "Cancelled"
	CodeTimeout          Code = "Timeout"
	CodeInternal         Code = "Internal"
)

// Envelope is the wire shape returned by every facade operation, matching
// §6 of the specification exactly.
type Envelope struct {
	Code          Code      `json:"code"`
	Message       string    `json:"message"`
	Hint          string    `json:"hint,omitempty"`
	Actionable    *bool     `json:"actionable,omitempty"`
	Details       any       `json:"details,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id"`
	wrapped       error
}

// Error satisfies the error interface so an Envelope can be returned and
// propagated with standard Go error handling.
func (e *Envelope) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the originating error, if any, so callers can use
// errors.Is/errors.As across the envelope boundary.
func (e *Envelope) Unwrap() error { return e.wrapped }

// MarshalJSON renders the envelope using RFC3339 timestamps and omits the
// internal wrapped error.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	return json.Marshal(&struct {
		Timestamp string `json:"timestamp"`
		*alias
	}{
		Timestamp: e.Timestamp.Format(time.RFC3339),
		alias:     (*alias)(e),
	})
}

// New builds an Envelope with a fresh correlation id and the current time.
func New(code Code, message string) *Envelope {
	return &Envelope{
		Code:          code,
		Message:       message,
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
	}
}

// Wrap builds an Envelope around an existing error, preserving it for
// errors.Is/As while giving it a stable code for wire transport.
func Wrap(code Code, err error) *Envelope {
	env := New(code, err.Error())
	env.wrapped = err
	return env
}

// WithHint attaches operator-facing remediation guidance.
func (e *Envelope) WithHint(hint string) *Envelope {
	e.Hint = hint
	return e
}

// WithActionable marks whether the caller can retry/resolve the condition
// itself (true) or whether it requires operator intervention (false).
func (e *Envelope) WithActionable(actionable bool) *Envelope {
	e.Actionable = &actionable
	return e
}

// WithDetails attaches structured, code-specific detail (e.g. the diverging
// file/line for VcsConflict, the snapshot id for SnapshotStale).
func (e *Envelope) WithDetails(details any) *Envelope {
	e.Details = details
	return e
}

// Is reports whether err (or any error it wraps) carries the given code.
// This lets callers write `apierrors.Is(err, apierrors.CodeProtectedPath)`
// without needing the concrete *Envelope type.
func Is(err error, code Code) bool {
	var env *Envelope
	if errors.As(err, &env) {
		return env.Code == code
	}
	return false
}

// Internal wraps an unexpected error with a fresh correlation id so it can be
// cross-referenced against the journal, per §7 ("Internal ... must include a
// correlation UUID").
func Internal(err error) *Envelope {
	return Wrap(CodeInternal, err).WithActionable(false)
}
