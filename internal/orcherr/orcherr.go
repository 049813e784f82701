// Package orcherr defines the error taxonomy the orchestrator uses in
// place of ad hoc string matching. Every propagated failure is a *Error
// carrying a machine-readable Kind.
package orcherr

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindUnsupportedFormat  Kind = "unsupported_format"
	KindInProgress         Kind = "in_progress"
	KindArtifactExists     Kind = "artifact_exists"
	KindArtifactMissing    Kind = "artifact_missing"
	KindToolAbsent         Kind = "tool_absent"
	KindToolFailure        Kind = "tool_failure"
	KindTimeout            Kind = "timeout"
	KindStagingSetupFailed Kind = "staging_setup_failed"
	KindPromotionFailed    Kind = "promotion_failed"
	KindCleanupDeferred    Kind = "cleanup_deferred"
	KindQueueFull          Kind = "queue_full"
)

// Error is the single error type propagated across component boundaries.
type Error struct {
	Kind Kind
	// BaseName is attached where known, so callers (and log lines) don't
	// need to re-derive it from the message string.
	BaseName string
	// ExitCode and StderrTail are populated for KindToolFailure.
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.BaseName != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.BaseName)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, baseName string, err error) *Error {
	return &Error{Kind: kind, BaseName: baseName, Err: err}
}

func ToolFailure(baseName string, exitCode int, stderrTail string) *Error {
	return &Error{
		Kind:       KindToolFailure,
		BaseName:   baseName,
		ExitCode:   exitCode,
		StderrTail: stderrTail,
		Err:        fmt.Errorf("tool exited %d", exitCode),
	}
}

// IsKind reports whether err, or any error it wraps, is a *Error of the
// given Kind, comparing Kind rather than identity.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
