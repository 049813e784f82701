// Package eventbus implements the single-writer, many-reader broadcast
// of job lifecycle events, plus an optional Redis-backed publisher for
// multi-replica deployments.
package eventbus

import (
	"time"

	"github.com/slidecore/orchestrator/internal/slide"
)

// Type tags the kind of lifecycle event.
type Type string

const (
	TypeFileDetected Type = "file_detected"
	TypeQueued       Type = "queued"
	TypeStarted      Type = "started"
	TypeProgress     Type = "progress"
	TypeComplete     Type = "complete"
	TypeCancelled    Type = "cancelled"
	TypeFailed       Type = "failed"
	TypeRetry        Type = "retry"
	TypeDeleted      Type = "deleted"
	TypeAutoDelete   Type = "auto_delete"
	TypeRestored     Type = "restored"
)

// Event is the JSON-serializable record published on the bus and
// streamed to subscribers.
type Event struct {
	Type      Type         `json:"type"`
	BaseName  slide.BaseName `json:"base_name"`
	Phase     slide.Phase  `json:"phase,omitempty"`
	Percent   int          `json:"percent,omitempty"`
	Error     string       `json:"error,omitempty"`
	Attempt   int          `json:"attempt,omitempty"`
	MaxAttempts int        `json:"max_attempts,omitempty"`
	At        time.Time    `json:"at"`
	// Origin identifies the replica that produced this event. Only set
	// when mirrored through DistributedBus, which uses it to avoid
	// re-publishing an event back into the replica that produced it.
	Origin string `json:"origin,omitempty"`
}

func Progress(base slide.BaseName, phase slide.Phase, percent int) Event {
	return Event{Type: TypeProgress, BaseName: base, Phase: phase, Percent: percent, At: time.Now()}
}

func Simple(t Type, base slide.BaseName) Event {
	return Event{Type: t, BaseName: base, At: time.Now()}
}

func Failed(base slide.BaseName, err error) Event {
	return Event{Type: TypeFailed, BaseName: base, Error: err.Error(), At: time.Now()}
}

func Retry(base slide.BaseName, attempt, maxAttempts int) Event {
	return Event{Type: TypeRetry, BaseName: base, Attempt: attempt, MaxAttempts: maxAttempts, At: time.Now()}
}
