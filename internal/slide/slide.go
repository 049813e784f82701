// Package slide holds the core data model: slide source files,
// conversion jobs, and the artifact sets they produce. These types have
// no behavior of their own beyond small invariant-preserving helpers —
// ownership of mutation lives in internal/layout (artifact state) and
// internal/scheduler (job table).
package slide

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// BaseName is a slide's identity: its filename minus extension.
type BaseName string

// Format is one of the supported whole-slide image container formats.
type Format string

const (
	FormatSVS Format = "svs"
	FormatNDPI Format = "ndpi"
	FormatTIFF Format = "tiff"
	FormatJP2  Format = "jp2"
	FormatVMS  Format = "vms"
	FormatVMU  Format = "vmu"
	FormatSCN  Format = "scn"
)

// SupportedExtensions maps a lowercase file extension (without the dot)
// to its Format tag. Only these extensions are admitted by the watcher.
var SupportedExtensions = map[string]Format{
	"svs":  FormatSVS,
	"ndpi": FormatNDPI,
	"tif":  FormatTIFF,
	"tiff": FormatTIFF,
	"jp2":  FormatJP2,
	"vms":  FormatVMS,
	"vmu":  FormatVMU,
	"scn":  FormatSCN,
}

// Source is a slide source file as discovered on disk.
type Source struct {
	BaseName BaseName
	Path     string
	Format   Format
	Size     int64
	ModTime  time.Time
}

// Phase is a conversion job's position in its state machine.
type Phase string

const (
	PhaseQueued    Phase = "queued"
	PhaseICC       Phase = "icc"
	PhaseDZI       Phase = "dzi"
	PhaseMetadata  Phase = "metadata"
	PhasePromoting Phase = "promoting"
	PhaseComplete  Phase = "complete"
	PhaseCancelled Phase = "cancelled"
	PhaseFailed    Phase = "failed"
)

// Terminal reports whether no further transition leaves this phase.
func (p Phase) Terminal() bool {
	switch p {
	case PhaseComplete, PhaseCancelled, PhaseFailed:
		return true
	default:
		return false
	}
}

// Staged reports whether a staging directory is expected to exist for a
// job currently in this phase.
func (p Phase) Staged() bool {
	switch p {
	case PhaseICC, PhaseDZI, PhaseMetadata, PhasePromoting:
		return true
	default:
		return false
	}
}

// Kind distinguishes a first conversion from a re-conversion.
type Kind string

const (
	KindInitial      Kind = "initial"
	KindReconversion Kind = "reconversion"
)

// Job is one run of the pipeline for one BaseName. The scheduler is its
// sole mutator; everything else reads a snapshot via Job.Snapshot().
type Job struct {
	ID            uuid.UUID
	BaseName      BaseName
	InputPath     string
	StagingDir    string
	BackupDir     string // only set for Kind == KindReconversion
	RequestedAt   time.Time
	StartedAt     time.Time
	Phase         Phase
	Progress      int
	LastProgressAt time.Time
	Kind          Kind
	RestoredFromSync bool
	// Attempt counts tool-phase runs made so far, starting at 1. It
	// advances past 1 only when a retry re-queues the job after a
	// transient tool failure.
	Attempt int
}

// Snapshot is an immutable copy of Job safe to hand to readers (event
// bus subscribers, status queries) without risking a data race with the
// scheduler goroutine that owns the live Job.
type Snapshot struct {
	ID               uuid.UUID
	BaseName         BaseName
	Phase            Phase
	Progress         int
	Kind             Kind
	RequestedAt      time.Time
	StartedAt        time.Time
	LastProgressAt   time.Time
	RestoredFromSync bool
	Attempt          int
}

func (j *Job) Snapshot() Snapshot {
	return Snapshot{
		ID:               j.ID,
		BaseName:         j.BaseName,
		Phase:            j.Phase,
		Progress:         j.Progress,
		Kind:             j.Kind,
		RequestedAt:      j.RequestedAt,
		StartedAt:        j.StartedAt,
		LastProgressAt:   j.LastProgressAt,
		RestoredFromSync: j.RestoredFromSync,
		Attempt:          j.Attempt,
	}
}

// SetProgress enforces the monotonic-progress invariant: within a job,
// progress never decreases except when the phase itself advances (the
// caller passing a later phase resets the baseline). A report for an
// earlier, non-terminal phase is ignored.
func (j *Job) SetProgress(phase Phase, pct int) {
	if phase != j.Phase {
		order := map[Phase]int{PhaseQueued: 0, PhaseICC: 1, PhaseDZI: 2, PhaseMetadata: 3, PhasePromoting: 4}
		if !phase.Terminal() && !j.Phase.Terminal() && order[phase] < order[j.Phase] {
			return
		}
		j.Phase = phase
	} else if pct < j.Progress {
		return
	}
	j.Progress = pct
	j.LastProgressAt = time.Now()
}

// ExtensionFormat looks up the Format for a lowercase extension (no dot),
// reporting ok=false for anything outside SupportedExtensions.
func ExtensionFormat(ext string) (Format, bool) {
	f, ok := SupportedExtensions[ext]
	return f, ok
}

func (b BaseName) String() string { return string(b) }

// CancelFlagName is the sibling file that suppresses watcher admission
// until an explicit reconvert or delete clears it.
func CancelFlagName(base BaseName) string {
	return fmt.Sprintf(".%s.cancelled", base)
}
