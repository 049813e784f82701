// Package orchestrator is the single façade the HTTP boundary (or any
// other transport) calls into. It owns no mutable state itself — every
// operation is a thin translation onto the layout manager, the
// scheduler, and the event bus.
package orchestrator

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/slidecore/orchestrator/internal/eventbus"
	"github.com/slidecore/orchestrator/internal/layout"
	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/slide"
)

// Scheduler is the subset of *scheduler.Scheduler the façade needs.
type Scheduler interface {
	Submit(base slide.BaseName, inputPath string, kind slide.Kind) (uuid.UUID, int, error)
	Cancel(base slide.BaseName) error
	Status(base slide.BaseName) (slide.Snapshot, bool)
	ListActive() []slide.Snapshot
}

// Layout is the subset of *layout.Manager the façade needs.
type Layout interface {
	ArtifactExists(base slide.BaseName) bool
	Delete(base slide.BaseName, sourcePath string) (layout.DeleteResult, error)
}

// DeleteResult is the façade's own view of what Delete removed.
type DeleteResult struct {
	SourceRenamed   string
	ArtifactRenamed string
}

// SourceLister resolves the slide source files known to the watcher's
// root directory, for list_slides. Implemented by a thin directory-scan
// helper in cmd/slidecored rather than by the watcher itself, since
// list_slides is a point-in-time query, not a subscription.
type SourceLister interface {
	ListSources() ([]slide.Source, error)
}

type Facade struct {
	scheduler Scheduler
	layout    Layout
	bus       *eventbus.Hub
	sources   SourceLister
}

func New(sched Scheduler, lay Layout, bus *eventbus.Hub, sources SourceLister) *Facade {
	return &Facade{scheduler: sched, layout: lay, bus: bus, sources: sources}
}

// SubmitResult is the payload returned by Submit.
type SubmitResult struct {
	JobID    uuid.UUID
	Position int
}

// Submit queues a conversion for base at the given kind. The input path
// isn't part of the caller-visible contract — it's resolved from the
// slides root by base_name, since a slide's source path is a function of
// its identity once the watcher has admitted it.
func (f *Facade) Submit(base slide.BaseName, kind slide.Kind) (SubmitResult, error) {
	inputPath, err := f.resolveSourcePath(base)
	if err != nil {
		return SubmitResult{}, err
	}
	id, pos, err := f.scheduler.Submit(base, inputPath, kind)
	if err != nil {
		return SubmitResult{}, err
	}
	return SubmitResult{JobID: id, Position: pos}, nil
}

// resolveSourcePath finds the on-disk source file for base, required for
// both an initial submit and a reconversion submit — a reconversion's
// tool input is still the original source file, not the prior artifact.
func (f *Facade) resolveSourcePath(base slide.BaseName) (string, error) {
	sources, err := f.sources.ListSources()
	if err != nil {
		return "", err
	}
	for _, src := range sources {
		if src.BaseName == base {
			return src.Path, nil
		}
	}
	return "", orcherr.New(orcherr.KindNotFound, string(base), fmt.Errorf("no source file for slide"))
}

// Cancel requests cooperative cancellation of base's active job.
func (f *Facade) Cancel(base slide.BaseName) error {
	return f.scheduler.Cancel(base)
}

// Delete removes a slide's source and/or artifact from listings by
// renaming them with a __delete_ prefix through the layout manager. No
// data is removed here: the renamed artifact directory is left to the
// sweeper, and the renamed source file stays in the slides root. The source
// path, like in Submit, is resolved from the slides root by base_name
// rather than trusted from the caller — a slide missing its source
// entirely (already deleted, or artifact-only) is not an error here.
func (f *Facade) Delete(base slide.BaseName) (DeleteResult, error) {
	sourcePath, err := f.resolveSourcePath(base)
	if err != nil && !orcherr.IsKind(err, orcherr.KindNotFound) {
		return DeleteResult{}, err
	}
	if !f.layout.ArtifactExists(base) && sourcePath == "" {
		return DeleteResult{}, orcherr.New(orcherr.KindNotFound, string(base), fmt.Errorf("no source or artifact for slide"))
	}
	res, err := f.layout.Delete(base, sourcePath)
	if err != nil {
		return DeleteResult{}, err
	}
	f.bus.Publish(eventbus.Simple(eventbus.TypeDeleted, base))
	return DeleteResult{SourceRenamed: res.SourceRenamed, ArtifactRenamed: res.ArtifactRenamed}, nil
}

// Status reports base's current job state. The zero Snapshot and
// active=false together are the "not active" response; there is no
// error case.
func (f *Facade) Status(base slide.BaseName) (slide.Snapshot, bool) {
	return f.scheduler.Status(base)
}

// SlideDescriptor is one entry of ListSlides's returned array.
type SlideDescriptor struct {
	BaseName        slide.BaseName
	SourcePresent   bool
	ArtifactPresent bool
	ThumbsAvailable bool
}

// ListSlides implements list_slides(): merges every base_name known from
// a source file on disk with every base_name that has a queued or active
// job, so each appears exactly once. Artifact directories are not
// scanned: a slide with a promoted artifact set but no source file and
// no job is not listed, and entries that come only from a job
// report ArtifactPresent as false.
func (f *Facade) ListSlides() ([]SlideDescriptor, error) {
	sources, err := f.sources.ListSources()
	if err != nil {
		return nil, err
	}

	seen := map[slide.BaseName]bool{}
	var out []SlideDescriptor
	for _, src := range sources {
		seen[src.BaseName] = true
		out = append(out, SlideDescriptor{
			BaseName:        src.BaseName,
			SourcePresent:   true,
			ArtifactPresent: f.layout.ArtifactExists(src.BaseName),
		})
	}

	for _, snap := range f.scheduler.ListActive() {
		if seen[snap.BaseName] {
			continue
		}
		seen[snap.BaseName] = true
		out = append(out, SlideDescriptor{
			BaseName:      snap.BaseName,
			SourcePresent: false,
		})
	}

	for i := range out {
		out[i].ThumbsAvailable = out[i].ArtifactPresent
	}
	return out, nil
}

// Subscribe implements subscribe(): hands back an event-stream handle a
// transport layer can range over until Close.
func (f *Facade) Subscribe() *eventbus.Subscription {
	return f.bus.Subscribe()
}
