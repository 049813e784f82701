package orchestrator

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/slidecore/orchestrator/internal/eventbus"
	"github.com/slidecore/orchestrator/internal/layout"
	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

type fakeScheduler struct {
	submitErr  error
	cancelErr  error
	active     []slide.Snapshot
	statusBy   map[slide.BaseName]slide.Snapshot
}

func (f *fakeScheduler) Submit(base slide.BaseName, inputPath string, kind slide.Kind) (uuid.UUID, int, error) {
	if f.submitErr != nil {
		return uuid.Nil, 0, f.submitErr
	}
	return uuid.New(), 1, nil
}

func (f *fakeScheduler) Cancel(base slide.BaseName) error { return f.cancelErr }

func (f *fakeScheduler) Status(base slide.BaseName) (slide.Snapshot, bool) {
	snap, ok := f.statusBy[base]
	return snap, ok
}

func (f *fakeScheduler) ListActive() []slide.Snapshot { return f.active }

type fakeLayout struct {
	artifacts map[slide.BaseName]bool
	deleteRes layout.DeleteResult
	deleteErr error
}

func (f *fakeLayout) ArtifactExists(base slide.BaseName) bool { return f.artifacts[base] }

func (f *fakeLayout) Delete(base slide.BaseName, sourcePath string) (layout.DeleteResult, error) {
	return f.deleteRes, f.deleteErr
}

type fakeSources struct {
	sources []slide.Source
	err     error
}

func (f *fakeSources) ListSources() ([]slide.Source, error) { return f.sources, f.err }

func TestSubmit_ReturnsJobIDAndPosition(t *testing.T) {
	sched := &fakeScheduler{}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{sources: []slide.Source{{BaseName: "slide_A", Path: "/slides/slide_A.svs"}}})

	res, err := f.Submit("slide_A", slide.KindInitial)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, res.JobID)
	require.Equal(t, 1, res.Position)
}

func TestSubmit_PropagatesSchedulerError(t *testing.T) {
	sched := &fakeScheduler{submitErr: orcherr.New(orcherr.KindArtifactExists, "slide_A", fmt.Errorf("exists"))}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{sources: []slide.Source{{BaseName: "slide_A", Path: "/slides/slide_A.svs"}}})

	_, err := f.Submit("slide_A", slide.KindInitial)
	require.True(t, orcherr.IsKind(err, orcherr.KindArtifactExists))
}

func TestSubmit_RejectsWhenSourceFileUnknown(t *testing.T) {
	sched := &fakeScheduler{}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{})

	_, err := f.Submit("slide_ghost", slide.KindInitial)
	require.True(t, orcherr.IsKind(err, orcherr.KindNotFound))
}

func TestDelete_RejectsUnknownSlide(t *testing.T) {
	sched := &fakeScheduler{}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{})

	_, err := f.Delete("slide_unknown")
	require.True(t, orcherr.IsKind(err, orcherr.KindNotFound))
}

func TestDelete_PublishesDeletedEvent(t *testing.T) {
	sched := &fakeScheduler{}
	lay := &fakeLayout{
		artifacts: map[slide.BaseName]bool{"slide_A": true},
		deleteRes: layout.DeleteResult{SourceRenamed: "/slides/__delete_slide_A.svs", ArtifactRenamed: "/dzi/__delete_slide_A"},
	}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	sub := bus.Subscribe()
	defer sub.Close()

	sources := &fakeSources{sources: []slide.Source{{BaseName: "slide_A", Path: "/slides/slide_A.svs"}}}
	f := New(sched, lay, bus, sources)
	res, err := f.Delete("slide_A")
	require.NoError(t, err)
	require.Equal(t, "/slides/__delete_slide_A.svs", res.SourceRenamed)

	select {
	case ev := <-sub.C:
		require.Equal(t, eventbus.TypeDeleted, ev.Type)
		require.Equal(t, slide.BaseName("slide_A"), ev.BaseName)
	default:
		t.Fatal("expected a deleted event to be published")
	}
}

func TestListSlides_MergesSourcesAndActiveOnlyArtifacts(t *testing.T) {
	sched := &fakeScheduler{
		active: []slide.Snapshot{{BaseName: "slide_B", Phase: slide.PhaseDZI}},
	}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{"slide_A": true}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	sources := &fakeSources{sources: []slide.Source{{BaseName: "slide_A"}}}
	f := New(sched, lay, bus, sources)

	list, err := f.ListSlides()
	require.NoError(t, err)
	require.Len(t, list, 2)

	byBase := map[slide.BaseName]SlideDescriptor{}
	for _, d := range list {
		byBase[d.BaseName] = d
	}
	require.True(t, byBase["slide_A"].SourcePresent)
	require.True(t, byBase["slide_A"].ArtifactPresent)
	require.False(t, byBase["slide_B"].SourcePresent)
}

func TestStatus_ReportsNotActiveForUnknownSlide(t *testing.T) {
	sched := &fakeScheduler{statusBy: map[slide.BaseName]slide.Snapshot{}}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{})

	_, active := f.Status("slide_nope")
	require.False(t, active)
}

func TestSubscribe_ReturnsUsableSubscription(t *testing.T) {
	sched := &fakeScheduler{}
	lay := &fakeLayout{artifacts: map[slide.BaseName]bool{}}
	bus := eventbus.NewHub(logger.Nop())
	defer bus.Close()
	f := New(sched, lay, bus, &fakeSources{})

	sub := f.Subscribe()
	defer sub.Close()
	require.NotNil(t, sub)
}
