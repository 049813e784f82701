package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slidecore/orchestrator/internal/config"
	"github.com/slidecore/orchestrator/internal/eventbus"
	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/pipeline"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

type fakeArtifacts struct {
	mu      sync.Mutex
	exists  map[slide.BaseName]bool
	stageOf map[slide.BaseName]string
	stageErr error
}

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{exists: map[slide.BaseName]bool{}, stageOf: map[slide.BaseName]string{}}
}

func (f *fakeArtifacts) ArtifactExists(base slide.BaseName) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exists[base]
}

func (f *fakeArtifacts) EnsureStaging(base slide.BaseName, kind slide.Kind) (string, error) {
	if f.stageErr != nil {
		return "", f.stageErr
	}
	return "/staging/" + string(base), nil
}

func (f *fakeArtifacts) RemoveSource(sourcePath string) {}

// fakePipeline lets tests control exactly when a job's Run call returns,
// so dispatch/cancel/concurrency-limit behavior can be observed without
// any real tool invocation.
type fakePipeline struct {
	mu      sync.Mutex
	release map[slide.BaseName]chan struct{}
	result  map[slide.BaseName]slide.Phase
	started []slide.BaseName
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		release: map[slide.BaseName]chan struct{}{},
		result:  map[slide.BaseName]slide.Phase{},
	}
}

func (f *fakePipeline) gate(base slide.BaseName) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.release[base]
	if !ok {
		ch = make(chan struct{})
		f.release[base] = ch
	}
	return ch
}

func (f *fakePipeline) Release(base slide.BaseName, phase slide.Phase) {
	f.mu.Lock()
	f.result[base] = phase
	f.mu.Unlock()
	close(f.gate(base))
}

func (f *fakePipeline) Run(cancellation *pipeline.Cancellation, in pipeline.Input, onProgress pipeline.ProgressFunc) (slide.Phase, error) {
	f.mu.Lock()
	f.started = append(f.started, in.BaseName)
	f.mu.Unlock()

	onProgress(slide.PhaseICC, 5)

	gate := f.gate(in.BaseName)
	select {
	case <-gate:
	case <-cancellation.Context().Done():
		f.mu.Lock()
		phase := f.result[in.BaseName]
		f.mu.Unlock()
		if phase == "" {
			phase = slide.PhaseCancelled
		}
		return phase, nil
	}

	f.mu.Lock()
	phase := f.result[in.BaseName]
	f.mu.Unlock()
	if phase == "" {
		phase = slide.PhaseComplete
	}
	return phase, nil
}

func newTestScheduler(t *testing.T, cfg config.Config, lay *fakeArtifacts, pipe *fakePipeline) *Scheduler {
	t.Helper()
	bus := eventbus.NewHub(logger.Nop())
	t.Cleanup(bus.Close)
	s := New(cfg, lay, pipe, bus, logger.Nop())
	t.Cleanup(s.Close)
	return s
}

func waitForActive(t *testing.T, s *Scheduler, base slide.BaseName) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, active := s.Status(base)
		return active
	}, time.Second, 5*time.Millisecond)
}

func TestSubmit_RejectsDuplicateActiveOrQueued(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentJobs = 1
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)
	defer pipe.Release("slide_A", slide.PhaseComplete)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.NoError(t, err)

	_, _, err = s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.True(t, orcherr.IsKind(err, orcherr.KindInProgress))
}

func TestSubmit_RejectsInitialWhenArtifactExists(t *testing.T) {
	cfg := config.Defaults()
	lay := newFakeArtifacts()
	lay.exists["slide_A"] = true
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.True(t, orcherr.IsKind(err, orcherr.KindArtifactExists))
}

func TestSubmit_RejectsReconversionWhenArtifactMissing(t *testing.T) {
	cfg := config.Defaults()
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindReconversion)
	require.True(t, orcherr.IsKind(err, orcherr.KindArtifactMissing))
}

func TestDispatch_RespectsConcurrencyLimitThenDrainsQueue(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentJobs = 1
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.NoError(t, err)
	_, _, err = s.Submit("slide_B", "/slides/slide_B.svs", slide.KindInitial)
	require.NoError(t, err)

	waitForActive(t, s, "slide_A")

	snap, active := s.Status("slide_B")
	require.True(t, active)
	require.Equal(t, slide.PhaseQueued, snap.Phase)

	pipe.Release("slide_A", slide.PhaseComplete)

	waitForActive(t, s, "slide_B")
	require.Eventually(t, func() bool {
		_, active := s.Status("slide_A")
		return !active
	}, time.Second, 5*time.Millisecond)

	pipe.Release("slide_B", slide.PhaseComplete)
}

func TestCancel_RemovesQueuedJobWithoutDispatching(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentJobs = 1
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)
	defer pipe.Release("slide_A", slide.PhaseComplete)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.NoError(t, err)
	_, _, err = s.Submit("slide_B", "/slides/slide_B.svs", slide.KindInitial)
	require.NoError(t, err)

	require.NoError(t, s.Cancel("slide_B"))
	_, active := s.Status("slide_B")
	require.False(t, active)
}

func TestCancel_RequestsCooperativeCancelForActiveJob(t *testing.T) {
	cfg := config.Defaults()
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.NoError(t, err)
	waitForActive(t, s, "slide_A")

	require.NoError(t, s.Cancel("slide_A"))
	pipe.Release("slide_A", slide.PhaseCancelled)

	require.Eventually(t, func() bool {
		_, active := s.Status("slide_A")
		return !active
	}, time.Second, 5*time.Millisecond)
}

func TestCancel_UnknownBaseNameReturnsNotFound(t *testing.T) {
	cfg := config.Defaults()
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)

	err := s.Cancel("nope")
	require.True(t, orcherr.IsKind(err, orcherr.KindNotFound))
}

func TestRestore_TracksJobAsActiveWithConservativePhase(t *testing.T) {
	cfg := config.Defaults()
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)
	defer pipe.Release("slide_A", slide.PhaseComplete)

	require.NoError(t, s.Restore("slide_A", "/slides/slide_A.svs", slide.KindInitial, "/staging/slide_A_convert"))

	waitForActive(t, s, "slide_A")
	snap, active := s.Status("slide_A")
	require.True(t, active)
	require.Equal(t, slide.PhaseDZI, snap.Phase)
	require.Equal(t, 50, snap.Progress)
	require.True(t, snap.RestoredFromSync)
}

func TestListActive_IncludesBothQueuedAndActiveJobs(t *testing.T) {
	cfg := config.Defaults()
	cfg.MaxConcurrentJobs = 1
	lay := newFakeArtifacts()
	pipe := newFakePipeline()
	s := newTestScheduler(t, cfg, lay, pipe)
	defer pipe.Release("slide_A", slide.PhaseComplete)

	_, _, err := s.Submit("slide_A", "/slides/slide_A.svs", slide.KindInitial)
	require.NoError(t, err)
	_, _, err = s.Submit("slide_B", "/slides/slide_B.svs", slide.KindInitial)
	require.NoError(t, err)

	waitForActive(t, s, "slide_A")
	list := s.ListActive()
	require.Len(t, list, 2)
}
