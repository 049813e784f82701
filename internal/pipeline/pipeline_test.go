package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/slidecore/orchestrator/internal/config"
	"github.com/slidecore/orchestrator/internal/metadata"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
	"github.com/slidecore/orchestrator/internal/tool"
)

type fakeTool struct {
	iccProgress []int
	dziProgress []int
	iccErr      error
	dziErr      error
}

func (f *fakeTool) RunICC(ctx context.Context, opts tool.ICCOptions, onProgress tool.ProgressFunc) (tool.Result, error) {
	for _, p := range f.iccProgress {
		onProgress(p)
	}
	return tool.Result{}, f.iccErr
}

func (f *fakeTool) RunDZI(ctx context.Context, opts tool.DZIOptions, onProgress tool.ProgressFunc) (tool.Result, error) {
	for _, p := range f.dziProgress {
		onProgress(p)
	}
	return tool.Result{}, f.dziErr
}

type fakeMetadata struct{}

func (fakeMetadata) ExtractAll(ctx context.Context, slidePath string, out metadata.OutPaths) metadata.Result {
	return metadata.Result{}
}

type fakeLayout struct {
	promoted       bool
	backupPromoted bool
	removedStaging bool
	promoteErr     error
}

func (f *fakeLayout) RemoveStaging(base slide.BaseName, dir string) { f.removedStaging = true }
func (f *fakeLayout) Promote(base slide.BaseName, stagingDir string) error {
	f.promoted = true
	return f.promoteErr
}
func (f *fakeLayout) BackupAndPromote(base slide.BaseName, stagingDir string) error {
	f.backupPromoted = true
	return f.promoteErr
}

func newTestPipeline(t *testing.T, lay *fakeLayout, tl *fakeTool) *Pipeline {
	t.Helper()
	cfg := config.Defaults()
	cfg.ICCEnabled = true
	return New(Deps{Layout: lay, Tool: tl, Metadata: fakeMetadata{}, Config: cfg}, logger.Nop())
}

func TestRun_HappyPathReachesCompleteAndPromotes(t *testing.T) {
	lay := &fakeLayout{}
	tl := &fakeTool{iccProgress: []int{50, 100}, dziProgress: []int{50, 100}}
	p := newTestPipeline(t, lay, tl)

	var events []slide.Phase
	c := NewCancellation(context.Background())

	phase, err := p.Run(c, Input{BaseName: "slide_A", InputPath: "/slides/slide_A.svs", Kind: slide.KindInitial, StagingDir: t.TempDir(), ToolConcurrency: 4},
		func(ph slide.Phase, pct int) { events = append(events, ph) })

	require.NoError(t, err)
	require.Equal(t, slide.PhaseComplete, phase)
	require.True(t, lay.promoted)
	require.False(t, lay.backupPromoted)
	require.Contains(t, events, slide.PhaseICC)
	require.Contains(t, events, slide.PhaseDZI)
	require.Contains(t, events, slide.PhaseMetadata)
	require.Contains(t, events, slide.PhasePromoting)
}

func TestRun_ReconversionUsesBackupAndPromote(t *testing.T) {
	lay := &fakeLayout{}
	tl := &fakeTool{}
	p := newTestPipeline(t, lay, tl)
	c := NewCancellation(context.Background())

	phase, err := p.Run(c, Input{BaseName: "slide_C", InputPath: "/slides/slide_C.svs", Kind: slide.KindReconversion, StagingDir: t.TempDir(), ToolConcurrency: 1},
		func(slide.Phase, int) {})

	require.NoError(t, err)
	require.Equal(t, slide.PhaseComplete, phase)
	require.True(t, lay.backupPromoted)
	require.False(t, lay.promoted)
}

func TestRun_ToolFailurePropagatesAndCleansStaging(t *testing.T) {
	lay := &fakeLayout{}
	failing := &fakeTool{iccErr: toolFailureErr}
	p := newTestPipeline(t, lay, failing)
	c := NewCancellation(context.Background())

	phase, err := p.Run(c, Input{BaseName: "slide_F", InputPath: "/slides/slide_F.svs", Kind: slide.KindInitial, StagingDir: t.TempDir(), ToolConcurrency: 1},
		func(slide.Phase, int) {})

	require.Error(t, err)
	require.Equal(t, slide.PhaseFailed, phase)
	require.True(t, lay.removedStaging)
	require.False(t, lay.promoted)
}

func TestRun_CancellationDuringICCCleansStagingWithoutPromote(t *testing.T) {
	lay := &fakeLayout{}
	tl := &fakeTool{iccErr: context.Canceled}
	p := newTestPipeline(t, lay, tl)
	c := NewCancellation(context.Background())
	c.Cancel()

	phase, err := p.Run(c, Input{BaseName: "slide_G", InputPath: "/slides/slide_G.svs", Kind: slide.KindInitial, StagingDir: t.TempDir(), ToolConcurrency: 1},
		func(slide.Phase, int) {})

	require.NoError(t, err)
	require.Equal(t, slide.PhaseCancelled, phase)
	require.True(t, lay.removedStaging)
	require.False(t, lay.promoted)
}

func TestRun_ICCDisabledSkipsTransformButStillRunsDZI(t *testing.T) {
	lay := &fakeLayout{}
	tl := &fakeTool{dziProgress: []int{100}}
	p := newTestPipeline(t, lay, tl)
	p.deps.Config.ICCEnabled = false
	c := NewCancellation(context.Background())

	var sawICC bool
	phase, err := p.Run(c, Input{BaseName: "slide_H", InputPath: "/slides/slide_H.svs", Kind: slide.KindInitial, StagingDir: t.TempDir(), ToolConcurrency: 1},
		func(ph slide.Phase, pct int) {
			if ph == slide.PhaseICC {
				sawICC = true
			}
		})

	require.NoError(t, err)
	require.Equal(t, slide.PhaseComplete, phase)
	require.True(t, sawICC, "icc phase progress should still be emitted even when transform is skipped")
	require.True(t, lay.promoted)
}

var toolFailureErr = &fakeToolErr{}

type fakeToolErr struct{}

func (*fakeToolErr) Error() string { return "tool exited 1" }
