// Package pipeline is the per-job state machine that drives a slide
// from queued through icc, dzi, metadata, and promoting to complete (or
// cancelled / failed).
package pipeline

import (
	"context"
	"math"
	"os"
	"path/filepath"

	"github.com/slidecore/orchestrator/internal/config"
	"github.com/slidecore/orchestrator/internal/metadata"
	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
	"github.com/slidecore/orchestrator/internal/tool"
)

// ToolRunner is the subset of *tool.Driver the pipeline needs, narrowed
// to an interface so tests can substitute a fake tool invocation.
type ToolRunner interface {
	RunICC(ctx context.Context, opts tool.ICCOptions, onProgress tool.ProgressFunc) (tool.Result, error)
	RunDZI(ctx context.Context, opts tool.DZIOptions, onProgress tool.ProgressFunc) (tool.Result, error)
}

// MetadataExtractor is the subset of *metadata.Extractor the pipeline
// needs.
type MetadataExtractor interface {
	ExtractAll(ctx context.Context, slidePath string, out metadata.OutPaths) metadata.Result
}

// LayoutManager is the subset of *layout.Manager the pipeline needs.
type LayoutManager interface {
	RemoveStaging(base slide.BaseName, dir string)
	Promote(base slide.BaseName, stagingDir string) error
	BackupAndPromote(base slide.BaseName, stagingDir string) error
}

// Deps are the tool driver, metadata extractor, and layout manager the
// pipeline orchestrates; one set is shared across every job.
type Deps struct {
	Layout   LayoutManager
	Tool     ToolRunner
	Metadata MetadataExtractor
	Config   config.Config
}

type Pipeline struct {
	deps Deps
	log  *logger.Logger
}

func New(deps Deps, log *logger.Logger) *Pipeline {
	return &Pipeline{deps: deps, log: log.With("component", "Pipeline")}
}

// Input is everything one Run call needs about the job it drives; the
// scheduler owns the Job record itself and only shares this view.
type Input struct {
	BaseName        slide.BaseName
	InputPath       string
	Kind            slide.Kind
	StagingDir      string
	ToolConcurrency int
}

// ProgressFunc is invoked for every phase transition and debounced
// in-phase progress sample. The scheduler uses it to update its job
// table and forward a progress event to the event bus.
type ProgressFunc func(phase slide.Phase, percent int)

// Run drives one job to completion, cancellation, or failure. The
// returned phase is one of the three terminal phases; err is non-nil
// only for the failed case (cancellation is reported via the returned
// phase, not an error, since it is not itself a fault).
func (p *Pipeline) Run(cancellation *Cancellation, in Input, onProgress ProgressFunc) (slide.Phase, error) {
	ctx := cancellation.Context()

	iccOut, phase, err := p.runICC(ctx, cancellation, in, onProgress)
	if phase != "" {
		return phase, terminalErr(phase, err)
	}

	dziOut := filepath.Join(in.StagingDir, string(in.BaseName))
	phase, err = p.runDZI(ctx, cancellation, in, iccOut, dziOut, onProgress)
	if phase != "" {
		return phase, terminalErr(phase, err)
	}

	if cancellation.Requested() {
		return p.cancelCleanup(in), nil
	}

	onProgress(slide.PhaseMetadata, 95)
	p.runMetadata(ctx, in)

	onProgress(slide.PhasePromoting, 95)
	if cancellation.Requested() {
		return p.cancelCleanup(in), nil
	}

	if err := p.promote(in); err != nil {
		p.deps.Layout.RemoveStaging(in.BaseName, in.StagingDir)
		return slide.PhaseFailed, err
	}

	onProgress(slide.PhaseComplete, 100)
	return slide.PhaseComplete, nil
}

// runICC returns a non-empty phase only when the pipeline has reached a
// terminal outcome (cancelled/failed); an empty phase means proceed.
func (p *Pipeline) runICC(ctx context.Context, cancellation *Cancellation, in Input, onProgress ProgressFunc) (string, slide.Phase, error) {
	onProgress(slide.PhaseICC, 5)

	if !p.deps.Config.ICCEnabled {
		onProgress(slide.PhaseICC, 45)
		return in.InputPath, "", nil
	}

	ext := "v"
	compression := ""
	if p.deps.Config.ICCIntermediateFormat == config.ICCIntermediateCompressedTIFF {
		ext = "tif"
		compression = string(p.deps.Config.ICCCompression)
	}
	staged := filepath.Join(in.StagingDir, string(in.BaseName)+"_icc")

	_, err := p.deps.Tool.RunICC(ctx, tool.ICCOptions{
		Input:                     in.InputPath,
		StagingTemp:               staged,
		Concurrency:               in.ToolConcurrency,
		IntermediateExt:           ext,
		Compression:               compression,
		CacheMemoryBytes:          p.deps.Config.CacheMemoryBytes,
		ScratchDiskThresholdBytes: p.deps.Config.ScratchDiskThresholdBytes,
	}, func(pct int) {
		onProgress(slide.PhaseICC, clampProgress(5+int(math.Floor(float64(pct)*0.4)), 5, 45))
	})
	if err != nil {
		return "", p.handleToolError(in, cancellation, err), err
	}
	return staged + "." + ext, "", nil
}

func (p *Pipeline) runDZI(ctx context.Context, cancellation *Cancellation, in Input, iccOut, dziOut string, onProgress ProgressFunc) (slide.Phase, error) {
	_, err := p.deps.Tool.RunDZI(ctx, tool.DZIOptions{
		Intermediate:              iccOut,
		StagingOut:                dziOut,
		Concurrency:               in.ToolConcurrency,
		TileSize:                  p.deps.Config.TileSize,
		Overlap:                   p.deps.Config.TileOverlap,
		Quality:                   p.deps.Config.JPEGQuality,
		CacheMemoryBytes:          p.deps.Config.CacheMemoryBytes,
		ScratchDiskThresholdBytes: p.deps.Config.ScratchDiskThresholdBytes,
	}, func(pct int) {
		onProgress(slide.PhaseDZI, clampProgress(50+int(math.Floor(float64(pct)*0.4)), 50, 90))
	})
	if err != nil {
		return p.handleToolError(in, cancellation, err), err
	}
	return "", nil
}

// handleToolError maps a tool-driver error to a terminal phase,
// performing the staging cleanup required for both the cancelled and
// failed transitions, and reversing a reconversion backup on failure.
func (p *Pipeline) handleToolError(in Input, cancellation *Cancellation, err error) slide.Phase {
	if cancellation.Requested() {
		return p.cancelCleanup(in)
	}

	// A KindCleanupDeferred not caused by our own cancellation means the
	// parent context was cancelled out from under us (process shutdown);
	// treat it the same as a cancel so staging is cleaned up rather than
	// left as a silent failure.
	if orcherr.IsKind(err, orcherr.KindCleanupDeferred) {
		return p.cancelCleanup(in)
	}

	p.deps.Layout.RemoveStaging(in.BaseName, in.StagingDir)
	return slide.PhaseFailed
}

func (p *Pipeline) cancelCleanup(in Input) slide.Phase {
	p.deps.Layout.RemoveStaging(in.BaseName, in.StagingDir)
	return slide.PhaseCancelled
}

// runMetadata extracts sidecar artifacts into the staging directory's
// metadata/ subtree, where Promote/BackupAndPromote will find them.
// Every failure here is tolerated — a missing sidecar is never a job
// failure.
func (p *Pipeline) runMetadata(ctx context.Context, in Input) {
	metaDir := filepath.Join(in.StagingDir, "metadata")
	if err := os.MkdirAll(metaDir, 0o755); err != nil {
		p.log.Warn("failed to create staged metadata dir", "base_name", in.BaseName, "error", err)
		return
	}
	base := string(in.BaseName)
	out := metadata.OutPaths{
		ICCFile:    filepath.Join(metaDir, base+".icc"),
		LabelThumb: filepath.Join(metaDir, base+"_label.jpg"),
		MacroThumb: filepath.Join(metaDir, base+"_macro.jpg"),
		Properties: filepath.Join(metaDir, base+"_metadata.json"),
	}
	p.deps.Metadata.ExtractAll(ctx, in.InputPath, out)
}

func (p *Pipeline) promote(in Input) error {
	if in.Kind == slide.KindReconversion {
		return p.deps.Layout.BackupAndPromote(in.BaseName, in.StagingDir)
	}
	return p.deps.Layout.Promote(in.BaseName, in.StagingDir)
}

// terminalErr suppresses the underlying tool error for a cancelled
// outcome: cancellation is a normal completion of the job's lifecycle,
// not a fault.
func terminalErr(phase slide.Phase, err error) error {
	if phase == slide.PhaseCancelled {
		return nil
	}
	return err
}

func clampProgress(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
