// Package scheduler is the single owner of the pending queue and
// active-job set, run as one actor goroutine so the job table needs no
// locks, plus reconciliation of in-flight jobs on restart.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/slidecore/orchestrator/internal/config"
	"github.com/slidecore/orchestrator/internal/eventbus"
	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/pipeline"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

// PipelineRunner is the subset of *pipeline.Pipeline the scheduler needs.
type PipelineRunner interface {
	Run(cancellation *pipeline.Cancellation, in pipeline.Input, onProgress pipeline.ProgressFunc) (slide.Phase, error)
}

// ArtifactChecker is the subset of *layout.Manager the scheduler needs
// for admission decisions and post-success source cleanup.
type ArtifactChecker interface {
	ArtifactExists(base slide.BaseName) bool
	EnsureStaging(base slide.BaseName, kind slide.Kind) (string, error)
	RemoveSource(sourcePath string)
}

type entry struct {
	job          *slide.Job
	cancellation *pipeline.Cancellation
	heldSlot     bool
}

// Scheduler owns every in-flight job and the bounded pool of tool
// slots. All exported methods communicate with the owner goroutine over
// channels; no field is read or written from more than one goroutine.
type Scheduler struct {
	cfg      config.Config
	layout   ArtifactChecker
	pipe     PipelineRunner
	bus      *eventbus.Hub
	log      *logger.Logger
	toolConc func(activeJobs int) int

	submitCh   chan submitCmd
	cancelCh   chan cancelCmd
	statusCh   chan statusCmd
	listCh     chan listCmd
	restoreCh  chan restoreCmd
	doneCh     chan doneMsg
	progressCh chan progressMsg

	queue  []*entry
	active map[slide.BaseName]*entry
	// slots bounds concurrent dispatch at cfg.MaxConcurrentJobs; acquired
	// in dispatch() and released in handleDone(), both on the owner
	// goroutine, so TryAcquire never contends.
	slots *semaphore.Weighted

	closed chan struct{}
}

type submitCmd struct {
	base  slide.BaseName
	input string
	kind  slide.Kind
	reply chan submitResult
}
type submitResult struct {
	jobID    uuid.UUID
	position int
	err      error
}

type cancelCmd struct {
	base  slide.BaseName
	reply chan error
}

type statusCmd struct {
	base  slide.BaseName
	reply chan statusResult
}
type statusResult struct {
	snapshot slide.Snapshot
	active   bool
}

type listCmd struct {
	reply chan []slide.Snapshot
}

// restoreCmd injects a job discovered by the reconciler directly into
// the active set, bypassing admission rules.
type restoreCmd struct {
	base       slide.BaseName
	input      string
	kind       slide.Kind
	stagingDir string
	reply      chan error
}

type doneMsg struct {
	base  slide.BaseName
	phase slide.Phase
	err   error
	retry bool
}

// retryable reports whether a failure is transient enough to re-queue:
// a tool crash or a stall timeout, but not a missing tool binary (which
// will not fix itself) or a user cancellation.
func retryable(err error) bool {
	return orcherr.IsKind(err, orcherr.KindToolFailure) || orcherr.IsKind(err, orcherr.KindTimeout)
}

// progressMsg is how the pipeline goroutine reports progress back to the
// owner goroutine; the job record is only ever mutated here, never from
// the pipeline goroutine directly.
type progressMsg struct {
	base    slide.BaseName
	phase   slide.Phase
	percent int
}

func New(cfg config.Config, lay ArtifactChecker, pipe PipelineRunner, bus *eventbus.Hub, log *logger.Logger) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		layout:    lay,
		pipe:      pipe,
		bus:       bus,
		log:       log.With("component", "Scheduler"),
		toolConc:  cfg.ToolConcurrency,
		submitCh:   make(chan submitCmd),
		cancelCh:   make(chan cancelCmd),
		statusCh:   make(chan statusCmd),
		listCh:     make(chan listCmd),
		restoreCh:  make(chan restoreCmd),
		doneCh:     make(chan doneMsg, 64),
		progressCh: make(chan progressMsg, 256),
		active:     make(map[slide.BaseName]*entry),
		slots:      semaphore.NewWeighted(int64(cfg.MaxConcurrentJobs)),
		closed:     make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Scheduler) Close() { close(s.closed) }

// Submit enforces the admission rules: no duplicate active or queued job
// for base, and an initial/reconversion kind consistent with whether an
// artifact already exists.
func (s *Scheduler) Submit(base slide.BaseName, inputPath string, kind slide.Kind) (uuid.UUID, int, error) {
	reply := make(chan submitResult, 1)
	s.submitCh <- submitCmd{base: base, input: inputPath, kind: kind, reply: reply}
	r := <-reply
	return r.jobID, r.position, r.err
}

// Cancel succeeds if base_name is queued or active; otherwise it returns
// a KindNotFound error.
func (s *Scheduler) Cancel(base slide.BaseName) error {
	reply := make(chan error, 1)
	s.cancelCh <- cancelCmd{base: base, reply: reply}
	return <-reply
}

func (s *Scheduler) Status(base slide.BaseName) (slide.Snapshot, bool) {
	reply := make(chan statusResult, 1)
	s.statusCh <- statusCmd{base: base, reply: reply}
	r := <-reply
	return r.snapshot, r.active
}

func (s *Scheduler) ListActive() []slide.Snapshot {
	reply := make(chan []slide.Snapshot, 1)
	s.listCh <- listCmd{reply: reply}
	return <-reply
}

// Restore registers a job the reconciler matched to a running external
// tool process as active, with conservative phase/progress, and emits a
// restored event.
func (s *Scheduler) Restore(base slide.BaseName, inputPath string, kind slide.Kind, stagingDir string) error {
	reply := make(chan error, 1)
	s.restoreCh <- restoreCmd{base: base, input: inputPath, kind: kind, stagingDir: stagingDir, reply: reply}
	return <-reply
}

func (s *Scheduler) run() {
	for {
		select {
		case <-s.closed:
			return

		case cmd := <-s.submitCh:
			cmd.reply <- s.handleSubmit(cmd)

		case cmd := <-s.cancelCh:
			cmd.reply <- s.handleCancel(cmd.base)

		case cmd := <-s.statusCh:
			cmd.reply <- s.handleStatus(cmd.base)

		case cmd := <-s.listCh:
			cmd.reply <- s.handleList()

		case cmd := <-s.restoreCh:
			cmd.reply <- s.handleRestore(cmd)

		case msg := <-s.doneCh:
			s.handleDone(msg)

		case msg := <-s.progressCh:
			s.handleProgress(msg)
		}
		s.dispatch()
	}
}

func (s *Scheduler) handleSubmit(cmd submitCmd) submitResult {
	if _, active := s.active[cmd.base]; active {
		return submitResult{err: orcherr.New(orcherr.KindInProgress, string(cmd.base), fmt.Errorf("job already active"))}
	}
	for _, e := range s.queue {
		if e.job.BaseName == cmd.base {
			return submitResult{err: orcherr.New(orcherr.KindInProgress, string(cmd.base), fmt.Errorf("job already queued"))}
		}
	}

	if len(s.queue) >= s.cfg.MaxQueueDepth {
		return submitResult{err: orcherr.New(orcherr.KindQueueFull, string(cmd.base), fmt.Errorf("queue depth limit of %d reached", s.cfg.MaxQueueDepth))}
	}

	exists := s.layout.ArtifactExists(cmd.base)
	switch cmd.kind {
	case slide.KindInitial:
		if exists {
			return submitResult{err: orcherr.New(orcherr.KindArtifactExists, string(cmd.base), fmt.Errorf("artifact already present"))}
		}
	case slide.KindReconversion:
		if !exists {
			return submitResult{err: orcherr.New(orcherr.KindArtifactMissing, string(cmd.base), fmt.Errorf("no artifact to reconvert"))}
		}
	}

	job := &slide.Job{
		ID:          uuid.New(),
		BaseName:    cmd.base,
		InputPath:   cmd.input,
		RequestedAt: time.Now(),
		Phase:       slide.PhaseQueued,
		Kind:        cmd.kind,
		Attempt:     1,
	}
	s.queue = append(s.queue, &entry{job: job})
	s.bus.Publish(eventbus.Simple(eventbus.TypeQueued, cmd.base))
	return submitResult{jobID: job.ID, position: len(s.queue)}
}

func (s *Scheduler) handleCancel(base slide.BaseName) error {
	for i, e := range s.queue {
		if e.job.BaseName == base {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			s.bus.Publish(eventbus.Simple(eventbus.TypeCancelled, base))
			return nil
		}
	}
	if e, ok := s.active[base]; ok {
		e.cancellation.Cancel()
		return nil
	}
	return orcherr.New(orcherr.KindNotFound, string(base), fmt.Errorf("no active or queued job"))
}

func (s *Scheduler) handleStatus(base slide.BaseName) statusResult {
	if e, ok := s.active[base]; ok {
		return statusResult{snapshot: e.job.Snapshot(), active: true}
	}
	for _, e := range s.queue {
		if e.job.BaseName == base {
			return statusResult{snapshot: e.job.Snapshot(), active: true}
		}
	}
	return statusResult{}
}

func (s *Scheduler) handleList() []slide.Snapshot {
	out := make([]slide.Snapshot, 0, len(s.active)+len(s.queue))
	for _, e := range s.active {
		out = append(out, e.job.Snapshot())
	}
	for _, e := range s.queue {
		out = append(out, e.job.Snapshot())
	}
	return out
}

func (s *Scheduler) handleRestore(cmd restoreCmd) error {
	if _, ok := s.active[cmd.base]; ok {
		return orcherr.New(orcherr.KindInProgress, string(cmd.base), fmt.Errorf("already active"))
	}
	job := &slide.Job{
		ID:               uuid.New(),
		BaseName:         cmd.base,
		InputPath:        cmd.input,
		StagingDir:       cmd.stagingDir,
		RequestedAt:      time.Now(),
		StartedAt:        time.Now(),
		Phase:            slide.PhaseDZI,
		Progress:         50,
		Kind:             cmd.kind,
		RestoredFromSync: true,
		Attempt:          1,
	}
	e := &entry{job: job, cancellation: pipeline.NewCancellation(context.Background())}
	s.active[cmd.base] = e
	// Restoration happens once at startup, before normal dispatch begins;
	// a restored job already has a tool process running on disk, so it
	// must be tracked even if doing so temporarily overcommits the
	// configured limit.
	if s.slots.TryAcquire(1) {
		e.heldSlot = true
	} else {
		s.log.Warn("restoring job beyond configured concurrency limit", "base_name", cmd.base)
	}
	s.bus.Publish(eventbus.Simple(eventbus.TypeRestored, cmd.base))
	s.runPipeline(e)
	return nil
}

// dispatch starts queued jobs until the concurrency limit is reached,
// FIFO with immediate same-pass dispatch on a freed slot.
func (s *Scheduler) dispatch() {
	for len(s.queue) > 0 {
		if !s.slots.TryAcquire(1) {
			return
		}
		e := s.queue[0]
		s.queue = s.queue[1:]
		e.heldSlot = true

		stagingDir, err := s.layout.EnsureStaging(e.job.BaseName, e.job.Kind)
		if err != nil {
			s.slots.Release(1)
			s.bus.Publish(eventbus.Failed(e.job.BaseName, err))
			continue
		}
		e.job.StagingDir = stagingDir
		e.job.StartedAt = time.Now()
		e.job.Phase = slide.PhaseICC
		e.job.Progress = 5
		e.cancellation = pipeline.NewCancellation(context.Background())

		s.active[e.job.BaseName] = e
		s.bus.Publish(eventbus.Simple(eventbus.TypeStarted, e.job.BaseName))
		s.runPipeline(e)
	}
}

func (s *Scheduler) runPipeline(e *entry) {
	toolConcurrency := s.toolConc(len(s.active))
	in := pipeline.Input{
		BaseName:        e.job.BaseName,
		InputPath:       e.job.InputPath,
		Kind:            e.job.Kind,
		StagingDir:      e.job.StagingDir,
		ToolConcurrency: toolConcurrency,
	}
	base := e.job.BaseName
	attempt := e.job.Attempt
	maxAttempts := s.cfg.MaxAttempts
	cancellation := e.cancellation
	bus := s.bus
	doneCh := s.doneCh
	progressCh := s.progressCh

	go func() {
		defer cancellation.Release()
		phase, err := s.pipe.Run(cancellation, in, func(ph slide.Phase, pct int) {
			progressCh <- progressMsg{base: base, phase: ph, percent: pct}
			bus.Publish(eventbus.Progress(base, ph, pct))
		})
		retry := err != nil && phase == slide.PhaseFailed && attempt < maxAttempts && retryable(err)
		switch {
		case retry:
			bus.Publish(eventbus.Retry(base, attempt+1, maxAttempts))
		case err != nil:
			bus.Publish(eventbus.Failed(base, err))
		default:
			bus.Publish(eventbus.Simple(typeFor(phase), base))
		}
		doneCh <- doneMsg{base: base, phase: phase, err: err, retry: retry}
	}()
}

// handleProgress is the only place a job's Phase/Progress fields change
// once it is active, keeping the job table single-owner even though
// progress originates from a pipeline goroutine.
func (s *Scheduler) handleProgress(msg progressMsg) {
	if e, ok := s.active[msg.base]; ok {
		e.job.SetProgress(msg.phase, msg.percent)
	}
}

func (s *Scheduler) handleDone(msg doneMsg) {
	e, ok := s.active[msg.base]
	if !ok {
		return
	}
	if e.heldSlot {
		s.slots.Release(1)
		e.heldSlot = false
	}
	if msg.retry {
		e.job.Attempt++
		e.job.Phase = slide.PhaseQueued
		e.job.Progress = 0
		delete(s.active, msg.base)
		s.queue = append(s.queue, e)
		return
	}

	progress := e.job.Progress
	if msg.phase == slide.PhaseComplete {
		progress = 100
	}
	e.job.SetProgress(msg.phase, progress)
	if msg.phase == slide.PhaseComplete && s.cfg.AutoDeleteSourceOnSuccess {
		s.layout.RemoveSource(e.job.InputPath)
		s.bus.Publish(eventbus.Simple(eventbus.TypeAutoDelete, msg.base))
	}
	delete(s.active, msg.base)
}

func typeFor(phase slide.Phase) eventbus.Type {
	switch phase {
	case slide.PhaseComplete:
		return eventbus.TypeComplete
	case slide.PhaseCancelled:
		return eventbus.TypeCancelled
	default:
		return eventbus.TypeFailed
	}
}
