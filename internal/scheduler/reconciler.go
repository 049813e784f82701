package scheduler

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

// Reconciler rebuilds in-memory job state from the filesystem and the
// OS process table on restart, before new work is accepted.
type Reconciler struct {
	dziRoot    string
	slidesRoot string
	toolBinary string
	log        *logger.Logger
	procList   func() ([]process, error)
}

type process struct {
	pid     int
	cmdline []string
}

func NewReconciler(dziRoot, slidesRoot, toolBinary string, log *logger.Logger) *Reconciler {
	return &Reconciler{
		dziRoot:    dziRoot,
		slidesRoot: slidesRoot,
		toolBinary: toolBinary,
		log:        log.With("component", "Reconciler"),
		procList:   listProcProcesses,
	}
}

// StagingCandidate is one inferred in-flight job from a _convert or
// _reconvert staging directory left on disk. Backup directories are not
// scanned and never become candidates.
type StagingCandidate struct {
	BaseName   slide.BaseName
	Kind       slide.Kind
	StagingDir string
	ModTime    time.Time
}

// Decision is what Reconcile found for one candidate: either a live tool
// process still appears to be working on it (Matched) or it is an
// orphan old enough for the sweeper to claim.
type Decision struct {
	Candidate StagingCandidate
	Matched   bool
}

// Reconcile enumerates staging directories, matches them against running
// tool processes by command-line parsing, and reports matched/orphaned
// decisions. It does not itself register jobs with the Scheduler — the
// caller (bootstrap) does that via Scheduler.Restore for matches.
func (r *Reconciler) Reconcile(orphanMaxAge time.Duration) ([]Decision, error) {
	var candidates []StagingCandidate
	var procs []process

	g := &errgroup.Group{}
	g.Go(func() error {
		var scanErr error
		candidates, scanErr = r.scanStaging()
		return scanErr
	})
	g.Go(func() error {
		listed, listErr := r.procList()
		if listErr != nil {
			r.log.Warn("failed to list processes for reconciliation; treating all staging as orphaned", "error", listErr)
			return nil
		}
		procs = listed
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var decisions []Decision
	for _, c := range candidates {
		matched := matchProcess(procs, r.toolBinary, c.BaseName)
		if !matched && time.Since(c.ModTime) < orphanMaxAge {
			// Too young to call orphaned yet; skip reporting it this
			// cycle so a job still queuing its first tool invocation
			// isn't swept out from under it.
			continue
		}
		decisions = append(decisions, Decision{Candidate: c, Matched: matched})
	}
	return decisions, nil
}

func (r *Reconciler) scanStaging() ([]StagingCandidate, error) {
	entries, err := os.ReadDir(r.dziRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []StagingCandidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		base, kind, ok := inferStagingBaseAndKind(name)
		if !ok {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, StagingCandidate{
			BaseName:   base,
			Kind:       kind,
			StagingDir: filepath.Join(r.dziRoot, name),
			ModTime:    info.ModTime(),
		})
	}
	return out, nil
}

func inferStagingBaseAndKind(dirName string) (slide.BaseName, slide.Kind, bool) {
	if strings.HasSuffix(dirName, "_convert") {
		return slide.BaseName(strings.TrimSuffix(dirName, "_convert")), slide.KindInitial, true
	}
	if strings.HasSuffix(dirName, "_reconvert") {
		return slide.BaseName(strings.TrimSuffix(dirName, "_reconvert")), slide.KindReconversion, true
	}
	return "", "", false
}

// matchProcess considers a running tool invocation to belong to base if
// its command line mentions the binary and the base name (the staging
// path the tool was told to write to always embeds it).
func matchProcess(procs []process, toolBinary string, base slide.BaseName) bool {
	for _, p := range procs {
		if len(p.cmdline) == 0 {
			continue
		}
		if !strings.Contains(p.cmdline[0], toolBinary) {
			continue
		}
		for _, arg := range p.cmdline[1:] {
			if strings.Contains(arg, string(base)) {
				return true
			}
		}
	}
	return false
}

// listProcProcesses enumerates running processes via /proc, reading each
// PID's cmdline. Linux-only; on other platforms reading /proc fails, and
// Reconcile logs the error and falls back to treating all staging
// directories as orphaned by age, which is conservative but correct.
func listProcProcesses() ([]process, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, err
	}
	var out []process
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		pid, convErr := strconv.Atoi(e.Name())
		if convErr != nil {
			continue
		}
		raw, err := os.ReadFile(filepath.Join("/proc", e.Name(), "cmdline"))
		if err != nil {
			continue
		}
		parts := strings.Split(strings.TrimRight(string(raw), "\x00"), "\x00")
		if len(parts) == 0 || parts[0] == "" {
			continue
		}
		out = append(out, process{pid: pid, cmdline: parts})
	}
	return out, nil
}
