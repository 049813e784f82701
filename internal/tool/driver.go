// Package tool builds the external image tool's argument vectors, spawns
// it, parses progress, and enforces timeouts and cancellation. The
// "hard way" glue around a system binary.
package tool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sony/gobreaker"

	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/platform/logger"
)

// progressLineRE matches the tool's "NN% complete" progress markers.
var progressLineRE = regexp.MustCompile(`(\d+)%\s+complete`)

// Result is the outcome of one tool invocation.
type Result struct {
	ExitCode   int
	StderrTail string
	DurationMs int64
}

// ICCOptions parametrizes an icc-transform invocation.
type ICCOptions struct {
	Input                     string
	StagingTemp               string
	Concurrency               int
	IntermediateExt           string // "v" for native, "tif" for compressed_tiff
	Compression               string // lzw, deflate, none — only used for compressed_tiff
	CacheMemoryBytes          int64
	ScratchDiskThresholdBytes int64
}

// DZIOptions parametrizes a dzsave invocation.
type DZIOptions struct {
	Intermediate              string
	StagingOut                string
	Concurrency               int
	TileSize                  int
	Overlap                   int
	Quality                   int
	CacheMemoryBytes          int64
	ScratchDiskThresholdBytes int64
}

// ProgressFunc receives debounced phase-local progress percentages.
type ProgressFunc func(percent int)

// Driver runs the external image tool as a child process. One Driver is
// shared across all jobs; each Run* call is independently cancellable via
// ctx.
type Driver struct {
	binary         string
	log            *logger.Logger
	stallTimeout   time.Duration
	debounce       time.Duration
	breaker        *gobreaker.CircuitBreaker
}

func NewDriver(binary string, stallTimeout, debounce time.Duration, log *logger.Logger) *Driver {
	l := log.With("component", "ToolDriver")
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "vips-tool-presence",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			// Trip fast: a missing binary won't appear mid-run, so don't
			// waste N subprocess attempts discovering that.
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			l.Warn("tool breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	return &Driver{binary: binary, log: l, stallTimeout: stallTimeout, debounce: debounce, breaker: cb}
}

// AssertPresent checks the tool binary resolves on PATH, wrapped in the
// circuit breaker so repeated ToolAbsent failures short-circuit instead
// of re-probing PATH for every queued job.
func (d *Driver) AssertPresent(ctx context.Context) error {
	_, err := d.breaker.Execute(func() (interface{}, error) {
		if _, lookErr := exec.LookPath(d.binary); lookErr != nil {
			return nil, orcherr.New(orcherr.KindToolAbsent, "", lookErr)
		}
		return nil, nil
	})
	if err != nil {
		var oe *orcherr.Error
		if ok := asOrchErr(err, &oe); ok {
			return oe
		}
		return orcherr.New(orcherr.KindToolAbsent, "", err)
	}
	return nil
}

func asOrchErr(err error, target **orcherr.Error) bool {
	oe, ok := err.(*orcherr.Error)
	if ok {
		*target = oe
	}
	return ok
}

// RunICC invokes the icc-transform sub-command: source profile bound to
// the input's embedded profile, target sRGB, rendering intent perceptual,
// access mode sequential.
func (d *Driver) RunICC(ctx context.Context, opts ICCOptions, onProgress ProgressFunc) (Result, error) {
	ext := opts.IntermediateExt
	if ext == "" {
		ext = "v"
	}
	out := opts.StagingTemp + "." + ext
	args := []string{
		"icc-transform",
		opts.Input,
		out,
		"srgb",
		"--input-profile", "embedded",
		"--intent", "perceptual",
		"--access", "sequential",
	}
	if ext == "tif" && opts.Compression != "" && opts.Compression != "none" {
		args = append(args, "--compression", opts.Compression)
	}
	env := tuningEnv(opts.Concurrency, opts.CacheMemoryBytes, opts.ScratchDiskThresholdBytes)
	return d.run(ctx, args, env, onProgress)
}

// RunDZI invokes dzsave: layout=dz, fixed tile size, overlap, jpeg suffix
// with the given quality.
func (d *Driver) RunDZI(ctx context.Context, opts DZIOptions, onProgress ProgressFunc) (Result, error) {
	args := []string{
		"dzsave",
		opts.Intermediate,
		opts.StagingOut,
		"--layout", "dz",
		"--tile-size", strconv.Itoa(opts.TileSize),
		"--overlap", strconv.Itoa(opts.Overlap),
		"--suffix", fmt.Sprintf(".jpg[Q=%d]", opts.Quality),
	}
	env := tuningEnv(opts.Concurrency, opts.CacheMemoryBytes, opts.ScratchDiskThresholdBytes)
	return d.run(ctx, args, env, onProgress)
}

// tuningEnv builds the environment block carrying the tool's tuning
// knobs: worker concurrency, operation-cache memory ceiling, and the
// image size above which it spills to a scratch file on disk instead of
// holding data in memory.
func tuningEnv(concurrency int, cacheMemoryBytes, scratchDiskThresholdBytes int64) []string {
	env := []string{
		fmt.Sprintf("VIPS_CONCURRENCY=%d", concurrency),
	}
	if cacheMemoryBytes > 0 {
		env = append(env, fmt.Sprintf("VIPS_CACHE_MAX_MEMORY=%d", cacheMemoryBytes))
	}
	if scratchDiskThresholdBytes > 0 {
		env = append(env, fmt.Sprintf("VIPS_DISC_THRESHOLD=%d", scratchDiskThresholdBytes))
	}
	return env
}

// run spawns the tool, streaming stdout line-by-line for progress
// markers (debounced) and buffering stderr for the failure report. It
// enforces the progress-stall timeout and honors ctx cancellation with a
// graceful-then-forced termination.
func (d *Driver) run(ctx context.Context, args []string, env []string, onProgress ProgressFunc) (Result, error) {
	if err := d.AssertPresent(ctx); err != nil {
		return Result{}, err
	}

	start := time.Now()
	cmd := exec.Command(d.binary, args...)
	cmd.Env = append(os.Environ(), env...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Result{}, orcherr.New(orcherr.KindToolFailure, "", err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &limitedWriter{w: &stderrBuf, max: 16 * 1024}

	if err := cmd.Start(); err != nil {
		return Result{}, orcherr.New(orcherr.KindToolAbsent, "", err)
	}

	lastProgress := make(chan struct{}, 1)
	notifyProgress := func() {
		select {
		case lastProgress <- struct{}{}:
		default:
		}
	}

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 4096), 1<<20)
		var lastEmit time.Time
		var lastPct int = -1
		for scanner.Scan() {
			line := scanner.Text()
			m := progressLineRE.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			pct, convErr := strconv.Atoi(m[1])
			if convErr != nil {
				continue
			}
			notifyProgress()
			now := time.Now()
			if pct == lastPct {
				continue
			}
			if now.Sub(lastEmit) < d.debounce && pct != 100 {
				continue
			}
			lastEmit = now
			lastPct = pct
			if onProgress != nil {
				onProgress(pct)
			}
		}
	}()

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	stallTimer := time.NewTimer(d.stallTimeout)
	defer stallTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.terminate(cmd)
			<-waitErr
			<-scanDone
			return Result{StderrTail: stderrBuf.String(), DurationMs: time.Since(start).Milliseconds()},
				orcherr.New(orcherr.KindCleanupDeferred, "", ctx.Err())

		case <-stallTimer.C:
			d.terminate(cmd)
			<-waitErr
			<-scanDone
			return Result{StderrTail: stderrBuf.String(), DurationMs: time.Since(start).Milliseconds()},
				orcherr.New(orcherr.KindTimeout, "", fmt.Errorf("no progress for %s", d.stallTimeout))

		case <-lastProgress:
			if !stallTimer.Stop() {
				select {
				case <-stallTimer.C:
				default:
				}
			}
			stallTimer.Reset(d.stallTimeout)

		case err := <-waitErr:
			<-scanDone
			dur := time.Since(start).Milliseconds()
			if err != nil {
				exitCode := -1
				if ee, ok := err.(*exec.ExitError); ok {
					exitCode = ee.ExitCode()
				}
				return Result{ExitCode: exitCode, StderrTail: stderrBuf.String(), DurationMs: dur},
					orcherr.ToolFailure("", exitCode, stderrBuf.String())
			}
			return Result{ExitCode: 0, StderrTail: stderrBuf.String(), DurationMs: dur}, nil
		}
	}
}

// terminate sends SIGTERM, waits the 1 s grace period, then sends a kill
// whether or not the process has already exited (a kill after exit has
// no effect). The caller (run's select loop) is the only place that calls
// cmd.Wait(), so this never double-waits the same process.
func (d *Driver) terminate(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	time.Sleep(time.Second)
	_ = cmd.Process.Kill()
}

type limitedWriter struct {
	w   *strings.Builder
	max int
	mu  sync.Mutex
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w.Len() < l.max {
		remaining := l.max - l.w.Len()
		if remaining > len(p) {
			remaining = len(p)
		}
		l.w.Write(p[:remaining])
	}
	return len(p), nil
}
