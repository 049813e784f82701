// Package watcher implements a stability-gated directory watcher that
// emits a file_detected admission exactly once per arriving slide,
// after its size has stabilised.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/slidecore/orchestrator/internal/layout"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

// AdmitFunc is called exactly once per admitted slide source. Returning
// it as a callback (rather than a channel) lets the caller decide
// whether to drop or block; the watcher itself never blocks on it for
// longer than the call takes.
type AdmitFunc func(src slide.Source)

// ArtifactOrJobExistsFunc reports whether a base name already has an
// artifact set or an active job; admitted file paths are not
// re-admitted while either holds.
type ArtifactOrJobExistsFunc func(base slide.BaseName) bool

type Watcher struct {
	root           string
	sampleInterval time.Duration
	cooldown       time.Duration
	log            *logger.Logger
	onAdmit        AdmitFunc
	skipIfOwned    ArtifactOrJobExistsFunc

	mu            sync.Mutex
	candidates    map[string]*candidate
	cooldownUntil map[string]time.Time
}

type candidate struct {
	pending bool
}

func New(root string, sampleInterval, cooldown time.Duration, log *logger.Logger, onAdmit AdmitFunc, skipIfOwned ArtifactOrJobExistsFunc) *Watcher {
	return &Watcher{
		root:           root,
		sampleInterval: sampleInterval,
		cooldown:       cooldown,
		log:            log.With("component", "Watcher"),
		onAdmit:        onAdmit,
		skipIfOwned:    skipIfOwned,
		candidates:     make(map[string]*candidate),
		cooldownUntil:  make(map[string]time.Time),
	}
}

// Run subscribes to filesystem events under root and blocks until ctx is
// cancelled. It also does one initial directory scan so slides already
// present at startup are picked up (the fsnotify stream only reports
// future changes).
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.root); err != nil {
		return err
	}

	w.scanExisting()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consider(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.root)
	if err != nil {
		w.log.Warn("initial scan failed", "error", err)
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		w.consider(context.Background(), filepath.Join(w.root, e.Name()))
	}
}

// consider filters by extension, orphan-marker prefix (a source renamed
// by a delete) and cancel flag, then schedules a two-sample stability
// check.
func (w *Watcher) consider(ctx context.Context, path string) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	if _, ok := slide.ExtensionFormat(ext); !ok {
		return
	}
	base := slide.BaseName(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	if layout.IsOrphanMarker(string(base)) {
		return
	}
	if w.cancelFlagged(base) {
		return
	}
	if w.skipIfOwned != nil && w.skipIfOwned(base) {
		return
	}

	w.mu.Lock()
	if until, ok := w.cooldownUntil[path]; ok && time.Now().Before(until) {
		w.mu.Unlock()
		return
	}
	c, exists := w.candidates[path]
	if !exists {
		c = &candidate{}
		w.candidates[path] = c
	}
	if c.pending {
		w.mu.Unlock()
		return
	}
	c.pending = true
	w.mu.Unlock()

	go w.stabilityCheck(ctx, path, base)
}

func (w *Watcher) cancelFlagged(base slide.BaseName) bool {
	flag := filepath.Join(w.root, slide.CancelFlagName(base))
	_, err := os.Stat(flag)
	return err == nil
}

// stabilityCheck samples size twice, sampleInterval apart, admitting only
// if both samples agree and the file is not exclusively locked.
func (w *Watcher) stabilityCheck(ctx context.Context, path string, base slide.BaseName) {
	defer func() {
		w.mu.Lock()
		if c, ok := w.candidates[path]; ok {
			c.pending = false
		}
		w.mu.Unlock()
	}()

	fi1, err := os.Stat(path)
	if err != nil {
		return
	}
	size1 := fi1.Size()

	select {
	case <-ctx.Done():
		return
	case <-time.After(w.sampleInterval):
	}

	fi2, err := os.Stat(path)
	if err != nil {
		return
	}
	size2 := fi2.Size()
	if size1 != size2 {
		return
	}

	if locked(path) {
		return
	}

	w.mu.Lock()
	w.cooldownUntil[path] = time.Now().Add(w.cooldown)
	w.mu.Unlock()

	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	format, _ := slide.ExtensionFormat(ext)

	if w.onAdmit != nil {
		w.onAdmit(slide.Source{
			BaseName: base,
			Path:     path,
			Format:   format,
			Size:     size2,
			ModTime:  fi2.ModTime(),
		})
	}
}

// locked reports whether the file appears to be exclusively held open
// for writing by another process. A portable best-effort check: try to
// open for read; a genuinely exclusive lock on most platforms still
// permits this, so this is a conservative no-op hook other platforms can
// replace with an flock probe.
func locked(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	_ = f.Close()
	return false
}
