package layout

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slidecore/orchestrator/internal/platform/logger"
)

// Sweeper is the periodic background task that removes orphan markers
// and staging directories older than the configured max age that are
// not referenced by an active job.
type Sweeper struct {
	mgr      *Manager
	log      *logger.Logger
	interval time.Duration
	maxAge   time.Duration
	// activeBaseNames reports base names currently owned by an active
	// job; the sweeper must never touch one of those.
	activeBaseNames func() map[string]bool
}

func NewSweeper(mgr *Manager, log *logger.Logger, interval, maxAge time.Duration, activeBaseNames func() map[string]bool) *Sweeper {
	return &Sweeper{
		mgr:             mgr,
		log:             log.With("component", "Sweeper"),
		interval:        interval,
		maxAge:          maxAge,
		activeBaseNames: activeBaseNames,
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// SweepOnce is exported for tests and for an explicit manual trigger; the
// background Run loop just calls it on a ticker.
func (s *Sweeper) SweepOnce() int { return s.sweepOnce() }

func (s *Sweeper) sweepOnce() int {
	entries, err := os.ReadDir(s.mgr.DZIRoot)
	if err != nil {
		s.log.Warn("sweep: failed to list DZIRoot", "error", err)
		return 0
	}

	active := map[string]bool{}
	if s.activeBaseNames != nil {
		active = s.activeBaseNames()
	}

	removed := 0
	now := time.Now()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		base := inferBaseName(name)
		if base != "" && active[base] {
			continue
		}
		isOrphan := IsOrphanMarker(name)
		isStaging := strings.HasSuffix(name, "_convert") || strings.HasSuffix(name, "_reconvert")
		if !isOrphan && !isStaging {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) < s.maxAge {
			continue
		}
		full := filepath.Join(s.mgr.DZIRoot, name)
		if err := os.RemoveAll(full); err != nil {
			s.log.Warn("sweep: failed to remove", "path", full, "error", err)
			continue
		}
		s.log.Info("swept stale directory", "path", full)
		removed++
	}
	return removed
}

// inferBaseName recovers the base_name a transient directory name refers
// to, for the active-job exclusion check. Returns "" for names it can't
// parse (e.g. a bare __delete_ with no recoverable suffix).
func inferBaseName(dirName string) string {
	switch {
	case strings.HasSuffix(dirName, "_convert"):
		return strings.TrimSuffix(dirName, "_convert")
	case strings.HasSuffix(dirName, "_reconvert"):
		return strings.TrimSuffix(dirName, "_reconvert")
	case strings.HasPrefix(dirName, backupPrefix):
		rest := strings.TrimPrefix(dirName, backupPrefix)
		if idx := strings.LastIndex(rest, "_"); idx > 0 {
			return rest[:idx]
		}
		return rest
	default:
		return ""
	}
}
