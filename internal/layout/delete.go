package layout

import (
	"os"
	"path/filepath"

	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/slide"
)

// DeleteResult lists what a Delete call renamed, for the façade's
// "list of removed components" return value.
type DeleteResult struct {
	SourceRenamed   string
	ArtifactRenamed string
}

// Delete performs the first phase of a two-phase delete: rename the
// source file and artifact directory with a __delete_ prefix so they
// vanish from listings immediately. Delete removes no data itself. The
// renamed artifact directory is later removed by the Sweeper once it is
// older than the orphan max age; the renamed source file under
// SlidesRoot is not removed by the Sweeper, which only scans DZIRoot
// directories. If the artifact rename
// fails after the source rename succeeded, the source rename is rolled
// back so the slide reappears in listings rather than being left
// half-deleted.
func (m *Manager) Delete(base slide.BaseName, sourcePath string) (DeleteResult, error) {
	var res DeleteResult

	if sourcePath != "" && exists(sourcePath) {
		renamed := filepath.Join(filepath.Dir(sourcePath), orphanDeletePrefix+filepath.Base(sourcePath))
		if err := os.Rename(sourcePath, renamed); err != nil {
			return res, orcherr.New(orcherr.KindCleanupDeferred, string(base), err)
		}
		res.SourceRenamed = renamed
	}

	p := m.Paths(base)
	if exists(p.ArtifactDir) {
		renamed := filepath.Join(m.DZIRoot, orphanDeletePrefix+string(base))
		if err := os.Rename(p.ArtifactDir, renamed); err != nil {
			// Roll back the source rename so the slide isn't half-deleted.
			if res.SourceRenamed != "" {
				_ = os.Rename(res.SourceRenamed, sourcePath)
				res.SourceRenamed = ""
			}
			return res, orcherr.New(orcherr.KindCleanupDeferred, string(base), err)
		}
		res.ArtifactRenamed = renamed
	}

	return res, nil
}

// RemoveOrphan performs the actual (asynchronous) data removal of a
// __delete_-prefixed directory. On failure the directory is left in
// place, still invisible to listings, for a later sweep attempt.
func (m *Manager) RemoveOrphan(path string) error {
	if err := os.RemoveAll(path); err != nil {
		m.log.Warn("failed to remove orphaned directory", "path", path, "error", err)
		return err
	}
	return nil
}
