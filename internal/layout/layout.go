// Package layout is the sole owner of every path the orchestrator reads
// or writes, and the atomic promote / backup-and-promote primitives. No
// other package touches the filesystem under DZIRoot directly.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/slidecore/orchestrator/internal/orcherr"
	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

const (
	orphanDeletePrefix  = "__delete_"
	orphanDeletedPrefix = "__deleted_"
	backupPrefix        = "__backup_"
)

// Paths is the resolved set of on-disk locations for one base name.
type Paths struct {
	ArtifactDir    string // <dzi_root>/<base_name>/
	Descriptor     string // <base_name>.dzi
	TilesDir       string // <base_name>_files/
	MetadataDir    string // metadata/
	MetadataJSON   string // metadata/<base_name>_metadata.json
	ICCFile        string // metadata/<base_name>.icc
	LabelThumb     string // metadata/<base_name>_label.jpg
	MacroThumb     string // metadata/<base_name>_macro.jpg
	ConvertStaging string // <base_name>_convert/
	ReconvertStaging string // <base_name>_reconvert/
}

// Manager owns SlidesRoot and DZIRoot and is the only component with
// license to rename/remove directories under them.
type Manager struct {
	SlidesRoot string
	DZIRoot    string
	log        *logger.Logger
	now        func() time.Time
}

func NewManager(slidesRoot, dziRoot string, log *logger.Logger) *Manager {
	return &Manager{
		SlidesRoot: slidesRoot,
		DZIRoot:    dziRoot,
		log:        log.With("component", "LayoutManager"),
		now:        time.Now,
	}
}

func (m *Manager) Paths(base slide.BaseName) Paths {
	b := string(base)
	artifactDir := filepath.Join(m.DZIRoot, b)
	metaDir := filepath.Join(artifactDir, "metadata")
	return Paths{
		ArtifactDir:      artifactDir,
		Descriptor:       filepath.Join(artifactDir, b+".dzi"),
		TilesDir:         filepath.Join(artifactDir, b+"_files"),
		MetadataDir:      metaDir,
		MetadataJSON:     filepath.Join(metaDir, b+"_metadata.json"),
		ICCFile:          filepath.Join(metaDir, b+".icc"),
		LabelThumb:       filepath.Join(metaDir, b+"_label.jpg"),
		MacroThumb:       filepath.Join(metaDir, b+"_macro.jpg"),
		ConvertStaging:   filepath.Join(m.DZIRoot, b+"_convert"),
		ReconvertStaging: filepath.Join(m.DZIRoot, b+"_reconvert"),
	}
}

// StagingDir returns the staging directory for the given Kind: two
// disjoint names per base_name, so an initial conversion and a
// reconversion can never collide on disk.
func (m *Manager) StagingDir(base slide.BaseName, kind slide.Kind) string {
	p := m.Paths(base)
	if kind == slide.KindReconversion {
		return p.ReconvertStaging
	}
	return p.ConvertStaging
}

// BackupDir allocates (but does not create) a fresh backup directory name
// for a reconversion promotion.
func (m *Manager) BackupDir(base slide.BaseName) string {
	ms := m.now().UnixMilli()
	return filepath.Join(m.DZIRoot, fmt.Sprintf("%s%s_%d", backupPrefix, base, ms))
}

// ArtifactExists reports whether a self-consistent artifact set is
// present: descriptor, tile tree, and metadata.json all exist.
func (m *Manager) ArtifactExists(base slide.BaseName) bool {
	p := m.Paths(base)
	if !exists(p.Descriptor) {
		return false
	}
	if !isDir(p.TilesDir) {
		return false
	}
	if !exists(p.MetadataJSON) {
		return false
	}
	return true
}

// EnsureStaging creates the staging directory for a new job, failing
// with KindStagingSetupFailed on any filesystem error.
func (m *Manager) EnsureStaging(base slide.BaseName, kind slide.Kind) (string, error) {
	dir := m.StagingDir(base, kind)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", orcherr.New(orcherr.KindStagingSetupFailed, string(base), err)
	}
	return dir, nil
}

// RemoveStaging tears down a staging directory on cancel/failure. Errors
// are logged, not propagated — cleanup best-effort, the directory will
// be swept later if it lingers.
func (m *Manager) RemoveStaging(base slide.BaseName, dir string) {
	if dir == "" {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		m.log.Warn("failed to remove staging directory", "base_name", base, "dir", dir, "error", err)
	}
}

// RemoveSource deletes a slide's original source file, for the
// auto-delete-on-success option. Best-effort: errors are logged, not
// propagated, since a lingering source file is harmless — it is never
// re-admitted once its artifact exists.
func (m *Manager) RemoveSource(sourcePath string) {
	if sourcePath == "" {
		return
	}
	if err := os.Remove(sourcePath); err != nil && !os.IsNotExist(err) {
		m.log.Warn("failed to auto-delete source after successful conversion", "path", sourcePath, "error", err)
	}
}

// Promote performs the plain (initial-job) promotion: ensure the target
// exists, clear any stale leftovers from an earlier failed promotion,
// then rename each staged entry into its final name, descriptor last so
// a reader who caches the descriptor path sees a consistent snapshot.
func (m *Manager) Promote(base slide.BaseName, stagingDir string) error {
	p := m.Paths(base)
	if err := os.MkdirAll(p.ArtifactDir, 0o755); err != nil {
		return orcherr.New(orcherr.KindPromotionFailed, string(base), err)
	}

	stagedMeta := filepath.Join(stagingDir, "metadata")
	stagedTiles := filepath.Join(stagingDir, filepath.Base(p.TilesDir))
	stagedDescriptor := filepath.Join(stagingDir, filepath.Base(p.Descriptor))

	// Clear stale targets; this state arises only from an earlier failed
	// promotion, since initial jobs run only when no artifact is present.
	for _, stale := range []string{p.MetadataDir, p.TilesDir, p.Descriptor} {
		if exists(stale) {
			if err := os.RemoveAll(stale); err != nil {
				return orcherr.New(orcherr.KindPromotionFailed, string(base), fmt.Errorf("clear stale %s: %w", stale, err))
			}
		}
	}

	if err := renameIfExists(stagedMeta, p.MetadataDir); err != nil {
		return orcherr.New(orcherr.KindPromotionFailed, string(base), err)
	}
	if err := renameIfExists(stagedTiles, p.TilesDir); err != nil {
		return orcherr.New(orcherr.KindPromotionFailed, string(base), err)
	}
	// Descriptor last: readers who open it then the tile tree observe a
	// consistent snapshot from the moment it appears.
	if err := renameIfExists(stagedDescriptor, p.Descriptor); err != nil {
		return orcherr.New(orcherr.KindPromotionFailed, string(base), err)
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		m.log.Warn("failed to remove convert staging after promote", "base_name", base, "error", err)
	}
	return nil
}

// BackupAndPromote performs the re-conversion promotion: move the
// existing artifact into a freshly allocated backup directory, rename
// the staged entries into the final names, remove the reconvert
// staging, then best-effort delete the backup — orphaning it (prefix
// __delete_) for the sweeper if deletion fails.
func (m *Manager) BackupAndPromote(base slide.BaseName, stagingDir string) error {
	p := m.Paths(base)
	backupDir := m.BackupDir(base)
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return orcherr.New(orcherr.KindPromotionFailed, string(base), err)
	}

	type move struct{ from, to string }
	backupMoves := []move{
		{p.MetadataDir, filepath.Join(backupDir, "metadata")},
		{p.TilesDir, filepath.Join(backupDir, filepath.Base(p.TilesDir))},
		{p.Descriptor, filepath.Join(backupDir, filepath.Base(p.Descriptor))},
	}
	for _, mv := range backupMoves {
		if err := renameIfExists(mv.from, mv.to); err != nil {
			m.restoreBackup(backupDir, base)
			return orcherr.New(orcherr.KindPromotionFailed, string(base), fmt.Errorf("backup %s: %w", mv.from, err))
		}
	}

	stagedMeta := filepath.Join(stagingDir, "metadata")
	stagedTiles := filepath.Join(stagingDir, filepath.Base(p.TilesDir))
	stagedDescriptor := filepath.Join(stagingDir, filepath.Base(p.Descriptor))

	promoteMoves := []move{
		{stagedMeta, p.MetadataDir},
		{stagedTiles, p.TilesDir},
		{stagedDescriptor, p.Descriptor}, // last
	}
	for _, mv := range promoteMoves {
		if err := renameIfExists(mv.from, mv.to); err != nil {
			m.restoreBackup(backupDir, base)
			return orcherr.New(orcherr.KindPromotionFailed, string(base), fmt.Errorf("promote %s: %w", mv.from, err))
		}
	}

	if err := os.RemoveAll(stagingDir); err != nil {
		m.log.Warn("failed to remove reconvert staging after promote", "base_name", base, "error", err)
	}

	if err := os.RemoveAll(backupDir); err != nil {
		orphaned := strings.Replace(backupDir, backupPrefix, orphanDeletePrefix, 1)
		if renameErr := os.Rename(backupDir, orphaned); renameErr != nil {
			m.log.Warn("failed to orphan undeletable backup dir", "base_name", base, "dir", backupDir, "error", renameErr)
		} else {
			m.log.Info("backup dir deferred to sweeper", "base_name", base, "dir", orphaned)
		}
	}
	return nil
}

// restoreBackup reverses a partially-applied backup move when a
// PromotionFailed error occurs during a reconversion.
func (m *Manager) restoreBackup(backupDir string, base slide.BaseName) {
	p := m.Paths(base)
	type move struct{ from, to string }
	restores := []move{
		{filepath.Join(backupDir, "metadata"), p.MetadataDir},
		{filepath.Join(backupDir, filepath.Base(p.TilesDir)), p.TilesDir},
		{filepath.Join(backupDir, filepath.Base(p.Descriptor)), p.Descriptor},
	}
	for _, mv := range restores {
		if exists(mv.from) && !exists(mv.to) {
			if err := os.Rename(mv.from, mv.to); err != nil {
				m.log.Error("failed to restore backup after promotion failure", "base_name", base, "from", mv.from, "to", mv.to, "error", err)
			}
		}
	}
	_ = os.RemoveAll(backupDir)
}

// IsOrphanMarker reports whether dirName (a base name, not a path) is
// owned by the sweeper rather than an active job.
func IsOrphanMarker(dirName string) bool {
	return strings.HasPrefix(dirName, orphanDeletePrefix) ||
		strings.HasPrefix(dirName, orphanDeletedPrefix) ||
		strings.HasPrefix(dirName, backupPrefix)
}

func renameIfExists(from, to string) error {
	if !exists(from) {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	return os.Rename(from, to)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
