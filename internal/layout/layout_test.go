package layout

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/slidecore/orchestrator/internal/platform/logger"
	"github.com/slidecore/orchestrator/internal/slide"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	dziRoot := t.TempDir()
	slidesRoot := t.TempDir()
	return NewManager(slidesRoot, dziRoot, logger.Nop()), dziRoot
}

func writeStagedArtifact(t *testing.T, stagingDir, base string, descriptorBody string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(stagingDir, base+"_files"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stagingDir, base+".dzi"), []byte(descriptorBody), 0o644))
	metaDir := filepath.Join(stagingDir, "metadata")
	require.NoError(t, os.MkdirAll(metaDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(metaDir, base+"_metadata.json"), []byte(`{}`), 0o644))
}

func TestPromote_MovesStagedEntriesAndRemovesStaging(t *testing.T) {
	mgr, dziRoot := newTestManager(t)
	base := slide.BaseName("slide_A")

	staging, err := mgr.EnsureStaging(base, slide.KindInitial)
	require.NoError(t, err)
	writeStagedArtifact(t, staging, "slide_A", "descriptor-v1")

	require.NoError(t, mgr.Promote(base, staging))

	require.True(t, mgr.ArtifactExists(base))
	require.NoDirExists(t, filepath.Join(dziRoot, "slide_A_convert"))
	body, err := os.ReadFile(mgr.Paths(base).Descriptor)
	require.NoError(t, err)
	require.Equal(t, "descriptor-v1", string(body))
}

func TestBackupAndPromote_ReplacesArtifactAndRemovesBackup(t *testing.T) {
	mgr, dziRoot := newTestManager(t)
	base := slide.BaseName("slide_C")

	initialStaging, err := mgr.EnsureStaging(base, slide.KindInitial)
	require.NoError(t, err)
	writeStagedArtifact(t, initialStaging, "slide_C", "v1")
	require.NoError(t, mgr.Promote(base, initialStaging))

	reStaging, err := mgr.EnsureStaging(base, slide.KindReconversion)
	require.NoError(t, err)
	writeStagedArtifact(t, reStaging, "slide_C", "v2-bigger")

	require.NoError(t, mgr.BackupAndPromote(base, reStaging))

	body, err := os.ReadFile(mgr.Paths(base).Descriptor)
	require.NoError(t, err)
	require.Equal(t, "v2-bigger", string(body))

	entries, err := os.ReadDir(dziRoot)
	require.NoError(t, err)
	for _, e := range entries {
		require.False(t, IsOrphanMarker(e.Name()) && e.IsDir(), "no backup directory should remain: %s", e.Name())
	}
}

func TestArtifactExists_FalseWhenPartial(t *testing.T) {
	mgr, _ := newTestManager(t)
	base := slide.BaseName("slide_partial")
	p := mgr.Paths(base)
	require.NoError(t, os.MkdirAll(p.ArtifactDir, 0o755))
	require.NoError(t, os.WriteFile(p.Descriptor, []byte("x"), 0o644))
	// tile tree and metadata.json are missing
	require.False(t, mgr.ArtifactExists(base))
}

func TestDelete_RenamesSourceAndArtifactWithDeletePrefix(t *testing.T) {
	mgr, dziRoot := newTestManager(t)
	base := slide.BaseName("slide_E")

	staging, err := mgr.EnsureStaging(base, slide.KindInitial)
	require.NoError(t, err)
	writeStagedArtifact(t, staging, "slide_E", "v1")
	require.NoError(t, mgr.Promote(base, staging))

	sourcePath := filepath.Join(mgr.SlidesRoot, "slide_E.svs")
	require.NoError(t, os.WriteFile(sourcePath, []byte("slide bytes"), 0o644))

	res, err := mgr.Delete(base, sourcePath)
	require.NoError(t, err)
	require.NotEmpty(t, res.SourceRenamed)
	require.NotEmpty(t, res.ArtifactRenamed)
	require.NoFileExists(t, sourcePath)

	// listing no longer shows the slide
	require.False(t, mgr.ArtifactExists(base))

	// sweeper would later remove the renamed dirs
	require.DirExists(t, filepath.Join(dziRoot, "__delete_slide_E"))
}

func TestSweeper_RemovesOldOrphansButNotActive(t *testing.T) {
	mgr, dziRoot := newTestManager(t)
	oldOrphan := filepath.Join(dziRoot, "__delete_slide_old")
	require.NoError(t, os.MkdirAll(oldOrphan, 0o755))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(oldOrphan, old, old))

	activeStaging := filepath.Join(dziRoot, "slide_active_convert")
	require.NoError(t, os.MkdirAll(activeStaging, 0o755))
	require.NoError(t, os.Chtimes(activeStaging, old, old))

	sweeper := NewSweeper(mgr, logger.Nop(), time.Hour, 30*time.Minute, func() map[string]bool {
		return map[string]bool{"slide_active": true}
	})

	removed := sweeper.SweepOnce()
	require.Equal(t, 1, removed)
	require.NoDirExists(t, oldOrphan)
	require.DirExists(t, activeStaging)
}
