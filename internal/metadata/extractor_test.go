package metadata

import (
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShouldExtract(t *testing.T) {
	dir := t.TempDir()
	missing := filepath.Join(dir, "missing.jpg")
	require.True(t, shouldExtract(missing, reExtractThreshold))

	small := filepath.Join(dir, "small.jpg")
	require.NoError(t, os.WriteFile(small, make([]byte, 1024), 0o644))
	require.False(t, shouldExtract(small, reExtractThreshold))

	big := filepath.Join(dir, "big.jpg")
	require.NoError(t, os.WriteFile(big, make([]byte, reExtractThreshold+1), 0o644))
	require.True(t, shouldExtract(big, reExtractThreshold))
}

func TestWriteResizedJPEG_HalvesDimensionsAndCapsSize(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "label.jpg")

	src := image.NewRGBA(image.Rect(0, 0, 400, 300))
	for y := 0; y < 300; y++ {
		for x := 0; x < 400; x++ {
			src.Set(x, y, color.RGBA{uint8(x % 256), uint8(y % 256), 128, 255})
		}
	}

	require.NoError(t, writeResizedJPEG(out, src, 85))
	fi, err := os.Stat(out)
	require.NoError(t, err)
	require.LessOrEqual(t, fi.Size(), int64(maxThumbnailBytes))
	require.Greater(t, fi.Size(), int64(0))
}
