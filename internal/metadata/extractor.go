// Package metadata derives the optional sidecar artifacts (ICC profile,
// label/macro thumbnails, slide properties) via a ranked list of probe
// strategies. Failure of any single strategy is tolerated — the
// artifact is simply absent, never a job failure.
package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/jpeg"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fogleman/gg"
	_ "golang.org/x/image/tiff" // registers the tiff decoder with image.Decode

	"github.com/slidecore/orchestrator/internal/platform/logger"
)

const (
	maxThumbnailBytes = 150 * 1024
	reExtractThreshold = 100 * 1024
)

// AssociatedImageKind is which embedded thumbnail to probe for.
type AssociatedImageKind string

const (
	KindLabel AssociatedImageKind = "label"
	KindMacro AssociatedImageKind = "macro"
)

var aliasesByKind = map[AssociatedImageKind][]string{
	KindLabel: {"label", "slide label", "label image", "thumbnail"},
	KindMacro: {"macro", "overview", "macro image", "thumbnail"},
}

// Extractor probes a slide file for sidecar artifacts via the external
// tool's probe sub-commands, falling back through a ranked strategy list.
type Extractor struct {
	toolBinary    string
	probeTimeout  time.Duration
	log           *logger.Logger
}

func NewExtractor(toolBinary string, probeTimeout time.Duration, log *logger.Logger) *Extractor {
	return &Extractor{toolBinary: toolBinary, probeTimeout: probeTimeout, log: log.With("component", "MetadataExtractor")}
}

// ExtractAll runs every probe and writes whatever succeeds to outPaths.
// Non-fatal: a probe failure is logged and the corresponding artifact is
// simply absent from the result.
type OutPaths struct {
	ICCFile    string
	LabelThumb string
	MacroThumb string
	Properties string
}

type Result struct {
	ICCWritten    bool
	LabelWritten  bool
	MacroWritten  bool
	PropsWritten  bool
}

func (e *Extractor) ExtractAll(ctx context.Context, slidePath string, out OutPaths) Result {
	var res Result

	if shouldExtract(out.ICCFile, reExtractThreshold) {
		if blob, err := e.probeICC(ctx, slidePath); err == nil && len(blob) > 0 {
			if writeErr := os.WriteFile(out.ICCFile, blob, 0o644); writeErr == nil {
				res.ICCWritten = true
			} else {
				e.log.Warn("failed to write icc profile", "path", out.ICCFile, "error", writeErr)
			}
		}
	} else {
		res.ICCWritten = true
	}

	if shouldExtract(out.LabelThumb, reExtractThreshold) {
		if img, err := e.probeAssociatedImage(ctx, slidePath, KindLabel); err == nil && img != nil {
			if writeErr := writeResizedJPEG(out.LabelThumb, img, 85); writeErr == nil {
				res.LabelWritten = true
			}
		}
	} else {
		res.LabelWritten = true
	}

	if shouldExtract(out.MacroThumb, reExtractThreshold) {
		if img, err := e.probeAssociatedImage(ctx, slidePath, KindMacro); err == nil && img != nil {
			if writeErr := writeResizedJPEG(out.MacroThumb, img, 85); writeErr == nil {
				res.MacroWritten = true
			}
		}
	} else {
		res.MacroWritten = true
	}

	if props, err := e.probeProperties(ctx, slidePath); err == nil && len(props) > 0 {
		if blob, jsonErr := json.MarshalIndent(props, "", "  "); jsonErr == nil {
			if writeErr := os.WriteFile(out.Properties, blob, 0o644); writeErr == nil {
				res.PropsWritten = true
			}
		}
	}

	return res
}

// shouldExtract skips re-probing if a non-empty sidecar already exists,
// unless it looks like an unoptimised prior extraction (over the
// re-extract size threshold).
func shouldExtract(path string, threshold int64) bool {
	if path == "" {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return true
	}
	if fi.Size() == 0 {
		return true
	}
	return fi.Size() > threshold
}

// probeICC tries, in order: a raw copy of the embedded profile stream via
// the tool's header probe, then its icc-export sub-command. An external
// metadata tool fallback (exiftool) is attempted last.
func (e *Extractor) probeICC(ctx context.Context, slidePath string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	if out, err := e.runCapture(ctx, "header", slidePath, "--field", "icc-profile-data"); err == nil && len(out) > 0 {
		return out, nil
	}
	if out, err := e.runCapture(ctx, "icc-export", slidePath, "-"); err == nil && len(out) > 0 {
		return out, nil
	}
	if path, lookErr := exec.LookPath("exiftool"); lookErr == nil {
		cmd := exec.CommandContext(ctx, path, "-icc_profile", "-b", slidePath)
		if out, runErr := cmd.Output(); runErr == nil && len(out) > 0 {
			return out, nil
		}
	}
	return nil, errNoneFound
}

// probeAssociatedImage extracts the named associated image, probing
// aliases when the canonical name is unknown.
func (e *Extractor) probeAssociatedImage(ctx context.Context, slidePath string, kind AssociatedImageKind) (image.Image, error) {
	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	for _, alias := range aliasesByKind[kind] {
		out, err := e.runCapture(ctx, "extract-associated", slidePath, "--name", alias)
		if err != nil || len(out) == 0 {
			continue
		}
		img, _, decodeErr := image.Decode(bytes.NewReader(out))
		if decodeErr != nil {
			continue
		}
		return img, nil
	}
	return nil, errNoneFound
}

// probeProperties invokes the header-dump command with a bounded
// timeout, parsing "key: value" lines into a map.
func (e *Extractor) probeProperties(ctx context.Context, slidePath string) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.probeTimeout)
	defer cancel()

	out, err := e.runCapture(ctx, "header", slidePath, "--all")
	if err != nil {
		return nil, err
	}
	props := map[string]string{}
	for _, line := range strings.Split(string(out), "\n") {
		idx := strings.Index(line, ":")
		if idx <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:idx])
		val := strings.TrimSpace(line[idx+1:])
		if key == "" {
			continue
		}
		props[key] = val
	}
	if len(props) == 0 {
		return nil, errNoneFound
	}
	return props, nil
}

func (e *Extractor) runCapture(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, e.toolBinary, args...)
	return cmd.Output()
}

// writeResizedJPEG resizes img to 50%, strips ancillary data (by
// re-encoding fresh rather than copying source metadata), and targets
// <=150 KiB by stepping quality down if needed.
func writeResizedJPEG(path string, img image.Image, quality int) error {
	b := img.Bounds()
	w, h := b.Dx()/2, b.Dy()/2
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}

	dc := gg.NewContext(w, h)
	dc.Scale(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	dc.DrawImage(img, 0, 0)

	for q := quality; q >= 50; q -= 10 {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, dc.Image(), &jpeg.Options{Quality: q}); err != nil {
			return err
		}
		if buf.Len() <= maxThumbnailBytes || q-10 < 50 {
			return os.WriteFile(path, buf.Bytes(), 0o644)
		}
	}
	return nil
}

var errNoneFound = notFoundErr{}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "probe yielded no result" }
