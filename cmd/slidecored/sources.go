package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/slidecore/orchestrator/internal/layout"
	"github.com/slidecore/orchestrator/internal/slide"
)

// dirSourceLister implements orchestrator.SourceLister with a plain
// directory scan of the slides root, the same admission rules the
// watcher applies (supported extension, no cancel flag present, no
// orphan-marker prefix such as __delete_).
type dirSourceLister struct {
	slidesRoot string
}

func (d *dirSourceLister) ListSources() ([]slide.Source, error) {
	entries, err := os.ReadDir(d.slidesRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	cancelled := map[string]bool{}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") && strings.HasSuffix(e.Name(), ".cancelled") {
			base := strings.TrimSuffix(strings.TrimPrefix(e.Name(), "."), ".cancelled")
			cancelled[base] = true
		}
	}

	var out []slide.Source
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(name), "."))
		format, ok := slide.ExtensionFormat(ext)
		if !ok {
			continue
		}
		base := strings.TrimSuffix(name, filepath.Ext(name))
		if layout.IsOrphanMarker(base) {
			continue
		}
		if cancelled[base] {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, slide.Source{
			BaseName: slide.BaseName(base),
			Path:     filepath.Join(d.slidesRoot, name),
			Format:   format,
			Size:     info.Size(),
			ModTime:  info.ModTime(),
		})
	}
	return out, nil
}
