// Package probe decides when downstream processing has finished with a
// stacked movie so its local copies can be cleaned up.
package probe

import (
	"os"
	"path/filepath"

	"shepherd/internal/config"
)

// Probe reports whether downstream processing of path is complete.
type Probe interface {
	Complete(path string) bool
}

// Always reports every path complete. It is used when the processing hold is
// disabled.
type Always struct{}

// Complete implements Probe.
func (Always) Complete(string) bool { return true }

// Marker looks for a sentinel file written by the processing pipeline. With
// Dir empty the sentinel sits next to the movie as <path><Suffix>; otherwise
// it is <Dir>/<base><Suffix>.
type Marker struct {
	Suffix string
	Dir    string
}

// Path returns the sentinel location for path.
func (m Marker) Path(path string) string {
	if m.Dir == "" {
		return path + m.Suffix
	}
	return filepath.Join(m.Dir, filepath.Base(path)+m.Suffix)
}

// Complete implements Probe.
func (m Marker) Complete(path string) bool {
	info, err := os.Stat(m.Path(path))
	return err == nil && !info.IsDir()
}

// FromConfig selects the probe configured by [processing].
func FromConfig(cfg config.Processing) Probe {
	if !cfg.Enabled {
		return Always{}
	}
	return Marker{Suffix: cfg.MarkerSuffix, Dir: cfg.MarkerDir}
}
