// Package home manages the osclog save directory layout.
//
// The save directory holds one append-only CSV log per configured port per
// run. A new run always creates new files; logs are never appended to
// across runs.
//
// Layout:
//
//	<root>/
//	  osc_data_port_<port>_<YYYYMMDD_HHMMSS>.csv       (active or finished log)
//	  osc_data_port_<port>_<YYYYMMDD_HHMMSS>.csv.zst   (finished log, compressed)
package home

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultRoot is the save directory used when none is configured.
const DefaultRoot = "data"

// stampLayout is the startup timestamp embedded in log file names.
const stampLayout = "20060102_150405"

// Dir represents an osclog save directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Root returns the save directory path.
func (d Dir) Root() string {
	return d.root
}

// LogPath returns the log file path for port in a run started at started.
func (d Dir) LogPath(port int, started time.Time) string {
	name := fmt.Sprintf("osc_data_port_%d_%s.csv", port, started.Format(stampLayout))
	return filepath.Join(d.root, name)
}

// EnsureExists creates the save directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create save directory %s: %w", d.root, err)
	}
	return nil
}
