// Package tempdir owns the lifecycle of the scratch directory the external
// sort spills run files into. Every comparison run gets its own uniquely
// named subdirectory under os.TempDir, removed in full when the run ends.
package tempdir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Dir is an owned spill directory. Callers must call Close exactly once,
// typically via defer, to guarantee cleanup on every exit path including
// cancellation and error.
type Dir struct {
	path string
}

// New creates a fresh, uniquely named directory under os.TempDir named
// billion-lines-compare-<pid>-<nonce>, where nonce is the first 8 hex
// characters of a new UUID.
func New() (*Dir, error) {
	nonce := uuid.New().String()[:8]
	name := fmt.Sprintf("billion-lines-compare-%d-%s", os.Getpid(), nonce)
	path := filepath.Join(os.TempDir(), name)
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("tempdir: create %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute path to the owned directory.
func (d *Dir) Path() string {
	return d.path
}

// RunFile allocates a path for the n-th spill run file. The file itself is
// created by the caller.
func (d *Dir) RunFile(n int) string {
	return filepath.Join(d.path, fmt.Sprintf("run-%06d.bin", n))
}

// Close removes the directory and everything under it. It is safe to call
// on a nil *Dir (no-op) so deferred cleanup works uniformly even when New
// failed before assignment.
func (d *Dir) Close() error {
	if d == nil {
		return nil
	}
	return os.RemoveAll(d.path)
}
