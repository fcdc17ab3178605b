//go:build !linux

package ringstore

import (
	"os"
	"path/filepath"
)

// defaultDir falls back to a per-host temp directory where /dev/shm is
// not available (macOS, BSD).
func defaultDir() string {
	dir := filepath.Join(os.TempDir(), "tagring-shm")
	_ = os.MkdirAll(dir, 0o700)
	return dir
}
