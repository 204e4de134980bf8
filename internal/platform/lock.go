// Package platform holds OS-specific helpers.
package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrLocked indicates another process holds the lock file.
var ErrLocked = errors.New("lock held by another process")

// ErrLockUnsupported indicates the current platform has no lock backend implementation.
var ErrLockUnsupported = errors.New("file lock unsupported")

// FileLock represents an acquired exclusive lock on a file.
type FileLock interface {
	Release() error
}

// AcquireFileLock takes a non-blocking exclusive lock on path, creating the
// file and its directory when missing. The lock is dropped when the process exits.
func AcquireFileLock(path string) (FileLock, error) {
	if path == "" {
		return nil, errors.New("lock path is empty")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	return acquireFileLock(cleanPath)
}
