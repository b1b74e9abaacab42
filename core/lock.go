package core

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"
)

const lockFileName = "exclusive.lock"

// directoryLock is a process-level advisory lock on a store directory,
// taken non-blockingly so a second Open on a live directory fails fast
// instead of hanging. Grounded on the direct syscall.Flock use found in
// this pack's own file-manager reference code — no flock package
// appears anywhere in the dependency set this module draws from.
type directoryLock struct {
	file *os.File
}

func acquireDirectoryLock(dir string) (*directoryLock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %q: %w", path, err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		return nil, &ExclusiveStartFailureError{Dir: dir}
	}

	return &directoryLock{file: f}, nil
}

// Release drops the advisory lock and closes the backing file handle.
// It is safe to call once, on Store.Close.
func (l *directoryLock) Release() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		_ = l.file.Close()
		return fmt.Errorf("%w: %v", ErrUnlockFailure, err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnlockFailure, err)
	}
	return nil
}
