//go:build windows

package keys

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// Lock holds an advisory, exclusive lock on the keys directory's
// sentinel file so that only one broker process operates on a given
// .keys directory at a time.
type Lock struct {
	f *os.File
}

// AcquireLock opens and locks the keys directory's lock file via
// LockFileEx, the Windows counterpart of the unix implementation in
// lockfile_unix.go.
func AcquireLock(dir string) (*Lock, error) {
	path := LockPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR, lockMode)
	if err != nil {
		return nil, fmt.Errorf("keys: open lock file: %w", err)
	}

	ol := new(windows.Overlapped)
	err = windows.LockFileEx(windows.Handle(f.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("keys: another broker holds %s: %w", path, err)
	}

	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	ol := new(windows.Overlapped)
	_ = windows.UnlockFileEx(windows.Handle(l.f.Fd()), 0, 1, 0, ol)
	return l.f.Close()
}
