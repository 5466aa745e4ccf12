//go:build !windows

package keys

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock holds an advisory, exclusive, non-blocking lock on the keys
// directory's sentinel file so that only one broker process operates
// on a given .keys directory at a time.
type Lock struct {
	f *os.File
}

// AcquireLock opens and flocks the keys directory's lock file,
// following the teacher's per-platform PAL split (PAL/linux vs
// PAL/windows) rather than a single cgo-free cross-platform shim.
func AcquireLock(dir string) (*Lock, error) {
	path := LockPath(dir)
	f, err := os.OpenFile(path, os.O_RDWR, lockMode)
	if err != nil {
		return nil, fmt.Errorf("keys: open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
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
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
