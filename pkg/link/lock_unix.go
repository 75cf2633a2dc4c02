//go:build unix

package link

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"
)

// FileLock is an advisory inter-process lock on one device endpoint.
type FileLock struct {
	f *os.File
}

// AcquireLock takes an exclusive, non-blocking flock on a lock file derived
// from name inside dir.
func AcquireLock(dir, name string) (*FileLock, error) {
	path := filepath.Join(dir, lockFileName(name))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %v", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, name)
		}
		return nil, fmt.Errorf("failed to lock %s: %v", path, err)
	}

	return &FileLock{f: f}, nil
}

// Release drops the lock. It is safe to call on a nil lock.
func (l *FileLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}

	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	l.f = nil
	return err
}

func lockFileName(name string) string {
	r := strings.NewReplacer("/", "_", ":", "_", "\\", "_", ".", "_")
	return "astrodev_" + strings.Trim(r.Replace(name), "_") + ".lock"
}
