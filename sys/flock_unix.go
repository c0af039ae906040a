//go:build unix

// Package sys wraps the advisory file locking daemonkv uses to enforce "one
// engine handle per table file" (spec §9) at the OS level. Build-tag split
// grounded on nyan233-sokv/internal/sys/sys_unix.go + sys_windows.go.
package sys

import (
	"os"

	"golang.org/x/sys/unix"
)

// FileLock is an acquired advisory lock on an open file.
type FileLock struct {
	fd int
}

// Lock takes an exclusive, non-blocking advisory lock on f. It fails
// immediately if another process (or another *os.File in this process)
// already holds the lock, rather than blocking.
func Lock(f *os.File) (FileLock, error) {
	fd := int(f.Fd())
	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return FileLock{}, err
	}
	return FileLock{fd: fd}, nil
}

// Unlock releases a lock acquired with Lock.
func Unlock(l FileLock) error {
	if l.fd == 0 {
		return nil
	}
	return unix.Flock(l.fd, unix.LOCK_UN)
}
