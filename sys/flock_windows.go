//go:build windows

package sys

import (
	"os"

	"golang.org/x/sys/windows"
)

// FileLock is an acquired advisory lock on an open file.
type FileLock struct {
	handle windows.Handle
}

// Lock takes an exclusive, non-blocking advisory lock on f via LockFileEx.
func Lock(f *os.File) (FileLock, error) {
	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)
	err := windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if err != nil {
		return FileLock{}, err
	}
	return FileLock{handle: h}, nil
}

// Unlock releases a lock acquired with Lock.
func Unlock(l FileLock) error {
	if l.handle == 0 {
		return nil
	}
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(l.handle, 0, 1, 0, ol)
}
