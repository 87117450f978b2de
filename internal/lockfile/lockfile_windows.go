//go:build windows

package lockfile

import (
	"os"
	"syscall"
)

// ERROR_LOCK_VIOLATION, returned by LockFileEx when another process
// already holds the lock.
const errnoLockViolation = syscall.Errno(0x21)

var errWouldBlock = errnoLockViolation

const (
	lockfileExclusiveLock   = 0x00000002
	lockfileFailImmediately = 0x00000001
)

func platformLock(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.LockFileEx(syscall.Handle(f.Fd()), lockfileExclusiveLock|lockfileFailImmediately, 0, 1, 0, &overlapped)
}

func platformUnlock(f *os.File) error {
	var overlapped syscall.Overlapped
	return syscall.UnlockFileEx(syscall.Handle(f.Fd()), 0, 1, 0, &overlapped)
}
