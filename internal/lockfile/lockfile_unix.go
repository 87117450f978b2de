//go:build !windows

package lockfile

import (
	"os"
	"syscall"
)

var errWouldBlock = syscall.EWOULDBLOCK

func platformLock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
}

func platformUnlock(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}
