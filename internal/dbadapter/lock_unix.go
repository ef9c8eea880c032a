//go:build unix

package dbadapter

import (
	"os"
	"syscall"
)

// tryLock takes a non-blocking exclusive flock on the lock file descriptor.
// LOCK_NB means it returns immediately with an error instead of blocking
// when another process already holds it.
func (l *writeLocker) tryLock() error {
	fd := int(l.lockFile.Fd())
	return syscall.Flock(fd, syscall.LOCK_EX|syscall.LOCK_NB)
}

// unlock drops the flock taken by tryLock.
func (l *writeLocker) unlock() {
	if l.lockFile == nil {
		return
	}
	syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
}

// isProcessAlive reports whether pid still names a live process.
// os.FindProcess never fails on Unix (there's no handle to open), so the
// liveness check is signal 0: deliverable iff the process exists and is
// owned by us.
func isProcessAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
