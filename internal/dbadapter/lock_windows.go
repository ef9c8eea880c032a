//go:build windows

package dbadapter

import (
	"golang.org/x/sys/windows"
)

const stillActive = 259

// lockByteRange is how much of the lock file LockFileEx/UnlockFileEx cover.
// The file only ever holds the holder-pid text; one byte is enough to
// arbitrate the whole thing.
const lockByteRange = 1

// tryLock takes a non-blocking whole-file exclusive lock via LockFileEx.
// LOCKFILE_FAIL_IMMEDIATELY makes it return an error rather than block when
// another process already holds the range.
func (l *writeLocker) tryLock() error {
	var ol windows.Overlapped
	return windows.LockFileEx(
		windows.Handle(l.lockFile.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0,
		lockByteRange,
		0,
		&ol,
	)
}

// unlock drops the range taken by tryLock.
func (l *writeLocker) unlock() {
	if l.lockFile == nil {
		return
	}
	var ol windows.Overlapped
	windows.UnlockFileEx(windows.Handle(l.lockFile.Fd()), 0, lockByteRange, 0, &ol)
}

// isProcessAlive reports whether pid still names a live process: a
// limited-info handle is opened and its exit code compared against
// STILL_ACTIVE.
func isProcessAlive(pid int) bool {
	handle, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(handle)

	var exitCode uint32
	if err := windows.GetExitCodeProcess(handle, &exitCode); err != nil {
		return false
	}
	return exitCode == stillActive
}
