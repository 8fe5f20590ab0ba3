//go:build !windows

package state

import "golang.org/x/sys/unix"

// flockLock blocks until an exclusive lock on fd is held.
func flockLock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_EX)
}

func flockUnlock(fd uintptr) error {
	return unix.Flock(int(fd), unix.LOCK_UN)
}
