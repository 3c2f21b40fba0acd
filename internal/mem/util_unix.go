//go:build linux || darwin || freebsd || openbsd || netbsd || dragonfly

package mem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

func lockAll() (Level, error) {
	if err := unix.Mlockall(unix.MCL_CURRENT | unix.MCL_FUTURE); err != nil {
		// EPERM (missing CAP_IPC_LOCK or a low RLIMIT_MEMLOCK) and
		// ENOSYS are expected in containers; degrade, don't fail.
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.ENOSYS) {
			return LevelPartial, nil
		}
		return LevelNone, fmt.Errorf("mlockall failed: %w", err)
	}
	return LevelFull, nil
}

func unlockAll() error {
	if err := unix.Munlockall(); err != nil {
		return fmt.Errorf("munlockall failed: %w", err)
	}
	return nil
}
