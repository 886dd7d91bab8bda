package worker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AdmitFunc reports whether a new job may start now. A non-nil error names
// the reason it must wait.
type AdmitFunc func() error

// DiskAdmission requires at least minFreeMB of free space on the filesystem
// holding dir. A zero minimum admits everything.
func DiskAdmission(dir string, minFreeMB int64) AdmitFunc {
	return func() error {
		if minFreeMB <= 0 {
			return nil
		}
		free, err := FreeBytes(dir)
		if err != nil {
			return err
		}
		if need := uint64(minFreeMB) << 20; free < need {
			return fmt.Errorf("only %d MiB free on %s, need %d MiB", free>>20, dir, minFreeMB)
		}
		return nil
	}
}

// FreeBytes returns the space available to unprivileged users on the
// filesystem holding dir.
func FreeBytes(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return st.Bavail * uint64(st.Bsize), nil
}
