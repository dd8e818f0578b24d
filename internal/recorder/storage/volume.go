package storage

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// Volume is a removable storage mount.
type Volume struct {
	Name       string // primary or secondary
	Label      string
	Device     string // block device, e.g. /dev/sdb1
	MountPoint string
}

func (v Volume) String() string {
	return fmt.Sprintf("%s (%s on %s)", v.Name, v.Device, v.MountPoint)
}

// Mounter checks and releases volumes.
type Mounter interface {
	// Mounted reports whether the volume's mount point exists.
	Mounted(Volume) bool
	// Unmount asks the OS to unmount the volume. It does not wait for the
	// mount point to disappear.
	Unmount(Volume) error
}

// UnixMounter uses the filesystem for presence and unmount(2), or an
// external command run with the device path, for release.
type UnixMounter struct {
	Command string // e.g. "umount"; empty uses unix.Unmount on the mount point
	Flags   int
}

func (UnixMounter) Mounted(v Volume) bool {
	fi, err := os.Stat(v.MountPoint)
	return err == nil && fi.IsDir()
}

func (u UnixMounter) Unmount(v Volume) error {
	if u.Command != "" {
		out, err := exec.Command(u.Command, v.Device).CombinedOutput()
		if err != nil {
			return &StorageError{
				Op:  "unmount",
				Key: v.Device,
				Err: fmt.Errorf("%s: %w: %s", u.Command, err, strings.TrimSpace(string(out))),
			}
		}
		return nil
	}
	if err := unix.Unmount(v.MountPoint, u.Flags); err != nil {
		return &StorageError{Op: "unmount", Key: v.MountPoint, Err: err, Retryable: err == unix.EBUSY}
	}
	return nil
}

// FreeBytes returns the space available to unprivileged users on dir.
func FreeBytes(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to stat filesystem %s: %w", dir, err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}
