package mount

import (
	"github.com/moby/sys/mount"
	"github.com/moby/sys/mountinfo"
)

// SysMounter is the Mounter backed by real mount syscalls.
type SysMounter struct{}

// Mount performs a bind mount.
func (SysMounter) Mount(source, target string) error {
	return mount.Mount(source, target, "none", "bind")
}

// Unmount detaches target.
func (SysMounter) Unmount(target string) error {
	return mount.Unmount(target)
}

// Mounted reports whether target is a mount point.
func (SysMounter) Mounted(target string) (bool, error) {
	return mountinfo.Mounted(target)
}
