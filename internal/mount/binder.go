// Package mount performs the bind mounts that expose a real home
// directory inside a jail, and owns the record of what it mounted. A
// mount is transient until committed: transient targets are released on
// process exit, committed targets live in the durable mount table and
// survive reboots.
package mount

import (
	"fmt"
	"log"
	"os"
	"sync"
)

// Mounter is the syscall seam for bind mounts. The real implementation
// is SysMounter; tests substitute a recorder.
type Mounter interface {
	Mount(source, target string) error
	Unmount(target string) error
	Mounted(target string) (bool, error)
}

// BindStatus reports what Bind did.
type BindStatus int

const (
	// BindMounted means a new mount was created.
	BindMounted BindStatus = iota
	// BindAlreadyMounted means the target was a mount point before the
	// call and no mount syscall was made.
	BindAlreadyMounted
)

// Binder performs bind mounts and tracks the transient ones.
type Binder struct {
	table  *Table
	sys    Mounter
	logger *log.Logger

	mu        sync.Mutex
	transient []string // targets in mount order
}

// BinderConfig holds configuration for creating a Binder.
type BinderConfig struct {
	TablePath string
	Sys       Mounter
	Logger    *log.Logger
}

// NewBinder creates a binder over the given durable mount table.
func NewBinder(cfg BinderConfig) *Binder {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[mount] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.Sys == nil {
		cfg.Sys = SysMounter{}
	}
	return &Binder{
		table:  NewTable(cfg.TablePath),
		sys:    cfg.Sys,
		logger: cfg.Logger,
	}
}

// Bind ensures src is bind-mounted at dst, creating the target directory
// as needed. A target that is already a mount point is reported as
// BindAlreadyMounted without a second mount syscall. Persistent binds are
// committed to the durable table in the same call; if that commit fails
// the mount stays tracked transient so exit cleanup can release it.
func (b *Binder) Bind(src, dst string, persistent bool) (BindStatus, error) {
	if err := os.MkdirAll(dst, 0755); err != nil {
		return 0, fmt.Errorf("create mount target %s: %w", dst, err)
	}

	mounted, err := b.sys.Mounted(dst)
	if err != nil {
		return 0, fmt.Errorf("check mount %s: %w", dst, err)
	}
	if mounted {
		if persistent {
			if err := b.table.Append(src, dst); err != nil {
				return 0, err
			}
		}
		return BindAlreadyMounted, nil
	}

	if err := b.sys.Mount(src, dst); err != nil {
		return 0, fmt.Errorf("bind %s on %s: %w", src, dst, err)
	}
	b.track(dst)
	b.logger.Printf("bound %s on %s", src, dst)

	if persistent {
		if err := b.Persist(src, dst); err != nil {
			return 0, err
		}
	}
	return BindMounted, nil
}

// Persist commits a mount: the durable entry is ensured and the target
// leaves the transient set.
func (b *Binder) Persist(src, dst string) error {
	if err := b.table.Append(src, dst); err != nil {
		return err
	}
	b.untrack(dst)
	return nil
}

// Unbind unmounts dst if it is currently mounted and removes any durable
// entry for it. Unbinding an unmounted target only cleans the table.
func (b *Binder) Unbind(dst string) error {
	mounted, err := b.sys.Mounted(dst)
	if err != nil {
		return fmt.Errorf("check mount %s: %w", dst, err)
	}
	if mounted {
		if err := b.sys.Unmount(dst); err != nil {
			return fmt.Errorf("unmount %s: %w", dst, err)
		}
		b.logger.Printf("unmounted %s", dst)
	}
	if _, err := b.table.RemoveTarget(dst); err != nil {
		return err
	}
	b.untrack(dst)
	return nil
}

// ReleaseTransient unmounts every tracked transient mount in reverse
// order. Failures are logged and skipped so one stuck mount cannot block
// the rest. Safe to call more than once; committed mounts are untouched.
func (b *Binder) ReleaseTransient() {
	b.mu.Lock()
	targets := b.transient
	b.transient = nil
	b.mu.Unlock()

	for i := len(targets) - 1; i >= 0; i-- {
		dst := targets[i]
		mounted, err := b.sys.Mounted(dst)
		if err != nil {
			b.logger.Printf("warning: check mount %s: %v", dst, err)
			continue
		}
		if !mounted {
			continue
		}
		if err := b.sys.Unmount(dst); err != nil {
			b.logger.Printf("warning: release %s: %v", dst, err)
			continue
		}
		b.logger.Printf("released transient mount %s", dst)
	}
}

// Mounted reports whether target is currently a mount point.
func (b *Binder) Mounted(dst string) (bool, error) {
	return b.sys.Mounted(dst)
}

// HasEntry reports whether the durable table carries an entry for this
// source/destination pair.
func (b *Binder) HasEntry(src, dst string) (bool, error) {
	return b.table.Has(src, dst)
}

// Transient returns a copy of the tracked transient targets.
func (b *Binder) Transient() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.transient...)
}

func (b *Binder) track(dst string) {
	b.mu.Lock()
	b.transient = append(b.transient, dst)
	b.mu.Unlock()
}

func (b *Binder) untrack(dst string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.transient[:0]
	for _, d := range b.transient {
		if d != dst {
			kept = append(kept, d)
		}
	}
	b.transient = kept
}
