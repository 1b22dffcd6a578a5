package jail

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
	"github.com/rick001/cloudpanel-site-jailer/internal/mount"
)

// Provision converts one account into a jailed account: ensure the
// account exists, ensure its jail tree, merge its identity into the
// jail, expose the real home inside, confine the shell and commit the
// home mount. Each step is idempotent, so re-running after a partial
// failure converges instead of duplicating. A missing home directory
// degrades the account with a warning instead of failing it; the mount
// is skipped until the home exists. On any failure the shell is
// reverted so an account is never left confined without working content.
func (m *Manager) Provision(ctx context.Context, username string) error {
	if err := identity.ValidateUsername(username); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}

	rec, err := m.ensureAccount(ctx, username)
	if err != nil {
		return err
	}
	home := originalHome(rec.Home)

	if err := m.ensureUserJail(ctx, username); err != nil {
		return m.abort(username, err)
	}
	if err := m.mergeIdentity(username, rec, home); err != nil {
		return m.abort(username, err)
	}

	target := m.homeMountTarget(username, home)
	homePresent := fileExists(home)
	if homePresent {
		status, err := m.binder.Bind(home, target, false)
		if err != nil {
			return m.abort(username, fmt.Errorf("%w: %v", ErrMount, err))
		}
		if status == mount.BindAlreadyMounted {
			m.logger.Printf("home for %s already mounted", username)
		}
	} else {
		// No home to bind yet: pre-create the target and leave the mount
		// to a later provision or repair.
		m.logger.Printf("warning: home %s for %s does not exist, home mount skipped", home, username)
		if err := os.MkdirAll(target, 0755); err != nil {
			return m.abort(username, fmt.Errorf("%w: %v", ErrMount, err))
		}
	}

	if err := m.confineShell(username); err != nil {
		return m.abort(username, err)
	}
	if homePresent {
		if err := m.binder.Persist(home, target); err != nil {
			return m.abort(username, fmt.Errorf("%w: %v", ErrMount, err))
		}
	}

	m.postCheck(username, target)
	m.logger.Printf("provisioned %s (jail %s)", username, m.userJailPath(username))
	return nil
}

// Release converts a jailed account back to a normal one: unmount the
// home, drop the durable entry and restore the shell recorded before
// provisioning. The jail tree is kept so a later provision can reuse it.
func (m *Manager) Release(username string) error {
	if err := identity.ValidateUsername(username); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	rec, err := m.store.Lookup(username)
	if err != nil {
		return err
	}
	home := originalHome(rec.Home)

	if err := m.binder.Unbind(m.homeMountTarget(username, home)); err != nil {
		return fmt.Errorf("%w: %v", ErrMount, err)
	}

	restore := m.state.shellBefore(username, m.normalShell)
	if _, err := m.store.SetShell(username, restore); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}
	if err := m.state.forget(username); err != nil {
		m.logger.Printf("warning: clear saved shell for %s: %v", username, err)
	}

	if !fileExists(home) {
		m.logger.Printf("warning: home %s for %s does not exist", home, username)
	}
	m.logger.Printf("released %s (shell %s)", username, restore)
	return nil
}

// ensureAccount looks the account up, creating it with the account tool
// when absent.
func (m *Manager) ensureAccount(ctx context.Context, username string) (identity.Record, error) {
	rec, err := m.store.Lookup(username)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, identity.ErrRecordNotFound) {
		return identity.Record{}, fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}

	if _, err := m.runner.LookPath(m.accountTool); err != nil {
		return identity.Record{}, fmt.Errorf("%w: %s not on PATH", ErrDependencyMissing, m.accountTool)
	}
	m.logger.Printf("creating account %s", username)
	if err := m.runner.Run(ctx, m.accountTool, "--create-home", "--shell", m.normalShell, username); err != nil {
		return identity.Record{}, fmt.Errorf("create account %s: %w", username, err)
	}
	rec, err = m.store.Lookup(username)
	if err != nil {
		return identity.Record{}, fmt.Errorf("account %s missing after creation: %w", username, err)
	}
	return rec, nil
}

// ensureUserJail makes sure the user's jail tree exists and is complete:
// verified trees are kept, incomplete ones repaired in place, absent
// ones cloned from the base template (or assembled from scratch when the
// clone is unavailable).
func (m *Manager) ensureUserJail(ctx context.Context, username string) error {
	root := m.userJailPath(username)
	if fileExists(root) {
		if err := m.checkIntegrity(root); err == nil {
			return nil
		}
		m.logger.Printf("repairing jail tree for %s", username)
		return m.finishJailTree(root)
	}

	if err := m.cloneBase(root); err != nil {
		m.logger.Printf("warning: clone base template for %s: %v", username, err)
		if err := os.MkdirAll(root, 0755); err != nil {
			return fmt.Errorf("create jail: %w", err)
		}
		if err := m.runSkeletonTool(ctx, root); err != nil {
			m.logger.Printf("warning: skeleton tool unavailable, assembling minimal skeleton: %v", err)
		}
	}
	return m.finishJailTree(root)
}

// cloneBase copies the base template to root, preserving modes, symlinks
// and device nodes.
func (m *Manager) cloneBase(root string) error {
	base := m.basePath()
	if !fileExists(base) {
		return fmt.Errorf("base template %s does not exist", base)
	}
	return filepath.WalkDir(base, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		dst := filepath.Join(root, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(dst, info.Mode().Perm())
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return err
			}
			if err := os.Symlink(target, dst); err != nil && !os.IsExist(err) {
				return err
			}
			return nil
		case info.Mode()&os.ModeDevice != 0:
			if fileExists(dst) {
				return nil
			}
			st, ok := info.Sys().(*syscall.Stat_t)
			if !ok {
				return fmt.Errorf("no stat for device %s", path)
			}
			rdev := uint64(st.Rdev)
			return m.devices.MakeChar(dst, unix.Major(rdev), unix.Minor(rdev), info.Mode().Perm())
		case info.Mode().IsRegular():
			return copyFile(path, dst)
		default:
			// Sockets and pipes have no business in a template.
			return nil
		}
	})
}

// mergeIdentity writes the account into the jail's trimmed databases,
// de-duplicating by name. The in-jail record keeps the original home
// path and uses the in-jail shell.
func (m *Manager) mergeIdentity(username string, rec identity.Record, home string) error {
	root := m.userJailPath(username)
	jailStore := identity.NewStore(
		filepath.Join(root, "etc", "passwd"),
		filepath.Join(root, "etc", "group"),
	)

	jailRec := rec
	jailRec.Home = home
	jailRec.Shell = m.jailShell
	if err := jailStore.EnsureRecord(jailRec); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}

	group, err := m.store.LookupGroupByGID(rec.GID)
	if err != nil {
		if errors.Is(err, identity.ErrGroupNotFound) {
			m.logger.Printf("warning: no group with gid %d for %s", rec.GID, username)
			return nil
		}
		return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}
	if err := jailStore.EnsureGroup(group); err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}
	return nil
}

// confineShell switches the system-wide shell, saving the previous one
// the first time so release can restore it.
func (m *Manager) confineShell(username string) error {
	prev, err := m.store.SetShell(username, m.confinedShell)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}
	if prev != m.confinedShell {
		if err := m.state.rememberShell(username, prev); err != nil {
			m.logger.Printf("warning: record original shell for %s: %v", username, err)
		}
	}
	return nil
}

// postCheck verifies the end state and reports mismatches as warnings,
// never as failures.
func (m *Manager) postCheck(username, target string) {
	rec, err := m.store.Lookup(username)
	if err != nil || rec.Shell != m.confinedShell {
		m.logger.Printf("warning: post-check: shell for %s is not confined", username)
	}
	mounted, err := m.binder.Mounted(target)
	if err != nil || !mounted {
		m.logger.Printf("warning: post-check: home mount for %s is not active", username)
	}
}

// abort reverts the account's shell before returning err, so a failed
// provisioning never leaves a confined account without working content.
func (m *Manager) abort(username string, err error) error {
	restore := m.state.shellBefore(username, m.normalShell)
	if prev, serr := m.store.SetShell(username, restore); serr != nil {
		m.logger.Printf("warning: revert shell for %s: %v", username, serr)
	} else if prev != restore {
		m.logger.Printf("reverted shell for %s to %s", username, restore)
	}
	return err
}

// homeMountTarget is where the real home appears inside the jail.
func (m *Manager) homeMountTarget(username, home string) string {
	return filepath.Join(m.userJailPath(username), home)
}
