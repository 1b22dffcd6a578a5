package jail

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
)

// skeletonDirs is the minimal directory layout assembled when the
// skeleton tool is unavailable.
var skeletonDirs = []string{
	"bin", "dev", "etc", "home", "lib", "lib64", "usr/bin", "usr/sbin", "usr/lib",
}

// deviceNodes are the character devices every jail needs.
var deviceNodes = []struct {
	name  string
	major uint32
	minor uint32
}{
	{"null", 1, 3},
	{"zero", 1, 5},
	{"random", 1, 8},
	{"urandom", 1, 9},
}

// templateAccounts and templateGroups are the system identities carried
// into the trimmed in-jail databases. Names absent from the host are
// skipped.
var (
	templateAccounts = []string{"root", "nobody"}
	templateGroups   = []string{"root", "nogroup", "nobody"}
)

// EnsureBase builds the shared base template if needed and verifies it.
// A verified template is left alone; an incomplete one is repaired in
// place. Skeleton tool failure degrades to a minimal manual skeleton;
// a missing confined-shell binary is fatal.
func (m *Manager) EnsureBase(ctx context.Context) error {
	base := m.basePath()
	fresh := !fileExists(base)
	if !fresh {
		if err := m.checkIntegrity(base); err == nil {
			m.logger.Printf("base template verified at %s", base)
			return nil
		} else {
			m.logger.Printf("warning: base template incomplete, repairing: %v", err)
		}
	}

	if err := os.MkdirAll(base, 0755); err != nil {
		return fmt.Errorf("create base template: %w", err)
	}
	if fresh {
		if err := m.runSkeletonTool(ctx, base); err != nil {
			m.logger.Printf("warning: skeleton tool unavailable, assembling minimal skeleton: %v", err)
		}
	}
	if err := m.finishJailTree(base); err != nil {
		return err
	}
	m.logger.Printf("base template ready at %s", base)
	return nil
}

// finishJailTree fills in whatever a jail tree is missing (directories,
// shell binaries, identity files, device nodes) and verifies the result.
// Every step skips work already done.
func (m *Manager) finishJailTree(root string) error {
	if err := buildSkeleton(root); err != nil {
		return err
	}
	if err := m.installShells(root); err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyMissing, err)
	}
	if err := m.ensureIdentityFiles(root); err != nil {
		return err
	}
	if err := m.ensureDevices(root); err != nil {
		return err
	}
	return m.checkIntegrity(root)
}

// runSkeletonTool populates root with the configured skeleton sections.
func (m *Manager) runSkeletonTool(ctx context.Context, root string) error {
	if _, err := m.runner.LookPath(m.skeletonTool); err != nil {
		return fmt.Errorf("%s not on PATH", m.skeletonTool)
	}
	args := append([]string{"-j", root}, m.skeletonSections...)
	if err := m.runner.Run(ctx, m.skeletonTool, args...); err != nil {
		return err
	}
	return nil
}

// buildSkeleton creates the minimal directory layout. Existing
// directories are kept.
func buildSkeleton(root string) error {
	for _, dir := range skeletonDirs {
		if err := os.MkdirAll(filepath.Join(root, dir), 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// installShells copies the confined chroot shell and the in-jail shell
// from the host into the tree, keeping binaries that are already there.
func (m *Manager) installShells(root string) error {
	for _, shell := range []string{m.confinedShell, m.jailShell} {
		dst := filepath.Join(root, shell)
		if fileExists(dst) {
			continue
		}
		if err := copyFile(shell, dst); err != nil {
			return fmt.Errorf("install %s: %w", shell, err)
		}
	}
	return nil
}

// ensureIdentityFiles writes the trimmed identity databases, carrying
// only the template system accounts. Files that already exist are left
// alone so merged user entries survive a repair.
func (m *Manager) ensureIdentityFiles(root string) error {
	jailStore := identity.NewStore(
		filepath.Join(root, "etc", "passwd"),
		filepath.Join(root, "etc", "group"),
	)
	if !fileExists(jailStore.PasswdPath) {
		recs, err := m.store.Records()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
		}
		keep := makeSet(templateAccounts)
		kept := make([]identity.Record, 0, len(templateAccounts))
		for _, r := range recs {
			if keep[r.Name] {
				kept = append(kept, r)
			}
		}
		if err := jailStore.WriteRecords(kept); err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
		}
	}
	if !fileExists(jailStore.GroupPath) {
		groups, err := m.store.Groups()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
		}
		keep := makeSet(templateGroups)
		kept := make([]identity.Group, 0, len(templateGroups))
		for _, g := range groups {
			if keep[g.Name] {
				kept = append(kept, g)
			}
		}
		if err := jailStore.WriteGroups(kept); err != nil {
			return fmt.Errorf("%w: %v", ErrIdentityWrite, err)
		}
	}
	return nil
}

// ensureDevices creates the missing device nodes. Existing nodes are
// left alone.
func (m *Manager) ensureDevices(root string) error {
	devDir := filepath.Join(root, "dev")
	if err := os.MkdirAll(devDir, 0755); err != nil {
		return fmt.Errorf("create dev: %w", err)
	}
	for _, d := range deviceNodes {
		path := filepath.Join(devDir, d.name)
		if fileExists(path) {
			continue
		}
		if err := m.devices.MakeChar(path, d.major, d.minor, 0666); err != nil {
			return fmt.Errorf("create device %s: %w", path, err)
		}
	}
	return nil
}

// requiredPaths lists the jail-relative paths integrity checks demand.
func (m *Manager) requiredPaths() []string {
	return []string{
		"etc/passwd",
		"etc/group",
		strings.TrimPrefix(m.confinedShell, "/"),
		strings.TrimPrefix(m.jailShell, "/"),
		"dev/null",
		"dev/zero",
		"dev/random",
		"dev/urandom",
	}
}

// checkIntegrity verifies that root carries every required path.
func (m *Manager) checkIntegrity(root string) error {
	missing := missingPaths(root, m.requiredPaths())
	if len(missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s missing %s", ErrIntegrity, root, strings.Join(missing, ", "))
}

// missingPaths returns the required paths absent from root.
func missingPaths(root string, required []string) []string {
	var missing []string
	for _, rel := range required {
		if !fileExists(filepath.Join(root, rel)) {
			missing = append(missing, rel)
		}
	}
	return missing
}

// copyFile copies a regular file preserving its permission bits.
func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%s is not a regular file", src)
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func fileExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// makeSet converts a slice to a membership map.
func makeSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, item := range items {
		set[item] = true
	}
	return set
}
