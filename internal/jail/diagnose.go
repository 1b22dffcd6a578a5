package jail

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
)

// Diagnosis is a read-only report of one account's confinement health.
type Diagnosis struct {
	Username       string
	AccountPresent bool
	Shell          string
	ShellConfined  bool
	Home           string
	HomeExists     bool
	HomeArtifact   bool

	JailPath      string
	JailPresent   bool
	MissingPaths  []string
	JailOwner     string
	JailMode      os.FileMode
	JailRootOwner string
	JailRootMode  os.FileMode

	MountActive bool
	TableEntry  bool

	InJailRecord           string
	ConfinedShellInstalled bool
	ConfinedShellInJail    bool
	JailShellInJail        bool

	// Tooling maps confinement tool names to on-PATH presence. Absence
	// is informational, never an error.
	Tooling map[string]bool

	State State
}

// Diagnose inspects one account and reports. It mutates nothing.
func (m *Manager) Diagnose(username string) (*Diagnosis, error) {
	if err := identity.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	insp, err := m.inspect(username)
	if err != nil {
		return nil, err
	}

	d := &Diagnosis{
		Username:               username,
		JailPath:               m.userJailPath(username),
		JailPresent:            insp.jailPresent,
		MountActive:            insp.mounted,
		TableEntry:             insp.tableEntry,
		HomeArtifact:           insp.homeArtifact,
		ConfinedShellInstalled: fileExists(m.confinedShell),
		Tooling:                m.toolingPresence(),
		State:                  deriveState(insp),
	}
	d.JailRootOwner, d.JailRootMode = ownerAndMode(m.jailRoot)

	if insp.record != nil {
		d.AccountPresent = true
		d.Shell = insp.record.Shell
		d.ShellConfined = insp.shellConfined
		d.Home = originalHome(insp.record.Home)
		d.HomeExists = fileExists(d.Home)
	}

	if insp.jailPresent {
		d.MissingPaths = missingPaths(d.JailPath, m.requiredPaths())
		d.ConfinedShellInJail = fileExists(filepath.Join(d.JailPath, m.confinedShell))
		d.JailShellInJail = fileExists(filepath.Join(d.JailPath, m.jailShell))
		d.JailOwner, d.JailMode = ownerAndMode(d.JailPath)
		jailStore := identity.NewStore(
			filepath.Join(d.JailPath, "etc", "passwd"),
			filepath.Join(d.JailPath, "etc", "group"),
		)
		if rec, err := jailStore.Lookup(username); err == nil {
			d.InJailRecord = rec.String()
		}
	}
	return d, nil
}

// toolingPresence checks the confinement tool family and the MAC status
// commands on PATH.
func (m *Manager) toolingPresence() map[string]bool {
	tools := []string{m.skeletonTool, m.accountTool, "jk_lsh", "jk_check", "aa-status", "getenforce"}
	present := make(map[string]bool, len(tools))
	for _, tool := range tools {
		_, err := m.runner.LookPath(tool)
		present[tool] = err == nil
	}
	return present
}

// ownerAndMode reports uid:gid and permission bits, zero values when the
// path cannot be stat'ed.
func ownerAndMode(path string) (string, os.FileMode) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0
	}
	owner := ""
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		owner = fmt.Sprintf("%d:%d", st.Uid, st.Gid)
	}
	return owner, info.Mode().Perm()
}
