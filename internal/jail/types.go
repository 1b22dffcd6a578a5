// Package jail builds and manages chroot jails for shell accounts. A
// shared base template under the jail root is cloned into one jail per
// user; the user's real home directory is bind-mounted inside the jail
// at its original absolute path and the account's login shell is
// switched to a confined chroot shell. Every operation is idempotent so
// an interrupted run converges when re-run.
package jail

import (
	"log"
	"os"
	"path/filepath"

	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
	"github.com/rick001/cloudpanel-site-jailer/internal/mount"
)

// Defaults match a stock CloudPanel host with jailkit installed.
const (
	DefaultJailRoot      = "/home/jail"
	DefaultPasswdPath    = "/etc/passwd"
	DefaultGroupPath     = "/etc/group"
	DefaultFstabPath     = "/etc/fstab"
	DefaultNormalShell   = "/bin/bash"
	DefaultConfinedShell = "/usr/sbin/jk_chrootsh"
	DefaultJailShell     = "/bin/bash"
	DefaultSkeletonTool  = "jk_init"
	DefaultAccountTool   = "useradd"

	// baseDirName cannot collide with a user jail: valid usernames never
	// start with a dot.
	baseDirName   = ".base"
	stateFileName = ".sitejailer.state.json"
)

// DefaultSkeletonSections are the skeleton tool profiles for an SSH/SFTP
// capable jail.
var DefaultSkeletonSections = []string{
	"basicshell", "editors", "extendedshell", "netutils", "ssh", "sftp", "scp", "jk_lsh",
}

// State is the derived lifecycle state of one account.
type State string

const (
	// StateUnjailed means a normal shell and no confinement leftovers.
	StateUnjailed State = "unjailed"
	// StateJailed means confined shell, intact jail and reachable home.
	StateJailed State = "jailed"
	// StateBroken means any partial combination of the two.
	StateBroken State = "broken"
)

// Op names a lifecycle operation.
type Op string

const (
	OpProvision Op = "jail"
	OpRelease   Op = "unjail"
	OpRepair    Op = "repair"
	OpDiagnose  Op = "diagnose"
)

// Outcome records how one user fared in a run.
type Outcome struct {
	User  string
	Op    Op
	State State
	Err   error
}

// Summary aggregates the per-user outcomes of one run.
type Summary struct {
	Outcomes []Outcome
}

func (s *Summary) add(o Outcome) {
	s.Outcomes = append(s.Outcomes, o)
}

// Succeeded returns the number of users the operation worked for.
func (s *Summary) Succeeded() int {
	n := 0
	for _, o := range s.Outcomes {
		if o.Err == nil {
			n++
		}
	}
	return n
}

// Failed returns the number of users the operation failed for.
func (s *Summary) Failed() int {
	return len(s.Outcomes) - s.Succeeded()
}

// Config holds configuration for creating a Manager. Zero fields take
// the package defaults; the seams (Runner, Mounter, Devices) default to
// the real system implementations.
type Config struct {
	JailRoot         string
	PasswdPath       string
	GroupPath        string
	FstabPath        string
	NormalShell      string
	ConfinedShell    string
	JailShell        string
	SkeletonTool     string
	SkeletonSections []string
	AccountTool      string
	StatePath        string
	AuditPath        string

	Runner  CommandRunner
	Mounter mount.Mounter
	Devices DeviceMaker
	Logger  *log.Logger
}

// Manager owns the jail root and drives the account lifecycle.
type Manager struct {
	jailRoot         string
	normalShell      string
	confinedShell    string
	jailShell        string
	skeletonTool     string
	skeletonSections []string
	accountTool      string

	store   *identity.Store
	binder  *mount.Binder
	state   *runState
	audit   *AuditLogger
	runner  CommandRunner
	devices DeviceMaker
	logger  *log.Logger
	euid    func() int
}

// NewManager creates a manager over the given system paths.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stdout, "[jail] ", log.LstdFlags|log.Lmsgprefix)
	}
	if cfg.JailRoot == "" {
		cfg.JailRoot = DefaultJailRoot
	}
	if cfg.PasswdPath == "" {
		cfg.PasswdPath = DefaultPasswdPath
	}
	if cfg.GroupPath == "" {
		cfg.GroupPath = DefaultGroupPath
	}
	if cfg.FstabPath == "" {
		cfg.FstabPath = DefaultFstabPath
	}
	if cfg.NormalShell == "" {
		cfg.NormalShell = DefaultNormalShell
	}
	if cfg.ConfinedShell == "" {
		cfg.ConfinedShell = DefaultConfinedShell
	}
	if cfg.JailShell == "" {
		cfg.JailShell = DefaultJailShell
	}
	if cfg.SkeletonTool == "" {
		cfg.SkeletonTool = DefaultSkeletonTool
	}
	if cfg.SkeletonSections == nil {
		cfg.SkeletonSections = DefaultSkeletonSections
	}
	if cfg.AccountTool == "" {
		cfg.AccountTool = DefaultAccountTool
	}
	if cfg.StatePath == "" {
		cfg.StatePath = filepath.Join(cfg.JailRoot, stateFileName)
	}
	if cfg.Runner == nil {
		cfg.Runner = execRunner{}
	}
	if cfg.Devices == nil {
		cfg.Devices = unixDeviceMaker{}
	}

	audit, err := NewAuditLogger(cfg.AuditPath)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		jailRoot:         cfg.JailRoot,
		normalShell:      cfg.NormalShell,
		confinedShell:    cfg.ConfinedShell,
		jailShell:        cfg.JailShell,
		skeletonTool:     cfg.SkeletonTool,
		skeletonSections: cfg.SkeletonSections,
		accountTool:      cfg.AccountTool,
		store:            identity.NewStore(cfg.PasswdPath, cfg.GroupPath),
		binder: mount.NewBinder(mount.BinderConfig{
			TablePath: cfg.FstabPath,
			Sys:       cfg.Mounter,
			Logger:    cfg.Logger,
		}),
		state:   newRunState(cfg.StatePath),
		audit:   audit,
		runner:  cfg.Runner,
		devices: cfg.Devices,
		logger:  cfg.Logger,
		euid:    os.Geteuid,
	}
	return m, nil
}

// Binder exposes the mount binder so the process exit path can release
// transient mounts.
func (m *Manager) Binder() *mount.Binder {
	return m.binder
}

// Close flushes the audit trail.
func (m *Manager) Close() error {
	return m.audit.Close()
}

func (m *Manager) basePath() string {
	return filepath.Join(m.jailRoot, baseDirName)
}

func (m *Manager) userJailPath(username string) string {
	return filepath.Join(m.jailRoot, username)
}
