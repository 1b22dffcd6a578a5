package integration

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rick001/cloudpanel-site-jailer/internal/config"
	"github.com/rick001/cloudpanel-site-jailer/internal/discovery"
	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
	"github.com/rick001/cloudpanel-site-jailer/internal/jail"

	_ "github.com/mattn/go-sqlite3"
)

// TestJailUnjailRoundTrip tests the full flow:
// config file → manager → jail two users → diagnose → unjail → audit trail.
func TestJailUnjailRoundTrip(t *testing.T) {
	requireRoot(t)
	env := newEnv(t)
	home1 := env.addSiteAccount(t, "web1", 1001)
	home2 := env.addSiteAccount(t, "web2", 1002)
	ctx := context.Background()

	summary, err := env.mgr.Run(ctx, jail.OpProvision, []string{"web1", "web2"})
	if err != nil {
		t.Fatalf("jail run: %v", err)
	}
	if summary.Succeeded() != 2 || summary.Failed() != 0 {
		t.Fatalf("jail summary: %d succeeded, %d failed", summary.Succeeded(), summary.Failed())
	}

	for user, home := range map[string]string{"web1": home1, "web2": home2} {
		if got := env.shellOf(t, user); got != env.cfg.ConfinedShell {
			t.Errorf("%s shell = %q, want confined %q", user, got, env.cfg.ConfinedShell)
		}
		target := env.homeTarget(user, home)
		if !env.mounter.mounted[target] {
			t.Errorf("%s home not mounted at %s", user, target)
		}
		entry := home + " " + target + " none bind 0 0"
		if !strings.Contains(env.readFile(t, env.cfg.FstabPath), entry) {
			t.Errorf("fstab missing entry for %s", user)
		}
		rec, err := env.jailStore(user).Lookup(user)
		if err != nil {
			t.Fatalf("in-jail lookup %s: %v", user, err)
		}
		if rec.Home != home {
			t.Errorf("in-jail home = %q, want %q", rec.Home, home)
		}
		if rec.Shell != env.cfg.JailShell {
			t.Errorf("in-jail shell = %q, want %q", rec.Shell, env.cfg.JailShell)
		}
	}

	summary, err = env.mgr.Run(ctx, jail.OpDiagnose, []string{"web1", "web2"})
	if err != nil {
		t.Fatalf("diagnose run: %v", err)
	}
	for _, outcome := range summary.Outcomes {
		if outcome.State != jail.StateJailed {
			t.Errorf("diagnose %s = %s, want %s", outcome.User, outcome.State, jail.StateJailed)
		}
	}

	summary, err = env.mgr.Run(ctx, jail.OpRelease, []string{"web1", "web2"})
	if err != nil {
		t.Fatalf("unjail run: %v", err)
	}
	if summary.Succeeded() != 2 {
		t.Fatalf("unjail summary: %d succeeded, %d failed", summary.Succeeded(), summary.Failed())
	}

	for user, home := range map[string]string{"web1": home1, "web2": home2} {
		if got := env.shellOf(t, user); got != env.cfg.NormalShell {
			t.Errorf("%s shell after unjail = %q, want %q", user, got, env.cfg.NormalShell)
		}
		if env.mounter.mounted[env.homeTarget(user, home)] {
			t.Errorf("%s home still mounted after unjail", user)
		}
		if _, err := os.Stat(home); err != nil {
			t.Errorf("%s home lost after unjail: %v", user, err)
		}
	}
	if strings.Contains(env.readFile(t, env.cfg.FstabPath), " none bind ") {
		t.Error("fstab still carries bind entries after unjail")
	}

	entries, err := jail.ReadAuditLog(env.cfg.AuditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if len(entries) != 6 {
		t.Fatalf("audit entries = %d, want 6", len(entries))
	}
	if entries[0].Op != "jail" || entries[0].State != "jailed" {
		t.Errorf("first audit entry = %s/%s, want jail/jailed", entries[0].Op, entries[0].State)
	}
	if entries[5].Op != "unjail" || entries[5].State != "unjailed" {
		t.Errorf("last audit entry = %s/%s, want unjail/unjailed", entries[5].Op, entries[5].State)
	}
}

// TestDiscoverThenJailAll tests the discovery path: site users come out of
// a CloudPanel database and go straight into the jail run.
func TestDiscoverThenJailAll(t *testing.T) {
	requireRoot(t)
	env := newEnv(t)
	env.addSiteAccount(t, "shop", 1001)
	env.addSiteAccount(t, "blog", 1002)
	env.createSiteDatabase(t, "shop", "blog", "shop")
	ctx := context.Background()

	users, err := discovery.SiteUsers(ctx, env.cfg.DatabasePath)
	if err != nil {
		t.Fatalf("discover site users: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("discovered %d users, want 2: %v", len(users), users)
	}

	summary, err := env.mgr.Run(ctx, jail.OpProvision, users)
	if err != nil {
		t.Fatalf("jail run: %v", err)
	}
	if summary.Failed() != 0 {
		t.Fatalf("jail summary: %d failed", summary.Failed())
	}
	for _, user := range users {
		if got := env.shellOf(t, user); got != env.cfg.ConfinedShell {
			t.Errorf("%s shell = %q, want confined", user, got)
		}
	}
}

// TestRepairRestoresTamperedJail tests convergence: a jailed user whose
// in-jail identity file disappears is diagnosed broken and repaired back.
func TestRepairRestoresTamperedJail(t *testing.T) {
	requireRoot(t)
	env := newEnv(t)
	env.addSiteAccount(t, "web1", 1001)
	ctx := context.Background()

	if _, err := env.mgr.Run(ctx, jail.OpProvision, []string{"web1"}); err != nil {
		t.Fatalf("jail run: %v", err)
	}

	jailPasswd := filepath.Join(env.cfg.JailRoot, "web1", "etc", "passwd")
	if err := os.Remove(jailPasswd); err != nil {
		t.Fatalf("remove in-jail passwd: %v", err)
	}

	summary, err := env.mgr.Run(ctx, jail.OpDiagnose, []string{"web1"})
	if err != nil {
		t.Fatalf("diagnose run: %v", err)
	}
	if summary.Outcomes[0].State != jail.StateBroken {
		t.Fatalf("state after tamper = %s, want %s", summary.Outcomes[0].State, jail.StateBroken)
	}

	summary, err = env.mgr.Run(ctx, jail.OpRepair, []string{"web1"})
	if err != nil {
		t.Fatalf("repair run: %v", err)
	}
	if summary.Outcomes[0].Err != nil {
		t.Fatalf("repair outcome: %v", summary.Outcomes[0].Err)
	}
	if summary.Outcomes[0].State != jail.StateJailed {
		t.Fatalf("state after repair = %s, want %s", summary.Outcomes[0].State, jail.StateJailed)
	}
	if _, err := os.Stat(jailPasswd); err != nil {
		t.Errorf("in-jail passwd not restored: %v", err)
	}
}

// ── Helpers ─────────────────────────────────────────────────────────────────

// requireRoot skips when the suite runs unprivileged; the manager refuses
// mutating operations for any other user.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("integration suite needs root")
	}
}

// fakeRunner accepts every tool invocation without executing anything.
type fakeRunner struct {
	calls [][]string
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) error {
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	return "/usr/sbin/" + name, nil
}

// fakeMounter tracks bind mounts in memory.
type fakeMounter struct {
	mounted map[string]bool
}

func (f *fakeMounter) Mount(source, target string) error {
	// mount(2) refuses a nonexistent source; so does the fake.
	if _, err := os.Stat(source); err != nil {
		return fmt.Errorf("bind %s on %s: %w", source, target, fs.ErrNotExist)
	}
	f.mounted[target] = true
	return nil
}

func (f *fakeMounter) Unmount(target string) error {
	delete(f.mounted, target)
	return nil
}

func (f *fakeMounter) Mounted(target string) (bool, error) {
	return f.mounted[target], nil
}

// fakeDevices drops marker files where device nodes would go.
type fakeDevices struct{}

func (fakeDevices) MakeChar(path string, major, minor uint32, perm os.FileMode) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("char %d:%d\n", major, minor)), perm)
}

// env wires a manager from a generated config file over a throwaway
// directory tree, with fake seams for everything that would touch the
// host.
type env struct {
	tempDir string
	cfg     config.Config
	mgr     *jail.Manager
	runner  *fakeRunner
	mounter *fakeMounter
}

func newEnv(t *testing.T) *env {
	t.Helper()
	tempDir := t.TempDir()

	confinedShell := filepath.Join(tempDir, "host", "jk_chrootsh")
	jailShell := filepath.Join(tempDir, "host", "bash")
	for _, shell := range []string{confinedShell, jailShell} {
		if err := os.MkdirAll(filepath.Dir(shell), 0755); err != nil {
			t.Fatalf("create host shell dir: %v", err)
		}
		if err := os.WriteFile(shell, []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatalf("create host shell: %v", err)
		}
	}

	etcDir := filepath.Join(tempDir, "etc")
	if err := os.MkdirAll(etcDir, 0755); err != nil {
		t.Fatalf("create etc dir: %v", err)
	}
	writeFile(t, filepath.Join(etcDir, "passwd"),
		"root:x:0:0:root:/root:/bin/bash\n"+
			"nobody:x:65534:65534:nobody:/nonexistent:/usr/sbin/nologin\n")
	writeFile(t, filepath.Join(etcDir, "group"),
		"root:x:0:\n"+
			"nogroup:x:65534:\n")

	configPath := filepath.Join(tempDir, "config.yaml")
	writeFile(t, configPath, fmt.Sprintf(
		"jail_root: %s\n"+
			"database_path: %s\n"+
			"passwd_path: %s\n"+
			"group_path: %s\n"+
			"fstab_path: %s\n"+
			"normal_shell: /bin/sh\n"+
			"confined_shell: %s\n"+
			"jail_shell: %s\n"+
			"state_path: %s\n"+
			"audit_path: %s\n",
		filepath.Join(tempDir, "jail"),
		filepath.Join(tempDir, "db.sq3"),
		filepath.Join(etcDir, "passwd"),
		filepath.Join(etcDir, "group"),
		filepath.Join(etcDir, "fstab"),
		confinedShell,
		jailShell,
		filepath.Join(tempDir, "state.json"),
		filepath.Join(tempDir, "audit.log")))

	cfg, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	e := &env{
		tempDir: tempDir,
		cfg:     cfg,
		runner:  &fakeRunner{},
		mounter: &fakeMounter{mounted: make(map[string]bool)},
	}

	jcfg := cfg.JailConfig()
	jcfg.Runner = e.runner
	jcfg.Mounter = e.mounter
	jcfg.Devices = fakeDevices{}
	jcfg.Logger = log.New(io.Discard, "[test-jailer] ", log.LstdFlags)

	mgr, err := jail.NewManager(jcfg)
	if err != nil {
		t.Fatalf("create manager: %v", err)
	}
	t.Cleanup(func() { mgr.Close() })
	e.mgr = mgr
	return e
}

// addSiteAccount seeds one site account with a home directory and returns
// the home path.
func (e *env) addSiteAccount(t *testing.T, name string, uid int) string {
	t.Helper()
	home := filepath.Join(e.tempDir, "home", name)
	if err := os.MkdirAll(home, 0755); err != nil {
		t.Fatalf("create home for %s: %v", name, err)
	}
	appendFile(t, e.cfg.PasswdPath,
		fmt.Sprintf("%s:x:%d:%d:%s:%s:%s\n", name, uid, uid, name, home, e.cfg.NormalShell))
	appendFile(t, e.cfg.GroupPath, fmt.Sprintf("%s:x:%d:\n", name, uid))
	return home
}

// createSiteDatabase builds a CloudPanel-shaped site table with one row
// per given user.
func (e *env) createSiteDatabase(t *testing.T, users ...string) {
	t.Helper()
	db, err := sql.Open("sqlite3", e.cfg.DatabasePath)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	defer db.Close()

	schema := `CREATE TABLE site (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		domain_name TEXT NOT NULL,
		user TEXT
	)`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create site table: %v", err)
	}
	for i, user := range users {
		domain := fmt.Sprintf("site%d.example.com", i+1)
		if _, err := db.Exec("INSERT INTO site (domain_name, user) VALUES (?, ?)", domain, user); err != nil {
			t.Fatalf("insert site row: %v", err)
		}
	}
}

// homeTarget is where the account's home lands inside its jail.
func (e *env) homeTarget(name, home string) string {
	return filepath.Join(e.cfg.JailRoot, name, home)
}

// shellOf reads the account's current shell from the passwd fixture.
func (e *env) shellOf(t *testing.T, name string) string {
	t.Helper()
	store := identity.NewStore(e.cfg.PasswdPath, e.cfg.GroupPath)
	rec, err := store.Lookup(name)
	if err != nil {
		t.Fatalf("lookup %s: %v", name, err)
	}
	return rec.Shell
}

// jailStore opens the identity store inside the account's jail.
func (e *env) jailStore(name string) *identity.Store {
	root := filepath.Join(e.cfg.JailRoot, name)
	return identity.NewStore(
		filepath.Join(root, "etc", "passwd"),
		filepath.Join(root, "etc", "group"),
	)
}

func (e *env) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, text string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	if _, err := f.WriteString(text); err != nil {
		t.Fatalf("append %s: %v", path, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close %s: %v", path, err)
	}
}
