// Command sitejailer converts CloudPanel site users into chroot-jailed
// accounts and back. Users come from the command line or from the
// CloudPanel database; every operation is idempotent and safe to re-run.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rick001/cloudpanel-site-jailer/internal/config"
	"github.com/rick001/cloudpanel-site-jailer/internal/discovery"
	"github.com/rick001/cloudpanel-site-jailer/internal/jail"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", config.DefaultPath, "Path to the configuration file")
	auditPath := flag.String("audit", "", "Audit log path (overrides the config file)")
	yes := flag.Bool("yes", false, "Skip the confirmation prompt")
	all := flag.Bool("all", false, "Run against every site user in the CloudPanel database")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "sitejailer v%s - CloudPanel site user jailer\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: sitejailer [options] <command> [user...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  jail [user...]      Convert users to chroot-jailed accounts\n")
		fmt.Fprintf(os.Stderr, "  unjail <user...>    Convert jailed users back to normal accounts\n")
		fmt.Fprintf(os.Stderr, "  repair <user...>    Converge broken users to a consistent state\n")
		fmt.Fprintf(os.Stderr, "  diagnose <user...>  Report confinement health, changing nothing\n")
		fmt.Fprintf(os.Stderr, "  users               List site users from the CloudPanel database\n")
		fmt.Fprintf(os.Stderr, "  audit               Show recorded operation outcomes (-n N)\n")
		fmt.Fprintf(os.Stderr, "  version             Print the version\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("load config: %v", err)
	}
	if *auditPath != "" {
		cfg.AuditPath = *auditPath
	}

	command := flag.Arg(0)
	switch command {
	case "version":
		fmt.Printf("sitejailer v%s\n", version)
	case "users":
		if err := listUsers(cfg); err != nil {
			fatal("users: %v", err)
		}
	case "audit":
		if err := showAudit(cfg, flag.Args()[1:]); err != nil {
			fatal("audit: %v", err)
		}
	case "jail", "unjail", "repair", "diagnose":
		if err := runLifecycle(cfg, command, flag.Args()[1:], *all, *yes); err != nil {
			fatal("%s: %v", command, err)
		}
	default:
		fatal("unknown command: %s", command)
	}
}

func runLifecycle(cfg config.Config, command string, users []string, all, yes bool) error {
	ops := map[string]jail.Op{
		"jail":     jail.OpProvision,
		"unjail":   jail.OpRelease,
		"repair":   jail.OpRepair,
		"diagnose": jail.OpDiagnose,
	}
	op := ops[command]
	ctx := context.Background()

	if all {
		discovered, err := discovery.SiteUsers(ctx, cfg.DatabasePath)
		if err != nil {
			return fmt.Errorf("discover site users: %w", err)
		}
		users = discovered
	}
	if len(users) == 0 {
		return fmt.Errorf("no users given (pass usernames or -all)")
	}

	if op != jail.OpDiagnose && !yes {
		if !confirm(fmt.Sprintf("%s %s", command, strings.Join(users, " "))) {
			fmt.Println("aborted")
			return nil
		}
	}

	logger := log.New(os.Stdout, "[sitejailer] ", log.LstdFlags|log.Lmsgprefix)
	jcfg := cfg.JailConfig()
	jcfg.Logger = logger
	mgr, err := jail.NewManager(jcfg)
	if err != nil {
		return err
	}
	defer mgr.Close()
	defer mgr.Binder().ReleaseTransient()

	// An interrupt must not leave half-claimed mounts behind.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("received signal %v, releasing transient mounts", sig)
		mgr.Binder().ReleaseTransient()
		mgr.Close()
		os.Exit(1)
	}()

	summary, err := mgr.Run(ctx, op, users)
	if err != nil {
		return err
	}

	// A single-user diagnosis prints the full report instead of the
	// summary table; the outcome itself is still audited through Run.
	if op == jail.OpDiagnose && len(users) == 1 && summary.Failed() == 0 {
		d, err := mgr.Diagnose(users[0])
		if err != nil {
			return err
		}
		printDiagnosis(d)
		return nil
	}

	printSummary(summary)
	return nil
}

func printSummary(summary *jail.Summary) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USER\tOPERATION\tSTATE\tRESULT")
	for _, o := range summary.Outcomes {
		result := "ok"
		if o.Err != nil {
			result = o.Err.Error()
		}
		state := string(o.State)
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", o.User, o.Op, state, result)
	}
	w.Flush()
	fmt.Printf("%d succeeded, %d failed\n", summary.Succeeded(), summary.Failed())
}

func printDiagnosis(d *jail.Diagnosis) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "User:\t%s\n", d.Username)
	fmt.Fprintf(w, "State:\t%s\n", d.State)
	fmt.Fprintf(w, "Account present:\t%v\n", d.AccountPresent)
	if d.AccountPresent {
		fmt.Fprintf(w, "Shell:\t%s (confined: %v)\n", d.Shell, d.ShellConfined)
		fmt.Fprintf(w, "Home:\t%s (exists: %v)\n", d.Home, d.HomeExists)
		if d.HomeArtifact {
			fmt.Fprintf(w, "Home artifact:\tyes\n")
		}
	}
	if d.JailRootOwner != "" {
		fmt.Fprintf(w, "Jail root:\t%s mode %o\n", d.JailRootOwner, d.JailRootMode)
	}
	fmt.Fprintf(w, "Jail:\t%s (present: %v)\n", d.JailPath, d.JailPresent)
	if d.JailPresent {
		fmt.Fprintf(w, "Jail owner:\t%s mode %o\n", d.JailOwner, d.JailMode)
		if len(d.MissingPaths) > 0 {
			fmt.Fprintf(w, "Missing paths:\t%s\n", strings.Join(d.MissingPaths, ", "))
		}
		fmt.Fprintf(w, "Confined shell in jail:\t%v\n", d.ConfinedShellInJail)
		fmt.Fprintf(w, "Jail shell in jail:\t%v\n", d.JailShellInJail)
		if d.InJailRecord != "" {
			fmt.Fprintf(w, "In-jail record:\t%s\n", d.InJailRecord)
		}
	}
	fmt.Fprintf(w, "Home mount active:\t%v\n", d.MountActive)
	fmt.Fprintf(w, "Mount table entry:\t%v\n", d.TableEntry)
	fmt.Fprintf(w, "Confined shell installed:\t%v\n", d.ConfinedShellInstalled)

	present := make([]string, 0, len(d.Tooling))
	missing := make([]string, 0, len(d.Tooling))
	for tool, ok := range d.Tooling {
		if ok {
			present = append(present, tool)
		} else {
			missing = append(missing, tool)
		}
	}
	sort.Strings(present)
	sort.Strings(missing)
	fmt.Fprintf(w, "Tooling on PATH:\t%s\n", strings.Join(present, ", "))
	if len(missing) > 0 {
		fmt.Fprintf(w, "Tooling missing:\t%s\n", strings.Join(missing, ", "))
	}
	w.Flush()
}

func listUsers(cfg config.Config) error {
	users, err := discovery.SiteUsers(context.Background(), cfg.DatabasePath)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		fmt.Println("No site users found")
		return nil
	}
	for _, user := range users {
		fmt.Println(user)
	}
	return nil
}

func showAudit(cfg config.Config, args []string) error {
	auditFlags := flag.NewFlagSet("audit", flag.ExitOnError)
	n := auditFlags.Int("n", 20, "Show the last N entries")
	auditFlags.Parse(args)

	entries, err := jail.ReadAuditLog(cfg.AuditPath)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No audit entries")
		return nil
	}
	if *n > 0 && len(entries) > *n {
		entries = entries[len(entries)-*n:]
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tOPERATION\tUSER\tSTATE\tDURATION\tERROR")
	for _, entry := range entries {
		timestamp := entry.Timestamp
		if ts, err := time.Parse(time.RFC3339, timestamp); err == nil {
			timestamp = ts.Format("2006-01-02 15:04:05")
		}
		duration := ""
		if entry.Duration > 0 {
			duration = fmt.Sprintf("%.0fms", entry.Duration)
		}
		state := entry.State
		if state == "" {
			state = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			timestamp, entry.Op, entry.User, state, duration, entry.Error)
	}
	w.Flush()
	return nil
}

func confirm(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}
