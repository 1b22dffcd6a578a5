package jail

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rick001/cloudpanel-site-jailer/internal/identity"
)

// inspection carries the raw facts state derivation works from.
type inspection struct {
	record        *identity.Record
	shellConfined bool
	homeArtifact  bool
	jailPresent   bool
	integrityErr  error
	mounted       bool
	tableEntry    bool
}

// inspect gathers an account's confinement facts without mutating
// anything. An absent account leaves record nil. An evidence check that
// fails is logged and counts as absent.
func (m *Manager) inspect(username string) (*inspection, error) {
	insp := &inspection{}

	rec, err := m.store.Lookup(username)
	switch {
	case err == nil:
		insp.record = &rec
		insp.shellConfined = rec.Shell == m.confinedShell
		insp.homeArtifact = strings.Contains(rec.Home, "/./")
	case errors.Is(err, identity.ErrRecordNotFound):
	default:
		return nil, err
	}

	root := m.userJailPath(username)
	if fileExists(root) {
		insp.jailPresent = true
		insp.integrityErr = m.checkIntegrity(root)
	}

	if insp.record != nil {
		home := originalHome(insp.record.Home)
		target := m.homeMountTarget(username, home)
		mounted, err := m.binder.Mounted(target)
		if err != nil {
			m.logger.Printf("warning: mount check for %s: %v", username, err)
		}
		insp.mounted = mounted
		present, err := m.binder.HasEntry(home, target)
		if err != nil {
			m.logger.Printf("warning: mount table check for %s: %v", username, err)
		}
		insp.tableEntry = present
	}
	return insp, nil
}

// deriveState maps an inspection onto the canonical lifecycle state.
// State is always derived from the system, never read from a file.
func deriveState(insp *inspection) State {
	if insp.record == nil {
		return StateUnjailed
	}
	jailed := insp.shellConfined &&
		insp.jailPresent && insp.integrityErr == nil &&
		(insp.mounted || insp.tableEntry) &&
		!insp.homeArtifact
	unjailed := !insp.shellConfined &&
		!insp.mounted && !insp.tableEntry &&
		!insp.homeArtifact
	switch {
	case jailed:
		return StateJailed
	case unjailed:
		return StateUnjailed
	default:
		return StateBroken
	}
}

// Repair converges a broken account to whichever consistent state the
// evidence favors. An integrity-passing jail, a durable mount entry or a
// confined shell all count as evidence of a committed jail and repair
// re-provisions; with none of those the account is normalized back to
// unjailed. The jail tree is never deleted either way.
func (m *Manager) Repair(ctx context.Context, username string) (State, error) {
	if err := identity.ValidateUsername(username); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}
	insp, err := m.inspect(username)
	if err != nil {
		return "", err
	}
	if insp.record == nil {
		return "", fmt.Errorf("%w: %q in %s", identity.ErrRecordNotFound, username, m.store.PasswdPath)
	}

	state := deriveState(insp)
	if state != StateBroken {
		m.logger.Printf("%s already consistent (%s)", username, state)
		return state, nil
	}

	// Normalize the home field first; every path below keys off it.
	home := originalHome(insp.record.Home)
	if insp.homeArtifact {
		if _, err := m.store.SetHome(username, home); err != nil {
			return "", fmt.Errorf("%w: %v", ErrIdentityWrite, err)
		}
		m.logger.Printf("normalized home path for %s", username)
	}

	committed := (insp.jailPresent && insp.integrityErr == nil) ||
		insp.tableEntry || insp.shellConfined
	if committed {
		if err := m.Provision(ctx, username); err != nil {
			return "", err
		}
		m.logger.Printf("repaired %s to jailed", username)
		return StateJailed, nil
	}

	if err := m.binder.Unbind(m.homeMountTarget(username, home)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMount, err)
	}
	if _, err := m.store.SetShell(username, m.state.shellBefore(username, m.normalShell)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrIdentityWrite, err)
	}
	if err := m.state.forget(username); err != nil {
		m.logger.Printf("warning: clear saved shell for %s: %v", username, err)
	}
	m.logger.Printf("repaired %s to unjailed", username)
	return StateUnjailed, nil
}

// originalHome strips the legacy jail-relative marker, turning
// /home/jail/alice/./home/alice back into /home/alice.
func originalHome(home string) string {
	if i := strings.Index(home, "/./"); i >= 0 {
		return home[i+2:]
	}
	return home
}
