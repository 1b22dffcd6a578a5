package jail

import (
	"context"
	"fmt"
	"time"
)

// Run executes op for each username in order and returns the per-user
// summary. Mutating operations require root. A base template failure is
// fatal before any user is touched; per-user failures are recorded in
// the summary and the run continues with the next user.
func (m *Manager) Run(ctx context.Context, op Op, usernames []string) (*Summary, error) {
	switch op {
	case OpProvision, OpRelease, OpRepair:
		if uid := m.euid(); uid != 0 {
			return nil, fmt.Errorf("%w: %s requires root, running as uid %d", ErrPrivilege, op, uid)
		}
	case OpDiagnose:
	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	if op == OpProvision {
		if err := m.EnsureBase(ctx); err != nil {
			return nil, fmt.Errorf("prepare base jail: %w", err)
		}
	}

	summary := &Summary{}
	for _, username := range usernames {
		select {
		case <-ctx.Done():
			return summary, ctx.Err()
		default:
		}

		started := time.Now()
		var (
			state State
			err   error
		)
		switch op {
		case OpProvision:
			if err = m.Provision(ctx, username); err == nil {
				state = StateJailed
			}
		case OpRelease:
			if err = m.Release(username); err == nil {
				state = StateUnjailed
			}
		case OpRepair:
			state, err = m.Repair(ctx, username)
		case OpDiagnose:
			var diag *Diagnosis
			diag, err = m.Diagnose(username)
			if diag != nil {
				state = diag.State
			}
		}
		if err != nil {
			m.logger.Printf("%s %s failed: %v", op, username, err)
		}
		summary.add(Outcome{User: username, Op: op, State: state, Err: err})
		m.auditOutcome(op, username, state, err, time.Since(started))
	}
	return summary, nil
}

func (m *Manager) auditOutcome(op Op, username string, state State, err error, elapsed time.Duration) {
	entry := AuditEntry{
		Op:       string(op),
		User:     username,
		State:    string(state),
		Duration: float64(elapsed.Microseconds()) / 1000.0,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	if logErr := m.audit.Log(entry); logErr != nil {
		m.logger.Printf("warning: audit write failed: %v", logErr)
	}
}
