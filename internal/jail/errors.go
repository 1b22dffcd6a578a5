package jail

import "errors"

// Error kinds, matchable with errors.Is. Operations wrap these with
// context so a caller can both read what happened and classify it.
var (
	// ErrPrivilege means the process lacks root and nothing was mutated.
	ErrPrivilege = errors.New("root privileges required")

	// ErrDependencyMissing means a required external tool or binary is
	// absent. Fatal when the dependency is required (the confined shell);
	// optional tools degrade with a warning instead.
	ErrDependencyMissing = errors.New("required dependency missing")

	// ErrValidation means the username was rejected before any mutation.
	ErrValidation = errors.New("invalid username")

	// ErrMount means a bind mount or unmount failed; the affected user is
	// aborted and their shell reverted.
	ErrMount = errors.New("mount operation failed")

	// ErrIdentityWrite means an account database update failed.
	ErrIdentityWrite = errors.New("identity update failed")

	// ErrIntegrity means a jail tree is missing required paths after an
	// attempted repair.
	ErrIntegrity = errors.New("jail integrity check failed")
)
