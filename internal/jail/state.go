package jail

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// persistedState is the JSON structure saved under the jail root. It is
// a restoration hint (the shells accounts had before confinement), never
// the authority on whether a user is jailed; that is always derived from
// the system itself.
type persistedState struct {
	Version string               `json:"version"`
	Updated time.Time            `json:"updated"`
	Users   map[string]savedUser `json:"users"`
}

// savedUser remembers what provisioning observed before changing it.
type savedUser struct {
	Shell         string    `json:"shell"`
	ProvisionedAt time.Time `json:"provisioned_at"`
}

// runState is the in-memory view of the state file, loaded lazily.
type runState struct {
	path string

	mu     sync.Mutex
	users  map[string]savedUser
	loaded bool
}

func newRunState(path string) *runState {
	return &runState{path: path, users: make(map[string]savedUser)}
}

// loadLocked reads the state file once. A missing file is normal on
// first run.
func (s *runState) loadLocked() error {
	if s.loaded {
		return nil
	}
	s.loaded = true
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read state file: %w", err)
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal state: %w", err)
	}
	if state.Users != nil {
		s.users = state.Users
	}
	return nil
}

// saveLocked persists the current state atomically.
func (s *runState) saveLocked() error {
	state := persistedState{
		Version: "1.0",
		Updated: time.Now().UTC(),
		Users:   s.users,
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	if err := atomicwriter.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}

// rememberShell records the shell an account had before its first
// confinement. An existing entry keeps its original shell.
func (s *runState) rememberShell(username, shell string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	entry, ok := s.users[username]
	if !ok {
		entry.Shell = shell
	}
	entry.ProvisionedAt = time.Now().UTC()
	s.users[username] = entry
	return s.saveLocked()
}

// shellBefore returns the remembered shell for username, or fallback.
func (s *runState) shellBefore(username, fallback string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return fallback
	}
	if entry, ok := s.users[username]; ok && entry.Shell != "" {
		return entry.Shell
	}
	return fallback
}

// forget drops the remembered entry for username.
func (s *runState) forget(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.users[username]; !ok {
		return nil
	}
	delete(s.users, username)
	return s.saveLocked()
}
