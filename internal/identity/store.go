package identity

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

var (
	// ErrRecordNotFound reports a lookup for an account the store does not hold.
	ErrRecordNotFound = errors.New("account record not found")

	// ErrGroupNotFound reports a lookup for a group the store does not hold.
	ErrGroupNotFound = errors.New("group record not found")
)

// Store reads and rewrites one passwd/group file pair. A missing file
// reads as an empty store (jail-side copies start out absent); rewrites
// are atomic and refuse files that do not parse cleanly, so a bad line
// can never be silently dropped.
type Store struct {
	PasswdPath string
	GroupPath  string
}

// NewStore returns a store over the given file pair.
func NewStore(passwdPath, groupPath string) *Store {
	return &Store{PasswdPath: passwdPath, GroupPath: groupPath}
}

// Records returns every passwd entry in file order.
func (s *Store) Records() ([]Record, error) {
	lines, err := readLines(s.PasswdPath)
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(lines))
	for _, ln := range lines {
		rec, err := ParseRecord(ln.text)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", s.PasswdPath, ln.number, err)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// Groups returns every group entry in file order.
func (s *Store) Groups() ([]Group, error) {
	lines, err := readLines(s.GroupPath)
	if err != nil {
		return nil, err
	}
	groups := make([]Group, 0, len(lines))
	for _, ln := range lines {
		g, err := ParseGroup(ln.text)
		if err != nil {
			return nil, fmt.Errorf("%s line %d: %w", s.GroupPath, ln.number, err)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Lookup returns the record for name.
func (s *Store) Lookup(name string) (Record, error) {
	recs, err := s.Records()
	if err != nil {
		return Record{}, err
	}
	for _, r := range recs {
		if r.Name == name {
			return r, nil
		}
	}
	return Record{}, fmt.Errorf("%w: %q in %s", ErrRecordNotFound, name, s.PasswdPath)
}

// LookupGroupByGID returns the group with the given numeric ID.
func (s *Store) LookupGroupByGID(gid int) (Group, error) {
	groups, err := s.Groups()
	if err != nil {
		return Group{}, err
	}
	for _, g := range groups {
		if g.GID == gid {
			return g, nil
		}
	}
	return Group{}, fmt.Errorf("%w: gid %d in %s", ErrGroupNotFound, gid, s.GroupPath)
}

// WriteRecords replaces the passwd file with exactly recs.
func (s *Store) WriteRecords(recs []Record) error {
	var b strings.Builder
	for _, r := range recs {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	if err := atomicwriter.WriteFile(s.PasswdPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.PasswdPath, err)
	}
	return nil
}

// WriteGroups replaces the group file with exactly groups.
func (s *Store) WriteGroups(groups []Group) error {
	var b strings.Builder
	for _, g := range groups {
		b.WriteString(g.String())
		b.WriteByte('\n')
	}
	if err := atomicwriter.WriteFile(s.GroupPath, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("write %s: %w", s.GroupPath, err)
	}
	return nil
}

// EnsureRecord makes rec the single entry under its name. Duplicates left
// by a partial run are dropped; an identical existing entry is kept
// without rewriting the file.
func (s *Store) EnsureRecord(rec Record) error {
	recs, err := s.Records()
	if err != nil {
		return err
	}
	kept := make([]Record, 0, len(recs)+1)
	matches := 0
	identical := false
	for _, r := range recs {
		if r.Name == rec.Name {
			matches++
			if r == rec {
				identical = true
			}
			continue
		}
		kept = append(kept, r)
	}
	if matches == 1 && identical {
		return nil
	}
	kept = append(kept, rec)
	return s.WriteRecords(kept)
}

// EnsureGroup mirrors EnsureRecord for the group file.
func (s *Store) EnsureGroup(group Group) error {
	groups, err := s.Groups()
	if err != nil {
		return err
	}
	kept := make([]Group, 0, len(groups)+1)
	matches := 0
	identical := false
	for _, g := range groups {
		if g.Name == group.Name {
			matches++
			if g.String() == group.String() {
				identical = true
			}
			continue
		}
		kept = append(kept, g)
	}
	if matches == 1 && identical {
		return nil
	}
	kept = append(kept, group)
	return s.WriteGroups(kept)
}

// SetShell rewrites only the shell field of the named record and returns
// the previous value. All other fields and records are re-serialized
// unchanged; setting the shell an account already has writes nothing.
func (s *Store) SetShell(name, shell string) (string, error) {
	recs, err := s.Records()
	if err != nil {
		return "", err
	}
	for i := range recs {
		if recs[i].Name != name {
			continue
		}
		prev := recs[i].Shell
		if prev == shell {
			return prev, nil
		}
		recs[i].Shell = shell
		return prev, s.WriteRecords(recs)
	}
	return "", fmt.Errorf("%w: %q in %s", ErrRecordNotFound, name, s.PasswdPath)
}

// SetHome rewrites only the home-directory field of the named record and
// returns the previous value.
func (s *Store) SetHome(name, home string) (string, error) {
	recs, err := s.Records()
	if err != nil {
		return "", err
	}
	for i := range recs {
		if recs[i].Name != name {
			continue
		}
		prev := recs[i].Home
		if prev == home {
			return prev, nil
		}
		recs[i].Home = home
		return prev, s.WriteRecords(recs)
	}
	return "", fmt.Errorf("%w: %q in %s", ErrRecordNotFound, name, s.PasswdPath)
}

// numberedLine keeps the source line number for parse errors.
type numberedLine struct {
	number int
	text   string
}

// readLines returns the non-empty lines of path. A missing file reads as
// empty.
func readLines(path string) ([]numberedLine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var lines []numberedLine
	for i, text := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(text) == "" {
			continue
		}
		lines = append(lines, numberedLine{number: i + 1, text: text})
	}
	return lines, nil
}
