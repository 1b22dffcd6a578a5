// Package identity reads and rewrites colon-delimited account databases
// (passwd and group files). The same store type serves the system-wide
// files and the trimmed copies inside a jail; rewrites always go through
// typed records so untouched fields keep their exact position and value.
package identity

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// usernamePattern matches portable login names: lowercase letter or
// underscore first, then lowercase alphanumerics, underscore or hyphen.
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)

// maxUsernameLen mirrors the kernel's 32-byte login name limit.
const maxUsernameLen = 32

// ValidateUsername rejects names that could escape the jail root or
// confuse downstream tools. It must pass before any filesystem mutation.
func ValidateUsername(name string) error {
	if name == "" {
		return fmt.Errorf("username is empty")
	}
	if len(name) > maxUsernameLen {
		return fmt.Errorf("username %q is longer than %d bytes", name, maxUsernameLen)
	}
	if !usernamePattern.MatchString(name) {
		return fmt.Errorf("username %q must match %s", name, usernamePattern)
	}
	return nil
}

// Record is a single passwd entry. Fields map positionally onto the
// colon-delimited line.
type Record struct {
	Name     string
	Password string
	UID      int
	GID      int
	Gecos    string
	Home     string
	Shell    string
}

// ParseRecord parses one passwd line into a Record.
func ParseRecord(line string) (Record, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 7 {
		return Record{}, fmt.Errorf("expected 7 fields, got %d", len(fields))
	}
	uid, err := strconv.Atoi(fields[2])
	if err != nil {
		return Record{}, fmt.Errorf("uid %q is not numeric", fields[2])
	}
	gid, err := strconv.Atoi(fields[3])
	if err != nil {
		return Record{}, fmt.Errorf("gid %q is not numeric", fields[3])
	}
	return Record{
		Name:     fields[0],
		Password: fields[1],
		UID:      uid,
		GID:      gid,
		Gecos:    fields[4],
		Home:     fields[5],
		Shell:    fields[6],
	}, nil
}

// String serializes the record back into line form.
func (r Record) String() string {
	return strings.Join([]string{
		r.Name,
		r.Password,
		strconv.Itoa(r.UID),
		strconv.Itoa(r.GID),
		r.Gecos,
		r.Home,
		r.Shell,
	}, ":")
}

// Group is a single group entry (name:password:gid:members).
type Group struct {
	Name     string
	Password string
	GID      int
	Members  []string
}

// ParseGroup parses one group line into a Group.
func ParseGroup(line string) (Group, error) {
	fields := strings.Split(line, ":")
	if len(fields) != 4 {
		return Group{}, fmt.Errorf("expected 4 fields, got %d", len(fields))
	}
	gid, err := strconv.Atoi(fields[2])
	if err != nil {
		return Group{}, fmt.Errorf("gid %q is not numeric", fields[2])
	}
	var members []string
	for _, m := range strings.Split(fields[3], ",") {
		if m != "" {
			members = append(members, m)
		}
	}
	return Group{
		Name:     fields[0],
		Password: fields[1],
		GID:      gid,
		Members:  members,
	}, nil
}

// String serializes the group back into line form.
func (g Group) String() string {
	return strings.Join([]string{
		g.Name,
		g.Password,
		strconv.Itoa(g.GID),
		strings.Join(g.Members, ","),
	}, ":")
}
