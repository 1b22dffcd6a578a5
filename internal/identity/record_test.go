package identity

import (
	"strings"
	"testing"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name      string
		username  string
		wantError bool
	}{
		{"plain lowercase", "alice", false},
		{"underscore start", "_svc", false},
		{"single letter", "a", false},
		{"digits and hyphen", "web-01", false},
		{"empty", "", true},
		{"uppercase", "Alice", true},
		{"leading digit", "9lives", true},
		{"shell metacharacter", "bad;name", true},
		{"embedded space", "a b", true},
		{"path traversal", "../etc", true},
		{"leading dot", ".base", true},
		{"too long", strings.Repeat("a", 33), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			if (err != nil) != tt.wantError {
				t.Errorf("ValidateUsername(%q) error = %v, wantError %v", tt.username, err, tt.wantError)
			}
		})
	}
}

func TestParseRecord(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      Record
		wantError bool
	}{
		{
			name: "full record",
			line: "alice:x:1001:1001:Alice Example:/home/alice:/bin/bash",
			want: Record{
				Name:     "alice",
				Password: "x",
				UID:      1001,
				GID:      1001,
				Gecos:    "Alice Example",
				Home:     "/home/alice",
				Shell:    "/bin/bash",
			},
		},
		{
			name: "empty gecos and shell kept positionally",
			line: "nobody:x:65534:65534::/nonexistent:",
			want: Record{
				Name:     "nobody",
				Password: "x",
				UID:      65534,
				GID:      65534,
				Home:     "/nonexistent",
			},
		},
		{name: "too few fields", line: "alice:x:1001", wantError: true},
		{name: "too many fields", line: "a:x:1:1:g:/h:/s:extra", wantError: true},
		{name: "non-numeric uid", line: "alice:x:abc:1001::/home/alice:/bin/bash", wantError: true},
		{name: "non-numeric gid", line: "alice:x:1001:xyz::/home/alice:/bin/bash", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRecord(tt.line)
			if (err != nil) != tt.wantError {
				t.Fatalf("ParseRecord(%q) error = %v, wantError %v", tt.line, err, tt.wantError)
			}
			if err != nil {
				return
			}
			if got != tt.want {
				t.Errorf("ParseRecord(%q) = %+v, want %+v", tt.line, got, tt.want)
			}
			// Serialization must restore the exact line.
			if got.String() != tt.line {
				t.Errorf("String() = %q, want %q", got.String(), tt.line)
			}
		})
	}
}

func TestParseGroup(t *testing.T) {
	tests := []struct {
		name        string
		line        string
		wantName    string
		wantGID     int
		wantMembers int
		wantError   bool
	}{
		{name: "with members", line: "www-data:x:33:alice,bob", wantName: "www-data", wantGID: 33, wantMembers: 2},
		{name: "no members", line: "alice:x:1001:", wantName: "alice", wantGID: 1001, wantMembers: 0},
		{name: "too few fields", line: "alice:x:1001", wantError: true},
		{name: "non-numeric gid", line: "alice:x:abc:", wantError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGroup(tt.line)
			if (err != nil) != tt.wantError {
				t.Fatalf("ParseGroup(%q) error = %v, wantError %v", tt.line, err, tt.wantError)
			}
			if err != nil {
				return
			}
			if got.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", got.Name, tt.wantName)
			}
			if got.GID != tt.wantGID {
				t.Errorf("GID = %d, want %d", got.GID, tt.wantGID)
			}
			if len(got.Members) != tt.wantMembers {
				t.Errorf("got %d members, want %d", len(got.Members), tt.wantMembers)
			}
			if got.String() != tt.line {
				t.Errorf("String() = %q, want %q", got.String(), tt.line)
			}
		})
	}
}
