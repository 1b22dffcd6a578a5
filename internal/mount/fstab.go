package mount

import (
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/atomicwriter"
)

// Table manages bind entries in an fstab-format mount table. Entries this
// tool writes look like:
//
//	/home/alice /home/jail/alice/home/alice none bind 0 0
//
// Matching compares whole fields, never substrings, so /home/al can never
// shadow /home/alice. Removal touches only bind entries and rewrites the
// file atomically, preserving every other line (comments included)
// verbatim.
type Table struct {
	Path string
}

// NewTable returns a table over the given fstab-format file.
func NewTable(path string) *Table {
	return &Table{Path: path}
}

// Has reports whether an entry with exactly this source and destination
// exists. A missing file holds no entries.
func (t *Table) Has(src, dst string) (bool, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("read %s: %w", t.Path, err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		f := strings.Fields(line)
		if len(f) >= 2 && f[0] == src && f[1] == dst {
			return true, nil
		}
	}
	return false, nil
}

// Append adds a bind entry unless an identical source/destination pair is
// already present.
func (t *Table) Append(src, dst string) error {
	present, err := t.Has(src, dst)
	if err != nil {
		return err
	}
	if present {
		return nil
	}
	f, err := os.OpenFile(t.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.Path, err)
	}
	if _, err := fmt.Fprintf(f, "%s %s none bind 0 0\n", src, dst); err != nil {
		f.Close()
		return fmt.Errorf("append to %s: %w", t.Path, err)
	}
	return f.Close()
}

// RemoveTarget deletes bind entries whose destination field equals dst
// and reports how many were removed. Only entries with fstype none and
// option bind are candidates; everything else is preserved verbatim.
func (t *Table) RemoveTarget(dst string) (int, error) {
	data, err := os.ReadFile(t.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read %s: %w", t.Path, err)
	}
	lines := strings.Split(string(data), "\n")
	kept := make([]string, 0, len(lines))
	removed := 0
	for _, line := range lines {
		f := strings.Fields(line)
		if len(f) >= 4 && f[1] == dst && f[2] == "none" && f[3] == "bind" {
			removed++
			continue
		}
		kept = append(kept, line)
	}
	if removed == 0 {
		return 0, nil
	}
	if err := atomicwriter.WriteFile(t.Path, []byte(strings.Join(kept, "\n")), 0644); err != nil {
		return 0, fmt.Errorf("rewrite %s: %w", t.Path, err)
	}
	return removed, nil
}
