package jail

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"
)

// CommandRunner runs the external tools the lifecycle needs (the jail
// skeleton tool, the account tool). The default implementation shells
// out; tests substitute a recorder.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) error
	LookPath(name string) (string, error)
}

// execRunner is the CommandRunner backed by os/exec.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) error {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(out))
	if len(msg) > 300 {
		msg = msg[:300]
	}
	if msg != "" {
		return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
	}
	return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
}

func (execRunner) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// DeviceMaker creates character device nodes. The default uses mknod,
// which needs CAP_MKNOD; tests substitute a stub.
type DeviceMaker interface {
	MakeChar(path string, major, minor uint32, perm os.FileMode) error
}

// unixDeviceMaker is the DeviceMaker backed by mknod.
type unixDeviceMaker struct{}

func (unixDeviceMaker) MakeChar(path string, major, minor uint32, perm os.FileMode) error {
	mode := uint32(unix.S_IFCHR) | uint32(perm.Perm())
	if err := unix.Mknod(path, mode, int(unix.Mkdev(major, minor))); err != nil {
		return &os.PathError{Op: "mknod", Path: path, Err: err}
	}
	return nil
}
