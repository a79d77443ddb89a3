package buildroot

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Mounter performs bind mounts.
type Mounter interface {
	BindMount(source, target string) error
	Unmount(target string) error
}

// MountTable reads the live mount points in mount table order.
type MountTable interface {
	Mountpoints() ([]string, error)
}

// Runner executes external commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// Host bundles the system facilities a Root uses.
type Host struct {
	Mounter Mounter
	Table   MountTable
	Runner  Runner
}

// SystemHost returns the real implementations. Commands write their
// output to stderr.
func SystemHost(logger *slog.Logger) Host {
	return Host{
		Mounter: unixMounter{},
		Table:   procMountTable{path: "/proc/self/mountinfo"},
		Runner:  &ExecRunner{Stdout: os.Stderr, Stderr: os.Stderr, Logger: logger},
	}
}

type unixMounter struct{}

func (unixMounter) BindMount(source, target string) error {
	if err := unix.Mount(source, target, "", unix.MS_BIND, ""); err != nil {
		return fmt.Errorf("bind mounting %s at %s: %w", source, target, err)
	}
	return nil
}

func (unixMounter) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("unmounting %s: %w", target, err)
	}
	return nil
}

type procMountTable struct {
	path string
}

func (t procMountTable) Mountpoints() ([]string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	defer f.Close()
	return parseMountinfo(f)
}

// parseMountinfo extracts the mount point (fifth field) of every line of
// a /proc/<pid>/mountinfo file.
func parseMountinfo(r io.Reader) ([]string, error) {
	var points []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		points = append(points, unescapeOctal(fields[4]))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading mount table: %w", err)
	}
	return points, nil
}

// unescapeOctal decodes the \NNN escapes the kernel uses for spaces,
// tabs, newlines and backslashes in mount paths.
func unescapeOctal(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// ExecRunner runs commands with os/exec. Env is added to the inherited
// environment.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Env    []string
	Logger *slog.Logger
}

func (r *ExecRunner) command(ctx context.Context, name string, args []string) *exec.Cmd {
	if r.Logger != nil {
		r.Logger.Info("running command", "cmd", name+" "+strings.Join(args, " "))
	}
	cmd := exec.CommandContext(ctx, name, args...)
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}
	cmd.Stderr = r.Stderr
	return cmd
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := r.command(ctx, name, args)
	cmd.Stdout = r.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("running %s: %w", name, err)
	}
	return nil
}

// Output runs the command and returns its standard output.
func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := r.command(ctx, name, args).Output()
	if err != nil {
		return nil, fmt.Errorf("running %s: %w", name, err)
	}
	return out, nil
}
