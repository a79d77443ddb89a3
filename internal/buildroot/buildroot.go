// Package buildroot manages the disposable debootstrap tree the
// documentation is generated in.
//
// A Root moves through Absent -> Created -> Mounted -> Built and is
// finally Cleaned. Every bind mount it makes is recorded, and whenever
// mounting or building fails the recorded mounts are released in reverse
// order before the error is returned. Clean does not rely on that record:
// it reads the live mount table until nothing under the root is left
// mounted.
//
// No two Roots may work on the same directory at once; callers serialize
// with a lock file.
package buildroot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/endlessm/helpcenter/internal/fsutil"
)

// State is a lifecycle stage.
type State int

const (
	Absent State = iota
	Created
	Mounted
	Built
	Cleaned
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Created:
		return "created"
	case Mounted:
		return "mounted"
	case Built:
		return "built"
	case Cleaned:
		return "cleaned"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

var (
	// ErrInvalidState is returned when an operation is called out of order.
	ErrInvalidState = errors.New("invalid build root state")
	// ErrMountsRemain is returned when Clean gives up on unmounting.
	ErrMountsRemain = errors.New("mounts remain under build root")
)

// DefaultFilesystems are bind mounted into the root for the build.
var DefaultFilesystems = []string{"/proc", "/sys", "/dev/pts"}

// DefaultMaxUnmounts bounds the unmount loop in Clean.
const DefaultMaxUnmounts = 64

// Config describes a build root.
type Config struct {
	Dir string

	// ArchivesDir, if set, is bind mounted over var/cache/apt/archives
	// while debootstrap runs so downloaded packages outlive the root.
	ArchivesDir string

	Mirror          string
	Suite           string
	Components      []string
	Packages        []string
	Keyring         string
	BootstrapScript string

	// Script is copied into /build and executed in the chroot. XSL is
	// copied next to it.
	Script string
	XSL    string

	Filesystems []string
	MaxUnmounts int
}

// Root is one build root. It is not safe for concurrent use.
type Root struct {
	cfg    Config
	host   Host
	log    *slog.Logger
	state  State
	mounts []string
}

// New returns a Root in the Absent state.
func New(cfg Config, host Host, logger *slog.Logger) *Root {
	if cfg.Filesystems == nil {
		cfg.Filesystems = DefaultFilesystems
	}
	if cfg.MaxUnmounts <= 0 {
		cfg.MaxUnmounts = DefaultMaxUnmounts
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Root{cfg: cfg, host: host, log: logger}
}

// State returns the current lifecycle stage.
func (r *Root) State() State { return r.state }

// Dir returns the root directory.
func (r *Root) Dir() string { return r.cfg.Dir }

// BuildDir is the directory inside the root holding the script and output.
func (r *Root) BuildDir() string { return filepath.Join(r.cfg.Dir, "build") }

// OutputDir is where the generator leaves the HTML tree.
func (r *Root) OutputDir() string { return filepath.Join(r.BuildDir(), "html") }

// Mounts returns the mounts currently held, oldest first.
func (r *Root) Mounts() []string {
	return append([]string(nil), r.mounts...)
}

func (r *Root) require(op string, states ...State) error {
	for _, s := range states {
		if r.state == s {
			return nil
		}
	}
	return fmt.Errorf("%w: cannot %s in state %s", ErrInvalidState, op, r.state)
}

// Create bootstraps a fresh root, replacing whatever was there.
func (r *Root) Create(ctx context.Context) error {
	if err := r.require("create", Absent, Cleaned); err != nil {
		return err
	}
	if err := r.removeTree(); err != nil {
		return err
	}

	if r.cfg.ArchivesDir != "" {
		dest := filepath.Join(r.cfg.Dir, "var/cache/apt/archives")
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dest, err)
		}
		if err := r.mount(r.cfg.ArchivesDir, dest); err != nil {
			return err
		}
	}

	args := []string{
		"--variant=minbase",
		"--include=" + strings.Join(r.cfg.Packages, ","),
		"--components=" + strings.Join(r.cfg.Components, ","),
	}
	if r.cfg.Keyring != "" {
		args = append(args, "--keyring="+r.cfg.Keyring)
	}
	args = append(args, r.cfg.Suite, r.cfg.Dir, r.cfg.Mirror)
	if r.cfg.BootstrapScript != "" {
		args = append(args, r.cfg.BootstrapScript)
	}

	r.log.Info("creating build root", "dir", r.cfg.Dir)
	runErr := r.host.Runner.Run(ctx, "debootstrap", args...)
	if err := errors.Join(runErr, r.unwind()); err != nil {
		return fmt.Errorf("creating build root %s: %w", r.cfg.Dir, err)
	}

	r.state = Created
	return nil
}

// Mount prepares /build and bind mounts the host filesystems.
func (r *Root) Mount(ctx context.Context) error {
	if err := r.require("mount", Created); err != nil {
		return err
	}
	if err := r.prepareBuildDir(); err != nil {
		return err
	}

	for _, src := range r.cfg.Filesystems {
		dest := filepath.Join(r.cfg.Dir, strings.TrimPrefix(src, "/"))
		if err := os.MkdirAll(dest, 0o755); err != nil {
			return errors.Join(fmt.Errorf("creating %s: %w", dest, err), r.unwind())
		}
		if err := r.mount(src, dest); err != nil {
			return errors.Join(err, r.unwind())
		}
	}

	r.state = Mounted
	return nil
}

// Build runs the generator script in the chroot. The host filesystems
// are unmounted afterwards whether or not the build succeeded.
func (r *Root) Build(ctx context.Context) error {
	if err := r.require("build", Mounted); err != nil {
		return err
	}

	script := "/build/" + filepath.Base(r.cfg.Script)
	r.log.Info("building documentation", "dir", r.cfg.Dir)
	runErr := r.host.Runner.Run(ctx, "chroot", r.cfg.Dir, script)
	if runErr != nil {
		runErr = fmt.Errorf("building documentation in %s: %w", r.cfg.Dir, runErr)
	}

	if err := errors.Join(runErr, r.unwind()); err != nil {
		r.state = Created
		return err
	}
	r.state = Built
	return nil
}

// Clean unmounts everything under the root and deletes it. It may be
// called in any state.
func (r *Root) Clean(ctx context.Context) error {
	if err := r.removeTree(); err != nil {
		return err
	}
	r.mounts = nil
	r.state = Cleaned
	return nil
}

func (r *Root) removeTree() error {
	if _, err := os.Lstat(r.cfg.Dir); os.IsNotExist(err) {
		return nil
	}
	if err := r.unmountAll(); err != nil {
		return err
	}
	r.log.Info("removing build root", "dir", r.cfg.Dir)
	if err := os.RemoveAll(r.cfg.Dir); err != nil {
		return fmt.Errorf("removing %s: %w", r.cfg.Dir, err)
	}
	return nil
}

// unmountAll unmounts the deepest mount under the root, then rereads the
// mount table, until no mount under the root remains. Rereading catches
// aliased and stacked mounts that a single pass would miss.
func (r *Root) unmountAll() error {
	root, err := filepath.EvalSymlinks(r.cfg.Dir)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", r.cfg.Dir, err)
	}

	for i := 0; i < r.cfg.MaxUnmounts; i++ {
		target, err := r.lastMountUnder(root)
		if err != nil {
			return err
		}
		if target == "" {
			r.mounts = nil
			return nil
		}
		r.log.Info("unmounting", "path", target)
		if err := r.host.Mounter.Unmount(target); err != nil {
			return err
		}
	}

	target, err := r.lastMountUnder(root)
	if err != nil {
		return err
	}
	if target != "" {
		return fmt.Errorf("%w: %s still mounted after %d unmounts", ErrMountsRemain, target, r.cfg.MaxUnmounts)
	}
	r.mounts = nil
	return nil
}

// lastMountUnder returns the last mount table entry at or below root, or
// "" when there is none. Later entries are mounted on top of earlier
// ones, so they are removed first.
func (r *Root) lastMountUnder(root string) (string, error) {
	points, err := r.host.Table.Mountpoints()
	if err != nil {
		return "", err
	}
	for i := len(points) - 1; i >= 0; i-- {
		p := points[i]
		if p == root || strings.HasPrefix(p, root+"/") {
			return p, nil
		}
	}
	return "", nil
}

func (r *Root) mount(source, target string) error {
	r.log.Info("mounting", "source", source, "target", target)
	if err := r.host.Mounter.BindMount(source, target); err != nil {
		return err
	}
	r.mounts = append(r.mounts, target)
	return nil
}

// unwind releases the recorded mounts newest first. A failed unmount
// stays recorded; the rest are still attempted.
func (r *Root) unwind() error {
	var errs []error
	var remaining []string
	for i := len(r.mounts) - 1; i >= 0; i-- {
		target := r.mounts[i]
		r.log.Info("unmounting", "path", target)
		if err := r.host.Mounter.Unmount(target); err != nil {
			errs = append(errs, err)
			remaining = append([]string{target}, remaining...)
		}
	}
	r.mounts = remaining
	return errors.Join(errs...)
}

func (r *Root) prepareBuildDir() error {
	dir := r.BuildDir()
	if _, err := os.Stat(dir); err == nil {
		r.log.Info("removing existing build dir", "dir", dir)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("removing %s: %w", dir, err)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	for _, src := range []string{r.cfg.Script, r.cfg.XSL} {
		if src == "" {
			continue
		}
		dest := filepath.Join(dir, filepath.Base(src))
		r.log.Info("copying", "src", src, "dest", dest)
		if err := fsutil.CopyFile(src, dest); err != nil {
			return err
		}
	}
	return nil
}
