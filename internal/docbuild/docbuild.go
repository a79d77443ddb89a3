// Package docbuild runs the whole documentation build: check the mirror
// for new packages, regenerate the HTML in a fresh build root and switch
// the served tree over to it.
package docbuild

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/endlessm/helpcenter/internal/pkgcache"
)

// ErrLocked is returned when another build holds the lock.
var ErrLocked = errors.New("build root is locked by another process")

// PackageCache tracks the packages used by the previous build.
type PackageCache interface {
	Update(ctx context.Context) error
	Versions(ctx context.Context) (pkgcache.Versions, error)
	RecordBuild(rootDir string) error
}

// BuildRoot is the chroot the generator runs in.
type BuildRoot interface {
	Clean(ctx context.Context) error
	Create(ctx context.Context) error
	Mount(ctx context.Context) error
	Build(ctx context.Context) error
	Dir() string
	OutputDir() string
}

// Options locates the build products.
type Options struct {
	// Dir receives the timestamped output directories.
	Dir string
	// WWWLink is the symlink pointing at the current output.
	WWWLink string
	// LockPath, if set, is locked for the duration of Run. Leave it
	// empty when the caller already holds the lock.
	LockPath string

	Now    func() time.Time
	Logger *slog.Logger
}

// Result describes a finished run.
type Result struct {
	Skipped  bool
	Versions pkgcache.Versions
	Output   string
	Previous string
}

// Lock takes the build lock at path without waiting. The caller must
// Unlock it.
func Lock(path string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating lock directory: %w", err)
	}
	lock := flock.New(path)
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return lock, nil
}

// Builder runs builds.
type Builder struct {
	cache PackageCache
	root  BuildRoot
	opts  Options
	log   *slog.Logger
}

// New returns a Builder.
func New(cache PackageCache, root BuildRoot, opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Builder{cache: cache, root: root, opts: opts, log: log}
}

// Run builds the documentation if the packages changed since the last
// build, or unconditionally when force is set.
func (b *Builder) Run(ctx context.Context, force bool) (*Result, error) {
	if b.opts.LockPath != "" {
		lock, err := Lock(b.opts.LockPath)
		if err != nil {
			return nil, err
		}
		defer lock.Unlock()
	}

	if err := b.cache.Update(ctx); err != nil {
		return nil, err
	}
	versions, err := b.cache.Versions(ctx)
	if err != nil {
		return nil, err
	}
	versions.Log(b.log)

	result := &Result{Versions: versions}
	if !versions.Changed() {
		if !force {
			b.log.Info("packages from previous build match available packages")
			result.Skipped = true
			return result, nil
		}
		b.log.Info("packages unchanged, building anyway as requested")
	}

	for _, step := range []func(context.Context) error{
		b.root.Clean,
		b.root.Create,
		b.root.Mount,
		b.root.Build,
	} {
		if err := step(ctx); err != nil {
			return nil, err
		}
	}

	output := filepath.Join(b.opts.Dir, "helpcenter-"+b.opts.Now().Format("20060102-150405"))
	b.log.Info("moving build output", "src", b.root.OutputDir(), "dest", output)
	if err := os.Rename(b.root.OutputDir(), output); err != nil {
		return nil, fmt.Errorf("moving build output: %w", err)
	}
	result.Output = output

	prev, err := swapLink(b.opts.WWWLink, output, b.log)
	if err != nil {
		return nil, err
	}
	result.Previous = prev

	if err := b.cache.RecordBuild(b.root.Dir()); err != nil {
		return nil, err
	}
	if err := b.root.Clean(ctx); err != nil {
		return nil, err
	}
	b.log.Info("build complete", "output", output)
	return result, nil
}

// swapLink atomically points link at target and removes the tree it
// pointed at before. It returns that previous tree, or "" if there was
// none.
func swapLink(link, target string, log *slog.Logger) (string, error) {
	var prev string
	info, err := os.Lstat(link)
	switch {
	case err == nil:
		if info.Mode()&os.ModeSymlink == 0 {
			return "", fmt.Errorf("%s is not a symlink", link)
		}
		prev, err = filepath.EvalSymlinks(link)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("resolving %s: %w", link, err)
		}
	case !os.IsNotExist(err):
		return "", fmt.Errorf("checking %s: %w", link, err)
	}

	rel, err := filepath.Rel(filepath.Dir(link), target)
	if err != nil {
		return "", fmt.Errorf("linking %s: %w", link, err)
	}
	tmp := link + ".new"
	if err := os.Remove(tmp); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("removing %s: %w", tmp, err)
	}

	log.Info("setting symlink", "link", link, "target", rel)
	if err := os.Symlink(rel, tmp); err != nil {
		return "", fmt.Errorf("linking %s: %w", link, err)
	}
	if err := os.Rename(tmp, link); err != nil {
		return "", fmt.Errorf("linking %s: %w", link, err)
	}

	if prev == "" {
		return "", nil
	}
	if resolved, err := filepath.EvalSymlinks(target); err == nil && resolved == prev {
		return "", nil
	}
	log.Info("removing previous build", "dir", prev)
	if err := os.RemoveAll(prev); err != nil {
		return prev, fmt.Errorf("removing previous build: %w", err)
	}
	return prev, nil
}
