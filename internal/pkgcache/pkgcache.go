// Package pkgcache keeps a private apt tree used to tell whether the
// documentation packages changed since the last build.
//
// The tree's dpkg status records what the previous build installed, and
// its package lists record what the mirror currently offers. Comparing
// the two decides whether a rebuild is needed.
package pkgcache

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/endlessm/helpcenter/internal/fsutil"
)

// DefaultMaxSize is the size above which the cache is thrown away and
// recreated.
const DefaultMaxSize int64 = 1 << 30

var layout = []string{
	"etc/apt/apt.conf.d",
	"etc/apt/preferences.d",
	"etc/apt/trusted.gpg.d",
	"var/lib/apt/lists/partial",
	"var/cache/apt/archives/partial",
	"var/lib/dpkg",
}

// Runner executes apt commands.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Config describes the cache and the packages it tracks.
type Config struct {
	Dir        string
	Mirror     string
	Suite      string
	Components []string
	Packages   []string
	Arch       string

	// Keyring is used as the trusted keyring when it exists.
	Keyring string
	// Netrc is copied to etc/apt/auth.conf when it exists.
	Netrc string

	MaxSize int64
}

// Cache is an initialized apt tree.
type Cache struct {
	cfg    Config
	runner Runner
	log    *slog.Logger
}

// Open prepares the apt tree under cfg.Dir, resetting it first when it
// has grown past MaxSize.
func Open(cfg Config, runner Runner, logger *slog.Logger) (*Cache, error) {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	c := &Cache{cfg: cfg, runner: runner, log: logger}

	if err := c.reset(); err != nil {
		return nil, err
	}
	for _, sub := range layout {
		if err := os.MkdirAll(filepath.Join(cfg.Dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating package cache: %w", err)
		}
	}

	sources := fmt.Sprintf("deb %s %s %s\n", cfg.Mirror, cfg.Suite, strings.Join(cfg.Components, " "))
	if err := os.WriteFile(filepath.Join(cfg.Dir, "etc/apt/sources.list"), []byte(sources), 0o644); err != nil {
		return nil, fmt.Errorf("writing sources.list: %w", err)
	}

	if cfg.Netrc != "" {
		if _, err := os.Stat(cfg.Netrc); err == nil {
			if err := fsutil.CopyFile(cfg.Netrc, filepath.Join(cfg.Dir, "etc/apt/auth.conf")); err != nil {
				return nil, err
			}
		}
	}

	if _, err := os.Stat(c.StatusPath()); os.IsNotExist(err) {
		if err := os.WriteFile(c.StatusPath(), nil, 0o644); err != nil {
			return nil, fmt.Errorf("creating dpkg status: %w", err)
		}
	}
	return c, nil
}

func (c *Cache) reset() error {
	size, err := diskUsage(c.cfg.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("measuring package cache: %w", err)
	}
	if size <= c.cfg.MaxSize {
		c.log.Debug("package cache size", "dir", c.cfg.Dir, "size", humanize.IBytes(uint64(size)))
		return nil
	}
	c.log.Info("removing oversized package cache",
		"dir", c.cfg.Dir,
		"size", humanize.IBytes(uint64(size)),
		"max", humanize.IBytes(uint64(c.cfg.MaxSize)))
	if err := os.RemoveAll(c.cfg.Dir); err != nil {
		return fmt.Errorf("removing package cache: %w", err)
	}
	return nil
}

// StatusPath is the dpkg status describing the previous build.
func (c *Cache) StatusPath() string {
	return filepath.Join(c.cfg.Dir, "var/lib/dpkg/status")
}

// ArchivesDir holds downloaded .debs. It is shared with the build root so
// packages are only fetched once.
func (c *Cache) ArchivesDir() string {
	return filepath.Join(c.cfg.Dir, "var/cache/apt/archives")
}

func (c *Cache) aptOptions() []string {
	opts := []string{
		"-o", "Dir=" + c.cfg.Dir,
		"-o", "Dir::State::status=" + c.StatusPath(),
		"-o", "APT::Architecture=" + c.cfg.Arch,
		"-o", "APT::Architectures=" + c.cfg.Arch,
	}
	if c.cfg.Keyring != "" {
		if _, err := os.Stat(c.cfg.Keyring); err == nil {
			opts = append(opts, "-o", "Dir::Etc::trusted="+c.cfg.Keyring)
		}
	}
	return opts
}

// Update refreshes the package lists from the mirror.
func (c *Cache) Update(ctx context.Context) error {
	c.log.Info("updating package lists", "mirror", c.cfg.Mirror, "suite", c.cfg.Suite)
	args := append(c.aptOptions(), "update")
	if err := c.runner.Run(ctx, "apt-get", args...); err != nil {
		return fmt.Errorf("updating package cache: %w", err)
	}
	return nil
}

// Versions maps each tracked package to a version. A package that is
// unknown or not installed maps to "".
type Versions struct {
	Installed map[string]string
	Candidate map[string]string
}

// Changed reports whether the available packages differ from the ones
// used in the previous build.
func (v Versions) Changed() bool {
	return !maps.Equal(v.Installed, v.Candidate)
}

// Log writes both version sets sorted by package name.
func (v Versions) Log(logger *slog.Logger) {
	for _, set := range []struct {
		msg      string
		versions map[string]string
	}{
		{"package used in previous build", v.Installed},
		{"package available for build", v.Candidate},
	} {
		names := make([]string, 0, len(set.versions))
		for name := range set.versions {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			version := set.versions[name]
			if version == "" {
				version = "none"
			}
			logger.Info(set.msg, "package", name, "version", version)
		}
	}
}

// Versions reports the installed and candidate version of every tracked
// package.
func (c *Cache) Versions(ctx context.Context) (Versions, error) {
	args := append(c.aptOptions(), "policy")
	args = append(args, c.cfg.Packages...)
	out, err := c.runner.Output(ctx, "apt-cache", args...)
	if err != nil {
		return Versions{}, fmt.Errorf("querying package versions: %w", err)
	}
	return parsePolicy(out, c.cfg.Packages)
}

// parsePolicy reads `apt-cache policy` output. Packages apt does not know
// are absent from the output and get empty versions.
func parsePolicy(out []byte, packages []string) (Versions, error) {
	v := Versions{
		Installed: make(map[string]string, len(packages)),
		Candidate: make(map[string]string, len(packages)),
	}
	for _, name := range packages {
		v.Installed[name] = ""
		v.Candidate[name] = ""
	}

	var current string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if line[0] != ' ' && line[0] != '\t' {
			current = ""
			name, ok := strings.CutSuffix(line, ":")
			if !ok {
				continue
			}
			// Multiarch output qualifies names as pkg:arch.
			name, _, _ = strings.Cut(name, ":")
			if _, tracked := v.Installed[name]; tracked {
				current = name
			}
			continue
		}
		if current == "" {
			continue
		}

		field, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "(none)" {
			value = ""
		}
		switch field {
		case "Installed":
			v.Installed[current] = value
		case "Candidate":
			v.Candidate[current] = value
		}
	}
	if err := scanner.Err(); err != nil {
		return Versions{}, fmt.Errorf("reading apt-cache policy output: %w", err)
	}
	return v, nil
}

// RecordBuild stores the dpkg status of a finished build root so the next
// run compares against it.
func (c *Cache) RecordBuild(rootDir string) error {
	src := filepath.Join(rootDir, "var/lib/dpkg/status")
	c.log.Info("recording build packages", "src", src, "dest", c.StatusPath())
	return fsutil.CopyFile(src, c.StatusPath())
}

// diskUsage sums the apparent size of every entry under path without
// following symlinks.
func diskUsage(path string) (int64, error) {
	if _, err := os.Lstat(path); err != nil {
		return 0, err
	}
	var total int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
