// Package config holds the configuration for the publish and build
// commands. Values are layered: built-in defaults, then an optional TOML
// file, then HELPCENTER_* environment variables. The CLI applies its own
// flags on top before calling Validate.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/caarlos0/env/v11"
)

// DefaultPath is the config file read when --config is not given.
const DefaultPath = "helpcenter.toml"

// EnvPrefix prefixes every environment variable the config understands.
const EnvPrefix = "HELPCENTER_"

// ErrConfiguration marks missing or invalid settings. It is always
// returned before any side effect happens.
var ErrConfiguration = errors.New("configuration error")

// File is the top-level layout of helpcenter.toml.
type File struct {
	Publish Publish `toml:"publish" envPrefix:"PUBLISH_"`
	Build   Build   `toml:"build" envPrefix:"BUILD_"`
}

// Publish configures the incremental S3 publish.
type Publish struct {
	Bucket   string   `toml:"bucket" env:"BUCKET"`
	BuildDir string   `toml:"build-dir" env:"BUILD_DIR"`
	Branch   string   `toml:"branch" env:"BRANCH"`
	Region   string   `toml:"region" env:"REGION"`
	Exclude  []string `toml:"exclude" env:"EXCLUDE"`

	// CloudFront is the distribution ID to invalidate after changes.
	CloudFront string `toml:"cloudfront" env:"CLOUDFRONT"`
	// RedirectsKVS names a CloudFront KeyValueStore that receives
	// directory redirects for the published tree.
	RedirectsKVS string `toml:"redirects-kvs" env:"REDIRECTS_KVS"`
	// RedirectsFile holds extra "source destination" redirects for the
	// same store, for pages that moved between releases.
	RedirectsFile string `toml:"redirects-file" env:"REDIRECTS_FILE"`

	DefaultDocument     string `toml:"default-document" env:"DEFAULT_DOCUMENT"`
	InvalidationCeiling int    `toml:"invalidation-ceiling" env:"INVALIDATION_CEILING"`

	Force    bool `toml:"-"`
	DryRun   bool `toml:"-"`
	AWSDebug bool `toml:"-"`
}

// Build configures the build root and the package cache.
type Build struct {
	Dir        string   `toml:"dir" env:"DIR"`
	Mirror     string   `toml:"mirror" env:"MIRROR"`
	Suite      string   `toml:"suite" env:"SUITE"`
	Components []string `toml:"components" env:"COMPONENTS"`
	Packages   []string `toml:"packages" env:"PACKAGES"`
	Arch       string   `toml:"arch" env:"ARCH"`
	Keyring    string   `toml:"keyring" env:"KEYRING"`
	Script     string   `toml:"script" env:"SCRIPT"`
	XSL        string   `toml:"xsl" env:"XSL"`

	// BootstrapScript is the debootstrap suite script used for Suite.
	BootstrapScript string `toml:"bootstrap-script" env:"BOOTSTRAP_SCRIPT"`

	Force bool `toml:"-"`
}

const defaultHelpcenterDir = "/srv/helpcenter"

// Default returns the built-in configuration.
func Default() *File {
	return &File{
		Publish: Publish{
			BuildDir:            "build",
			DefaultDocument:     "index.html",
			InvalidationCeiling: 1000,
		},
		Build: Build{
			Dir:        defaultHelpcenterDir,
			Mirror:     "http://obs-master.endlessm-sf.com:82/shared/eos",
			Suite:      "eos3",
			Components: []string{"core", "endless"},
			Packages: []string{
				// debootstrap cannot resolve the dbus-session-bus
				// virtual package on its own.
				"dbus-user-session",
				"gnome-getting-started-docs",
				"gnome-user-guide",
				"yelp",
				"yelp-tools",
				"yelp-xsl",
			},
			Arch:            debianArch(runtime.GOARCH),
			BootstrapScript: "/usr/share/debootstrap/scripts/sid",
		},
	}
}

// Load reads the defaults, the TOML file at path and the environment,
// in that order. A missing file is not an error.
func Load(path string) (*File, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("%w: reading config file %s: %v", ErrConfiguration, path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: stat config file %s: %v", ErrConfiguration, path, err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: reading environment: %v", ErrConfiguration, err)
	}

	cfg.Build.fillPaths()
	return cfg, nil
}

// fillPaths derives the file locations that live under Dir unless set
// explicitly.
func (b *Build) fillPaths() {
	if b.Keyring == "" {
		b.Keyring = filepath.Join(b.Dir, "eos-archive-keyring.gpg")
	}
	if b.Script == "" {
		b.Script = filepath.Join(b.Dir, "generate-html-docs.sh")
	}
	if b.XSL == "" {
		b.XSL = filepath.Join(b.Dir, "endless-customizations.xsl")
	}
}

// CacheDir is the private apt tree kept between builds.
func (b *Build) CacheDir() string { return filepath.Join(b.Dir, "cache") }

// RootDir is the disposable build root.
func (b *Build) RootDir() string { return filepath.Join(b.Dir, "root") }

// WWWLink is the symlink the web server follows to the current build.
func (b *Build) WWWLink() string { return filepath.Join(b.Dir, "www") }

// LockPath is the lock file guarding RootDir.
func (b *Build) LockPath() string { return filepath.Join(b.Dir, "root.lock") }

// Validate checks the publish settings after CLI flags are applied and
// normalizes Branch.
func (p *Publish) Validate() error {
	if p.Bucket == "" {
		return fmt.Errorf("%w: bucket is required (positional argument, config file or %sPUBLISH_BUCKET)", ErrConfiguration, EnvPrefix)
	}
	if p.BuildDir == "" {
		return fmt.Errorf("%w: build directory is required", ErrConfiguration)
	}
	info, err := os.Stat(p.BuildDir)
	if err != nil {
		return fmt.Errorf("%w: build directory %s: %v", ErrConfiguration, p.BuildDir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: build directory is not a directory: %s", ErrConfiguration, p.BuildDir)
	}
	if p.Branch != "" {
		if filepath.IsAbs(p.Branch) || !filepath.IsLocal(p.Branch) {
			return fmt.Errorf("%w: branch must be a relative directory name: %q", ErrConfiguration, p.Branch)
		}
		p.Branch = CleanBranch(p.Branch)
	}
	for _, pattern := range p.Exclude {
		if !doublestar.ValidatePattern(pattern) {
			return fmt.Errorf("%w: invalid exclude pattern %q", ErrConfiguration, pattern)
		}
	}
	if p.RedirectsFile != "" && p.RedirectsKVS == "" {
		return fmt.Errorf("%w: redirects-file needs redirects-kvs", ErrConfiguration)
	}
	if p.DefaultDocument == "" {
		return fmt.Errorf("%w: default-document must not be empty", ErrConfiguration)
	}
	if p.InvalidationCeiling <= 0 {
		return fmt.Errorf("%w: invalidation-ceiling must be positive, got %d", ErrConfiguration, p.InvalidationCeiling)
	}
	return nil
}

// CleanBranch returns branch as a slash-separated relative path with no
// trailing or doubled slashes, so "master/" and "master" name the same
// key prefix. "." and "" both mean no branch.
func CleanBranch(branch string) string {
	if branch == "" {
		return ""
	}
	clean := path.Clean(filepath.ToSlash(branch))
	if clean == "." {
		return ""
	}
	return clean
}

// Validate checks the build settings.
func (b *Build) Validate() error {
	switch {
	case b.Dir == "":
		return fmt.Errorf("%w: build dir is required", ErrConfiguration)
	case b.Mirror == "":
		return fmt.Errorf("%w: mirror is required", ErrConfiguration)
	case b.Suite == "":
		return fmt.Errorf("%w: suite is required", ErrConfiguration)
	case len(b.Packages) == 0:
		return fmt.Errorf("%w: at least one package is required", ErrConfiguration)
	case b.Arch == "":
		return fmt.Errorf("%w: arch is required", ErrConfiguration)
	}
	return nil
}

// debianArch maps a Go architecture name to the Debian one apt expects.
func debianArch(goarch string) string {
	switch goarch {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	default:
		return goarch
	}
}
