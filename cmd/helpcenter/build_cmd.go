package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/endlessm/helpcenter/internal/buildroot"
	"github.com/endlessm/helpcenter/internal/docbuild"
	"github.com/endlessm/helpcenter/internal/pkgcache"
)

func newBuildCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build the docs from the latest EOS packages",
		Long: "Check the mirror for new documentation packages and, if any changed,\n" +
			"generate the HTML in a fresh build root and point the www link at it.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger(cmd)
			file, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg := file.Build
			cfg.Force = cfg.Force || force
			if err := cfg.Validate(); err != nil {
				return err
			}

			lock, err := docbuild.Lock(cfg.LockPath())
			if err != nil {
				return err
			}
			defer lock.Unlock()

			var netrc string
			if home, err := os.UserHomeDir(); err == nil {
				netrc = filepath.Join(home, ".netrc")
			}
			apt := &buildroot.ExecRunner{
				Stdout: os.Stderr,
				Stderr: os.Stderr,
				Env:    []string{"LC_ALL=C"},
				Logger: log,
			}
			cache, err := pkgcache.Open(pkgcache.Config{
				Dir:        cfg.CacheDir(),
				Mirror:     cfg.Mirror,
				Suite:      cfg.Suite,
				Components: cfg.Components,
				Packages:   cfg.Packages,
				Arch:       cfg.Arch,
				Keyring:    cfg.Keyring,
				Netrc:      netrc,
			}, apt, log)
			if err != nil {
				return err
			}

			root := buildroot.New(buildroot.Config{
				Dir:             cfg.RootDir(),
				ArchivesDir:     cache.ArchivesDir(),
				Mirror:          cfg.Mirror,
				Suite:           cfg.Suite,
				Components:      cfg.Components,
				Packages:        cfg.Packages,
				Keyring:         cfg.Keyring,
				BootstrapScript: cfg.BootstrapScript,
				Script:          cfg.Script,
				XSL:             cfg.XSL,
			}, buildroot.SystemHost(log), log)

			b := docbuild.New(cache, root, docbuild.Options{
				Dir:     cfg.Dir,
				WWWLink: cfg.WWWLink(),
				Logger:  log,
			})
			_, err = b.Run(cmd.Context(), cfg.Force)
			return err
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "build even if no packages changed")
	return cmd
}
