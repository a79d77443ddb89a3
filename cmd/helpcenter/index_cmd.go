package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/endlessm/helpcenter/internal/index"
)

func newIndexCmd() *cobra.Command {
	var (
		buildDir string
		branch   string
		opts     index.Options
	)
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Generate the language index page for a build directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Logger = newLogger(cmd)
			opts.Out = cmd.OutOrStdout()
			if !cmd.Flags().Changed("builddir") {
				file, err := loadConfig(cmd)
				if err != nil {
					return err
				}
				buildDir = file.Publish.BuildDir
			}

			dir := buildDir
			if branch != "" {
				dir = filepath.Join(dir, branch)
			}
			_, err := index.Generate(dir, opts)
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&buildDir, "builddir", "d", "", "path to HTML build `DIR` (default \"build\")")
	flags.StringVarP(&branch, "branch", "b", "", "generate in the `NAME` subdirectory")
	flags.BoolVarP(&opts.Force, "force", "f", false, "overwrite an existing index.html")
	flags.BoolVarP(&opts.DryRun, "dry-run", "n", false, "only show the generated HTML")
	return cmd
}
