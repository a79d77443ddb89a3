package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/endlessm/helpcenter/internal/config"
	"github.com/endlessm/helpcenter/internal/logging"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "helpcenter",
		Short:         "Build and publish the Endless help center",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", config.DefaultPath, "path to config file")
	root.PersistentFlags().Bool("debug", false, "enable debug messages")

	root.AddCommand(
		newPublishCmd(),
		newBuildCmd(),
		newIndexCmd(),
		newVersionCmd(),
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
	stop()
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	debug, _ := cmd.Flags().GetBool("debug")
	logger := logging.New(cmd.ErrOrStderr(), debug)
	slog.SetDefault(logger)
	return logger
}

func loadConfig(cmd *cobra.Command) (*config.File, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}
