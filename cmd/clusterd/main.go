package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRoot().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by every command.
type GlobalFlags struct {
	ConfigPath string
	PIDFile    string // overrides pidfile from the config
}

func buildRoot() *cobra.Command {
	flags := &GlobalFlags{}
	root := createRootCommand(flags)
	root.AddCommand(
		createServeCommand(flags),
		createRestartCommand(flags),
		createStopCommand(flags),
		createStatusCommand(flags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "clusterd",
		Short: "Single-host process cluster supervisor",
		Long: `clusterd runs a pool of identical worker processes behind one primary,
replaces crashed workers, recycles them one at a time on SIGUSR1 and drains
them on SIGINT.

Examples:
  clusterd serve --config cluster.toml   # start the primary
  clusterd restart                       # rolling restart (SIGUSR1)
  clusterd stop                          # graceful shutdown (SIGINT)
  clusterd status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.PIDFile, "pidfile", "", "primary pid file (default from config, then primary.pid)")
	return root
}
