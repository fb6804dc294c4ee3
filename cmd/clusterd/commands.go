package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/clusterd"
	"github.com/loykin/clusterd/internal/config"
	"github.com/loykin/clusterd/internal/pidfile"
)

func createServeCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the primary and its workers",
		Long: `Start the primary in the foreground. The primary writes its pid file,
spawns the configured number of workers by re-executing this binary and
supervises them until SIGINT or SIGTERM.

Each worker serves the demo HTTP application on the shared listen address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.ConfigPath)
			if err != nil {
				return err
			}
			opts, err := optionsFromConfig(cfg, flags)
			if err != nil {
				return err
			}
			err = clusterd.Run(cmd.Context(), opts, nil, runDemoWorker)
			if errors.Is(err, clusterd.ErrCrashLoop) {
				return fmt.Errorf("primary terminated: %w", err)
			}
			return err
		},
	}
}

func createRestartCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Trigger a rolling restart of all workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			if restartSignal == nil {
				return errors.New("rolling restart by signal is not supported on this platform")
			}
			return sendSignal(cmd, flags, restartSignal, "rolling restart requested")
		},
	}
}

func createStopCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully shut the cluster down",
		RunE: func(cmd *cobra.Command, args []string) error {
			return sendSignal(cmd, flags, os.Interrupt, "shutdown requested")
		},
	}
}

func createStatusCommand(flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the primary is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolvePIDFile(flags)
			if err != nil {
				return err
			}
			pid, err := pidfile.Read(path)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("primary not running: no pid file at %s", path)
				}
				return err
			}
			if !pidfile.Alive(pid) {
				return fmt.Errorf("primary not running: stale pid %d in %s", pid, path)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "primary running (pid %d)\n", pid)
			return nil
		},
	}
}

func sendSignal(cmd *cobra.Command, flags *GlobalFlags, sig os.Signal, what string) error {
	path, err := resolvePIDFile(flags)
	if err != nil {
		return err
	}
	pid, err := pidfile.Signal(path, sig)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("no pid file at %s; is the primary running?", path)
		}
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return fmt.Errorf("primary (pid %d) is not running", pid)
		}
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (pid %d)\n", what, pid)
	return nil
}

// resolvePIDFile prefers --pidfile, then the config file.
func resolvePIDFile(flags *GlobalFlags) (string, error) {
	if flags.PIDFile != "" {
		return flags.PIDFile, nil
	}
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		return "", err
	}
	return cfg.PIDFile, nil
}

func optionsFromConfig(cfg *config.Config, flags *GlobalFlags) (clusterd.Options, error) {
	workerEnv, err := cfg.WorkerEnv()
	if err != nil {
		return clusterd.Options{}, err
	}
	opts := clusterd.Options{
		Workers:               cfg.Workers,
		PIDFile:               cfg.PIDFile,
		RestartCooldown:       cfg.RestartCooldown,
		RestartTimeout:        cfg.RestartTimeout,
		RestartDelay:          cfg.RestartDelay,
		DrainPollInterval:     cfg.DrainPollInterval,
		ShutdownTimeout:       cfg.ShutdownTimeout,
		Log:                   cfg.Log,
		Config:                cfg.App,
		Listen:                cfg.Listen,
		MetricsListen:         cfg.Metrics.Listen,
		MetricsSampleInterval: cfg.Metrics.SampleInterval,
		HistoryDSN:            cfg.History.DSN,
		HistoryBuffer:         cfg.History.Buffer,
		ControlListen:         cfg.Control.Listen,
		ControlBasePath:       cfg.Control.BasePath,
		Env:                   workerEnv,
	}
	if flags.PIDFile != "" {
		opts.PIDFile = flags.PIDFile
	}
	return opts, nil
}
