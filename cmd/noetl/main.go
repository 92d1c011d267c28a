// The noetl binary runs the coordinator and workers and carries the small
// operator commands for registering and running playbooks
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/pkg/log"
)

const (
	appName = "noetl"
	version = "0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Event-sourced workflow execution engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(
		serverCmd(),
		workerCmd(),
		registerCmd(),
		runCmd(),
		cancelCmd(),
		versionCmd(),
	)
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, version)
		},
	}
}

// loadConfig builds the effective configuration: defaults, then environment
// overrides, then validation
func loadConfig() (*config.Config, error) {
	cfg := config.NewDefaultConfig()
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg *config.Config) *slog.Logger {
	logger := log.NewWithLevel(
		appName, os.Getenv("ENV"), version, log.ParseLevel(cfg.LogLevel),
	)
	slog.SetDefault(logger)
	return logger
}
