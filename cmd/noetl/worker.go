package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/internal/bus"
	"github.com/noetl/noetl/internal/client"
	"github.com/noetl/noetl/internal/config"
	"github.com/noetl/noetl/internal/render"
	"github.com/noetl/noetl/internal/taskseq"
	"github.com/noetl/noetl/internal/tools"
	"github.com/noetl/noetl/internal/worker"
	"github.com/noetl/noetl/pkg/log"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run a worker",
		Long: "Run a worker that subscribes to the notification bus, " +
			"claims commands from the coordinator, and executes their " +
			"tools.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := setupLogging(cfg)
			ctx := cmd.Context()

			cli, err := client.New(cfg.ServerURL, 0)
			if err != nil {
				return err
			}

			js, err := bus.NewJetStream(ctx, bus.JetStreamConfig{
				URL:         cfg.NATSURL,
				Stream:      cfg.NATSStream,
				Subject:     cfg.NATSSubject,
				Consumer:    cfg.NATSConsumer,
				MaxInFlight: cfg.MaxInFlight,
			})
			if err != nil {
				return fmt.Errorf("connect to NATS: %w", err)
			}
			defer func() { _ = js.Close() }()

			registry := toolRegistry(cfg, cli)
			renderer := render.New(cfg.TemplateCacheSize)
			w := worker.New(worker.Dependencies{
				Coordinator: cli,
				Registry:    registry,
				Sequences:   taskseq.NewRunner(registry, renderer, logger),
				Renderer:    renderer,
				Bus:         js,
				Logger:      logger,
				ID:          cfg.WorkerID,
			})
			if err := w.Run(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			logger.Info("worker exiting", log.WorkerID(w.ID()))
			return nil
		},
	}
}

// toolRegistry builds the full tool set a worker advertises. The playbook
// tool starts child executions through whichever side of the control plane
// the caller sits on
func toolRegistry(
	cfg *config.Config, executor tools.SubExecutor,
) *tools.Registry {
	return tools.NewRegistry(
		tools.NewHTTP(0),
		tools.NewPostgres(cfg.DatabaseURL),
		tools.NewDuckDB(),
		tools.NewPython(os.Getenv("NOETL_PYTHON")),
		tools.NewPlaybookTool(executor),
	)
}
