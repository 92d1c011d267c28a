package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/noetl/noetl/internal/client"
	"github.com/noetl/noetl/pkg/api"
)

const watchInterval = 500 * time.Millisecond

// serverFlag attaches the shared --server flag for the operator commands
func serverFlag(cmd *cobra.Command, serverURL *string) {
	cmd.Flags().StringVar(serverURL, "server", "",
		"coordinator URL (defaults to NOETL_SERVER_URL)")
}

func operatorClient(serverURL string) (*client.Client, error) {
	if serverURL == "" {
		cfg, err := loadConfig()
		if err != nil {
			return nil, err
		}
		serverURL = cfg.ServerURL
	}
	return client.New(serverURL, 0)
}

func registerCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "register <playbook.yaml>",
		Short: "Register a playbook in the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := operatorClient(serverURL)
			if err != nil {
				return err
			}
			content, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}

			res, err := cli.Register(cmd.Context(), content)
			if err != nil {
				return err
			}
			fmt.Printf("registered %s version %s catalog_id %s\n",
				res.Name, res.Version, res.CatalogID)
			return nil
		},
	}

	serverFlag(cmd, &serverURL)
	return cmd
}

func runCmd() *cobra.Command {
	var (
		serverURL string
		payload   string
		watch     bool
	)

	cmd := &cobra.Command{
		Use:   "run <path>",
		Short: "Start an execution of a registered playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := operatorClient(serverURL)
			if err != nil {
				return err
			}

			var workload map[string]any
			if payload != "" {
				if err := json.Unmarshal(
					[]byte(payload), &workload,
				); err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
			}

			res, err := cli.Start(cmd.Context(), &api.StartExecutionRequest{
				Path:    args[0],
				Payload: workload,
			})
			if err != nil {
				return err
			}
			fmt.Printf("execution %s started\n", res.ExecutionID)

			if !watch {
				return nil
			}
			return watchExecution(cmd.Context(), cli, res.ExecutionID)
		},
	}

	serverFlag(cmd, &serverURL)
	cmd.Flags().StringVar(&payload, "payload", "",
		"workload overrides as a JSON object")
	cmd.Flags().BoolVar(&watch, "watch", false,
		"follow the event stream until the execution finishes")
	return cmd
}

func cancelCmd() *cobra.Command {
	var (
		serverURL string
		cascade   bool
		reason    string
	)

	cmd := &cobra.Command{
		Use:   "cancel <execution-id>",
		Short: "Cancel a running execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			executionID, err := api.ParseID(args[0])
			if err != nil {
				return err
			}
			cli, err := operatorClient(serverURL)
			if err != nil {
				return err
			}

			res, err := cli.Cancel(
				cmd.Context(), executionID, cascade, reason,
			)
			if err != nil {
				return err
			}
			fmt.Printf("%s: %d execution(s)\n",
				res.Status, len(res.CancelledExecutions))
			return nil
		},
	}

	serverFlag(cmd, &serverURL)
	cmd.Flags().BoolVar(&cascade, "cascade", true,
		"cancel child executions too")
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	return cmd
}

// watchExecution polls the event page endpoint and prints events as they
// land, exiting when a terminal lifecycle event arrives
func watchExecution(
	ctx context.Context, cli *client.Client, executionID api.ID,
) error {
	var since api.ID
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		res, err := cli.Execution(ctx, executionID, since)
		if err != nil {
			return err
		}
		for _, ev := range res.Events {
			fmt.Printf("%s  %-24s %s\n",
				ev.CreatedAt.Format(time.TimeOnly), ev.Name, ev.Step)
			since = ev.EventID
		}

		switch res.Status {
		case api.StatusCompleted:
			return nil
		case api.StatusFailed:
			return fmt.Errorf("execution %s failed", executionID)
		case api.StatusCancelled:
			return fmt.Errorf("execution %s cancelled", executionID)
		}
	}
}
