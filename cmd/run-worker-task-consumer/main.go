// Command run-worker-task-consumer runs the bi-directional worker-task
// consumer group: worker-task-assigned envelopes dispatch to the tool
// executor, worker-task-completed envelopes feed back into the supervisor's
// stage-progression decisions.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/cmdutil"
	"github.com/outreach-orchestrator/runtime/internal/consumergroup"
	"github.com/outreach-orchestrator/runtime/pkg/models"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run-worker-task-consumer",
		Short: "Consume worker-task-assigned and worker-task-completed events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "orchestrator.yaml", "Path to YAML configuration file")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	a, err := cmdutil.Boot(ctx, configPath)
	if err != nil {
		return err
	}

	dispatch := func(ctx context.Context, msg bus.Delivered) error {
		switch models.EventType(msg.Envelope.EventType) {
		case models.EventWorkerTaskAssigned:
			return a.WorkerExecutor.Handle(ctx, msg)
		case models.EventWorkerTaskCompleted:
			return a.Supervisor.HandleTaskResult(ctx, msg)
		default:
			a.Logger.Debug("worker-task consumer: no handler for event type, acking", "event_type", msg.Envelope.EventType)
			return nil
		}
	}

	groupCfg := consumergroup.WorkerTaskConfig()
	groupCfg.Tracer = a.Tracer
	groupCfg.DLQ = a.Queue
	group := consumergroup.New(a.Bus, groupCfg, dispatch, a.Logger)
	a.Shutdown.RegisterService("worker-task-consumer", func(ctx context.Context) error {
		group.Stop()
		return nil
	})

	return cmdutil.Run(ctx, a, group.Run)
}
