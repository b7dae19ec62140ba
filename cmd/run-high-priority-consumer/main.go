// Command run-high-priority-consumer runs the critical/high-priority
// consumer group: tenant-onboarded events (which kick off the supervisor's
// onboarding flow) and any event carrying critical/high priority.
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
		Use:   "run-high-priority-consumer",
		Short: "Consume critical/high-priority events and dispatch onboarding",
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
		case models.EventTenantOnboarded:
			return a.Supervisor.HandleOnboarded(ctx, msg)
		case models.EventWorkflowMetricUpdate:
			return a.Supervisor.HandleMetricUpdate(ctx, msg)
		default:
			a.Logger.Debug("high-priority consumer: no handler for event type, acking", "event_type", msg.Envelope.EventType)
			return nil
		}
	}

	groupCfg := consumergroup.ImmediateConfig()
	groupCfg.Tracer = a.Tracer
	groupCfg.DLQ = a.Queue
	group := consumergroup.New(a.Bus, groupCfg, dispatch, a.Logger)
	a.Shutdown.RegisterService("high-priority-consumer", func(ctx context.Context) error {
		group.Stop()
		return nil
	})

	return cmdutil.Run(ctx, a, group.Run)
}
