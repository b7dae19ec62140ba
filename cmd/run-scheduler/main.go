// Command run-scheduler drives periodic work: dead-letter reprocessing,
// stale-thread abandonment, the in-process scheduled-action queue, and the
// scheduled-tasks consumer group that dispatches timer-delivered worker
// tasks the same way the worker-task consumer dispatches on-demand ones.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/outreach-orchestrator/runtime/internal/bus"
	"github.com/outreach-orchestrator/runtime/internal/cmdutil"
	"github.com/outreach-orchestrator/runtime/internal/consumergroup"
	"github.com/outreach-orchestrator/runtime/internal/jobqueue"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run-scheduler",
		Short: "Drive periodic job enqueues, DLQ reprocessing, and thread sweeps",
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

	sched := jobqueue.NewScheduler(a.Logger)
	if err := sched.AddJob("reprocess-dead-letters", "0 * * * * *", func(ctx context.Context) error {
		reprocessed, skipped, err := a.Queue.ReprocessDeadLetters(ctx, 50, 1)
		if err != nil {
			return err
		}
		a.Logger.Info("scheduler: dead letters reprocessed", "reprocessed", reprocessed, "skipped", skipped)
		return nil
	}); err != nil {
		return fmt.Errorf("add dead-letter job: %w", err)
	}
	if err := sched.AddJob("abandon-stale-threads", "0 */5 * * * *", func(ctx context.Context) error {
		cutoff := time.Now().Add(-a.Config.TimeCompression.Compress(72 * time.Hour))
		n, err := a.Threads.AbandonStale(ctx, cutoff)
		if err != nil {
			return err
		}
		a.Logger.Info("scheduler: stale threads abandoned", "count", n)
		return nil
	}); err != nil {
		return fmt.Errorf("add stale-thread job: %w", err)
	}

	dispatch := func(ctx context.Context, msg bus.Delivered) error {
		return a.WorkerExecutor.Handle(ctx, msg)
	}
	groupCfg := consumergroup.ScheduledConfig()
	groupCfg.Tracer = a.Tracer
	groupCfg.DLQ = a.Queue
	group := consumergroup.New(a.Bus, groupCfg, dispatch, a.Logger)

	a.Shutdown.RegisterService("scheduler", func(ctx context.Context) error {
		sched.Stop(ctx)
		group.Stop()
		return nil
	})

	return cmdutil.Run(ctx, a, func(ctx context.Context) error {
		sched.Start()
		go a.Queue.Run(ctx)
		return group.Run(ctx)
	})
}
