// Command run-ingress hosts the event-intake HTTP surface: the admin API
// and channel-provider webhooks, plus health and metrics. It holds no
// bus subscriptions of its own; internal/ingress publishes onto the bus,
// the other three daemons consume from there.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/outreach-orchestrator/runtime/internal/cmdutil"
	"github.com/outreach-orchestrator/runtime/internal/httpapi"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run-ingress",
		Short: "Serve event intake (admin API, webhooks, health, metrics)",
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

	server := httpapi.New(a.Ingress, a.PingDatabase, a.PingCache, a.Logger)
	addr := fmt.Sprintf("%s:%d", a.Config.HTTP.Host, a.Config.HTTP.Port)
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	a.Shutdown.RegisterService("http-server", func(ctx context.Context) error {
		return httpServer.Shutdown(ctx)
	})

	return cmdutil.Run(ctx, a, func(ctx context.Context) error {
		a.Logger.Info("run-ingress listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
}
