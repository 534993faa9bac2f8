package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dataglass-labs/dataglass/internal/server"
)

// NewServeCommand creates the serve command.
func NewServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Dataglass API server",
		Long: `Start the HTTP API server.

The API exposes connection management, query submission, display-tier
pages, fetch progress, cancellation, and column statistics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			env, err := openEnvironment(ctx)
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			if cmd.Flags().Changed("port") {
				env.cfg.Server.Port, _ = cmd.Flags().GetInt("port")
			}
			if cmd.Flags().Changed("host") {
				env.cfg.Server.Host, _ = cmd.Flags().GetString("host")
			}

			srv := server.New(server.Options{
				Config:   env.cfg,
				Manager:  env.manager,
				State:    env.state,
				Notifier: env.notifier,
				Logger:   env.logger,
			})
			return srv.Serve(ctx)
		},
	}

	cmd.Flags().Int("port", 0, "Port to listen on")
	cmd.Flags().String("host", "", "Host to bind")
	return cmd
}
