package commands

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/dataglass-labs/dataglass/internal/store"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// NewConnectionsCommand creates the connections command group.
func NewConnectionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connections",
		Short: "Manage saved source connections",
	}
	cmd.AddCommand(newConnectionsAddCommand())
	cmd.AddCommand(newConnectionsListCommand())
	cmd.AddCommand(newConnectionsRemoveCommand())
	cmd.AddCommand(newConnectionsTestCommand())
	return cmd
}

func newConnectionsAddCommand() *cobra.Command {
	var cfg source.Config

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Save a source connection",
		Example: `  dataglass connections add warehouse --type bigquery --project acme-analytics --token $TOKEN
  dataglass connections add app --type postgres --host db.internal --database appdb --username app --password $PGPASS
  dataglass connections add local --type duckdb --path ./analytics.duckdb`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !source.IsRegistered(cfg.Type) {
				return fmt.Errorf("unknown source type %q (available: %v)", cfg.Type, source.List())
			}

			env, err := openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			conn := &store.Connection{Name: args[0], Type: cfg.Type, Config: cfg}
			if err := env.state.SaveConnection(cmd.Context(), conn); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Saved connection %s (%s)\n", conn.Name, conn.Type)
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.Type, "type", "", "Source type: postgres, bigquery, snowflake, duckdb")
	cmd.Flags().StringVar(&cfg.Host, "host", "", "Host name")
	cmd.Flags().IntVar(&cfg.Port, "db-port", 0, "Port")
	cmd.Flags().StringVar(&cfg.Database, "database", "", "Database name")
	cmd.Flags().StringVar(&cfg.Username, "username", "", "User name")
	cmd.Flags().StringVar(&cfg.Password, "password", "", "Password")
	cmd.Flags().StringVar(&cfg.Schema, "schema", "", "Schema name")
	cmd.Flags().StringVar(&cfg.Project, "project", "", "Project (bigquery)")
	cmd.Flags().StringVar(&cfg.Account, "account", "", "Account (snowflake)")
	cmd.Flags().StringVar(&cfg.Warehouse, "warehouse", "", "Warehouse (snowflake)")
	cmd.Flags().StringVar(&cfg.Role, "role", "", "Role (snowflake)")
	cmd.Flags().StringVar(&cfg.Token, "token", "", "API token")
	cmd.Flags().StringVar(&cfg.Path, "path", "", "Database file path (duckdb)")
	_ = cmd.MarkFlagRequired("type")

	return cmd
}

func newConnectionsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List saved connections",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			conns, err := env.state.ListConnections(cmd.Context())
			if err != nil {
				return err
			}
			if len(conns) == 0 && len(env.cfg.Connections) == 0 {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "No connections configured")
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Name", "Type", "Origin"})
			for _, c := range conns {
				t.AppendRow(table.Row{c.Name, c.Type, "saved"})
			}
			for _, c := range env.cfg.Connections {
				t.AppendRow(table.Row{c.Name, c.Type, "config"})
			}
			t.Render()
			return nil
		},
	}
}

func newConnectionsRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a saved connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			if err := env.state.DeleteConnection(cmd.Context(), args[0]); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed connection %s\n", args[0])
			return nil
		},
	}
}

func newConnectionsTestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "test <name>",
		Short: "Test a connection by running a trivial query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			_, src, err := env.openSource(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			if _, err := src.FetchPage(cmd.Context(), "SELECT 1", nil, 1); err != nil {
				return fmt.Errorf("connection test failed: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Connection %s OK\n", args[0])
			return nil
		},
	}
}
