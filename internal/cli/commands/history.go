package commands

import (
	"context"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent query history",
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := openEnvironment(cmd.Context())
			if err != nil {
				return err
			}
			defer env.close(context.Background())

			records, err := env.state.ListHistory(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				_, _ = cmd.OutOrStdout().Write([]byte("No queries recorded\n"))
				return nil
			}

			t := table.NewWriter()
			t.SetOutputMirror(cmd.OutOrStdout())
			t.SetStyle(table.StyleLight)
			t.AppendHeader(table.Row{"Started", "Status", "Rows", "Time (ms)", "Query"})
			for _, rec := range records {
				total := "?"
				if rec.TotalRows.Valid {
					total = strconv.FormatInt(rec.TotalRows.Int64, 10)
				}
				query := rec.QueryText
				if len(query) > 60 {
					query = query[:57] + "..."
				}
				t.AppendRow(table.Row{
					rec.StartedAt.Format("2006-01-02 15:04:05"),
					rec.Status,
					total,
					rec.ExecutionMs,
					query,
				})
			}
			t.Render()
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries to show")
	return cmd
}
