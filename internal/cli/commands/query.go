package commands

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/store"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// QueryOptions holds options for the query command.
type QueryOptions struct {
	Connection string
	Box        string
	Format     string
	Input      string
	Page       int
	All        bool
}

// NewQueryCommand creates the query command.
func NewQueryCommand() *cobra.Command {
	opts := &QueryOptions{}

	cmd := &cobra.Command{
		Use:   "query [SQL]",
		Short: "Run a query against a remote source and page through the result",
		Long: `Run a query against a configured source connection.

Rows are fetched in bounded batches and mirrored into the local DuckDB
store; the first display page renders as soon as the first batch lands,
while the rest of the result keeps loading in the background. In a
terminal, an interactive pager opens for navigating pages and running
column statistics.`,
		Example: `  # Run a query and page through the result interactively
  dataglass query -c warehouse "SELECT * FROM events"

  # Render one specific page and exit
  dataglass query -c warehouse --page 3 "SELECT * FROM events"

  # Fetch the complete result and emit it as CSV
  dataglass query -c warehouse --all -f csv "SELECT * FROM events" > events.csv

  # Read SQL from a file
  dataglass query -c warehouse -i report.sql`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Connection, "connection", "c", "", "Connection name (saved or from config)")
	cmd.Flags().StringVar(&opts.Box, "box", "cli", "Query box name (same box re-runs replace each other)")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "Output format: table, json, csv, md")
	cmd.Flags().StringVarP(&opts.Input, "input", "i", "", "Read SQL from file")
	cmd.Flags().IntVar(&opts.Page, "page", 0, "Display page to render (0-based)")
	cmd.Flags().BoolVar(&opts.All, "all", false, "Fetch the complete result before rendering")

	return cmd
}

func runQuery(cmd *cobra.Command, args []string, opts *QueryOptions) error {
	ctx := cmd.Context()

	sqlQuery, err := readQueryText(args, opts)
	if err != nil {
		return err
	}
	if sqlQuery == "" {
		return fmt.Errorf("no query given (pass SQL as an argument, via --input, or on stdin)")
	}

	env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.close(context.Background())

	if opts.Format == "" {
		opts.Format = env.cfg.OutputFormat
	}

	connID, src, err := env.openSource(ctx, opts.Connection)
	if err != nil {
		return err
	}

	sess, err := env.manager.Open(ctx, opts.Box, connID, src, sqlQuery)
	if err != nil {
		_ = src.Close()
		return err
	}

	rec := &store.QueryRecord{ID: sess.QueryID(), ConnectionID: connID, QueryText: sqlQuery}
	_ = env.state.RecordQuery(ctx, rec)
	defer finishRecord(env, sess)

	// Disabled pagination means everything is pulled before the first
	// render; --all asks for the same explicitly.
	if opts.All || !env.cfg.Fetch.Pagination {
		sess.Coordinator.EnsureAll()
		if err := sess.Coordinator.Wait(ctx); err != nil {
			return err
		}
		if st := sess.Coordinator.Snapshot(); st.Err != nil {
			return st.Err
		}
		if opts.All {
			return renderAll(cmd.OutOrStdout(), env, sess, opts.Format)
		}
	}

	page, err := sess.Pager.Page(ctx, opts.Page)
	if err != nil {
		// A mirrored prefix still renders; the error follows it.
		if page != nil {
			_ = renderPage(cmd.OutOrStdout(), page, opts.Format)
		}
		return err
	}

	interactive := isTerminal(os.Stdin) && isTerminal(os.Stdout) &&
		opts.Format == "table" && !cmd.Flags().Changed("page")
	if interactive {
		if err := renderPage(cmd.OutOrStdout(), page, opts.Format); err != nil {
			return err
		}
		sess.Coordinator.EnsureAll()
		return runPagerREPL(cmd, env, sess, opts.Format)
	}

	return renderPage(cmd.OutOrStdout(), page, opts.Format)
}

func readQueryText(args []string, opts *QueryOptions) (string, error) {
	switch {
	case len(args) > 0:
		return strings.Join(args, " "), nil
	case opts.Input != "":
		content, err := os.ReadFile(opts.Input)
		if err != nil {
			return "", fmt.Errorf("failed to read file: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	case !isTerminal(os.Stdin):
		content, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return strings.TrimSpace(string(content)), nil
	default:
		return "", nil
	}
}

// finishRecord closes the query's history entry from its final state.
func finishRecord(env *environment, sess *session.Session) {
	st := sess.Coordinator.Snapshot()
	stats := sess.Coordinator.Stats()

	rec := &store.QueryRecord{
		ID:             sess.QueryID(),
		FetchedRows:    st.FetchedRows,
		ExecutionMs:    stats.Elapsed.Milliseconds(),
		BytesProcessed: stats.BytesProcessed,
		CacheHit:       stats.CacheHit,
	}
	if st.TotalRows != source.TotalUnknown {
		rec.TotalRows = sql.NullInt64{Int64: st.TotalRows, Valid: true}
	}
	switch st.Phase {
	case fetch.PhaseError:
		rec.Status = store.StatusError
		if st.Err != nil {
			rec.Error = st.Err.Error()
		}
	case fetch.PhaseCancelled:
		rec.Status = store.StatusCancelled
	default:
		rec.Status = store.StatusComplete
	}
	_ = env.state.FinishQuery(context.Background(), rec)
}

// renderAll dumps the whole mirrored result.
func renderAll(w io.Writer, env *environment, sess *session.Session, format string) error {
	table := sess.Coordinator.Table()
	schema, rows, err := env.mirror.Query(context.Background(),
		fmt.Sprintf(`SELECT * FROM "%s"`, table))
	if err != nil {
		return err
	}
	return renderResults(w, schema, rows, format)
}
