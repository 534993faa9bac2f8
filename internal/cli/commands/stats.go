package commands

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dataglass-labs/dataglass/internal/analytics"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// StatsOptions holds options for the stats command.
type StatsOptions struct {
	Connection string
	Query      string
	Table      string
	Category   string
	GroupBy    []string
	Format     string
}

// NewStatsCommand creates the stats command.
func NewStatsCommand() *cobra.Command {
	opts := &StatsOptions{}

	cmd := &cobra.Command{
		Use:   "stats <column>...",
		Short: "Run descriptive statistics for columns of a query or table",
		Long: `Build and run dialect-correct descriptive statistics against a source.

Numeric columns get min/max/avg/stddev, temporal columns min/max and a
distinct count, text and boolean columns a value-frequency distribution.
The statistics SQL runs against the remote source (wrapping --query as a
subquery when given), so figures cover the complete result set.`,
		Example: `  # Numeric column stats over a query result
  dataglass stats -c warehouse -q "SELECT * FROM orders WHERE year = 2026" amount

  # Several columns at once, against a table
  dataglass stats -c warehouse -t orders amount status created_at

  # Frequency of status values per region
  dataglass stats -c warehouse -t orders status --group-by region`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd, args, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Connection, "connection", "c", "", "Connection name")
	cmd.Flags().StringVarP(&opts.Query, "query", "q", "", "Query text to wrap as the statistics base")
	cmd.Flags().StringVarP(&opts.Table, "table", "t", "", "Table to run statistics against")
	cmd.Flags().StringVar(&opts.Category, "category", "", "Force a type category: numeric, temporal, text, boolean")
	cmd.Flags().StringSliceVar(&opts.GroupBy, "group-by", nil, "Columns to group statistics by")
	cmd.Flags().StringVarP(&opts.Format, "format", "f", "", "Output format: table, json, csv, md")

	return cmd
}

func runStats(cmd *cobra.Command, columns []string, opts *StatsOptions) error {
	ctx := cmd.Context()

	if (opts.Query == "") == (opts.Table == "") {
		return fmt.Errorf("exactly one of --query or --table is required")
	}

	env, err := openEnvironment(ctx)
	if err != nil {
		return err
	}
	defer env.close(context.Background())

	if opts.Format == "" {
		opts.Format = env.cfg.OutputFormat
	}

	_, src, err := env.openSource(ctx, opts.Connection)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	target := analytics.Target{Table: opts.Table, Query: opts.Query}
	dialect := src.DialectName()

	// Category detection needs a schema; probe with one row unless the
	// caller forced a category.
	var schema []source.Column
	if opts.Category == "" {
		probe := opts.Query
		if probe == "" {
			probe = fmt.Sprintf("SELECT * FROM %s", opts.Table)
		}
		batch, err := src.FetchPage(ctx, probe, nil, 1)
		if err != nil {
			return fmt.Errorf("failed to probe schema: %w", err)
		}
		schema = batch.Schema
	}

	type result struct {
		column string
		schema []source.Column
		rows   [][]any
	}

	var mu sync.Mutex
	results := make(map[string]result)

	eg, egctx := errgroup.WithContext(ctx)
	for _, col := range columns {
		eg.Go(func() error {
			category := analytics.Category(opts.Category)
			if category == "" {
				for _, c := range schema {
					if c.Name == col {
						category = analytics.CategoryOf(c.Type)
						break
					}
				}
			}
			if category == "" {
				return fmt.Errorf("unknown column %q", col)
			}

			stmt, err := analytics.Build(col, category, dialect, target, opts.GroupBy)
			if err != nil {
				return err
			}
			batch, err := src.FetchPage(egctx, stmt, nil, env.cfg.Fetch.BatchSize)
			if err != nil {
				return fmt.Errorf("statistics for %s failed: %w", col, err)
			}

			mu.Lock()
			results[col] = result{column: col, schema: batch.Schema, rows: batch.Rows}
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	out := cmd.OutOrStdout()
	for _, name := range names {
		r := results[name]
		_, _ = fmt.Fprintf(out, "%s:\n", r.column)
		if err := renderResults(out, r.schema, r.rows, opts.Format); err != nil {
			return err
		}
	}
	return nil
}
