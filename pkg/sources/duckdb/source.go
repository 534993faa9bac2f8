// Package duckdb provides a local DuckDB paginated source for Dataglass.
// It lets users explore local database files through the same fetch and
// display tiers used for remote warehouses.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/dataglass-labs/dataglass/pkg/source"
)

func init() {
	source.Register("duckdb", func(cfg source.Config, logger *slog.Logger) (source.Source, error) {
		s := New(logger)
		return s, s.Connect(context.Background(), cfg)
	})
}

// Source implements the source.Source interface for local DuckDB files.
type Source struct {
	source.BaseSQLSource
}

// New creates a new DuckDB source instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		BaseSQLSource: source.BaseSQLSource{Logger: logger, Engine: "duckdb"},
	}
}

// DialectName returns the SQL dialect for this source.
func (s *Source) DialectName() string {
	return "duckdb"
}

// Connect opens a DuckDB database.
// Use ":memory:" as the path for an in-memory database.
func (s *Source) Connect(ctx context.Context, cfg source.Config) error {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	s.DB = db
	s.Cfg = cfg
	return nil
}

// FetchPage executes one bounded fetch against the local database.
func (s *Source) FetchPage(ctx context.Context, query string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	return s.FetchOffsetPage(ctx, query, cursor, batchSize)
}

// Ensure Source implements the source.Source interface
var _ source.Source = (*Source)(nil)
