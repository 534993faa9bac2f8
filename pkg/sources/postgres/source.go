// Package postgres provides a PostgreSQL paginated source for Dataglass.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver

	"github.com/dataglass-labs/dataglass/pkg/source"
)

func init() {
	source.Register("postgres", func(cfg source.Config, logger *slog.Logger) (source.Source, error) {
		s := New(logger)
		return s, s.Connect(context.Background(), cfg)
	})
}

// Source implements the source.Source interface for PostgreSQL using
// LIMIT/OFFSET pagination with a COUNT(*) probe on the first fetch.
type Source struct {
	source.BaseSQLSource
}

// New creates a new PostgreSQL source instance.
// If logger is nil, a discard logger is used.
func New(logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Source{
		BaseSQLSource: source.BaseSQLSource{Logger: logger, Engine: "postgres"},
	}
}

// DialectName returns the SQL dialect for this source.
func (s *Source) DialectName() string {
	return "postgres"
}

// Connect establishes a connection to PostgreSQL.
func (s *Source) Connect(ctx context.Context, cfg source.Config) error {
	dsn := buildDSN(cfg)

	s.Logger.Debug("connecting to postgres", slog.String("host", cfg.Host), slog.String("database", cfg.Database))

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}

	s.DB = db
	s.Cfg = cfg
	return nil
}

// FetchPage executes one bounded fetch against the remote result set.
func (s *Source) FetchPage(ctx context.Context, query string, cursor *source.Cursor, batchSize int) (*source.Batch, error) {
	return s.FetchOffsetPage(ctx, query, cursor, batchSize)
}

// buildDSN constructs a PostgreSQL connection string.
func buildDSN(cfg source.Config) string {
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}

	port := cfg.Port
	if port == 0 {
		port = 5432
	}

	sslmode := "prefer"
	if cfg.Options != nil {
		if mode, ok := cfg.Options["sslmode"]; ok {
			sslmode = mode
		}
	}

	dsn := fmt.Sprintf("host=%s port=%d dbname=%s sslmode=%s",
		host, port, cfg.Database, sslmode)

	if cfg.Username != "" {
		dsn += fmt.Sprintf(" user=%s", cfg.Username)
	}
	if cfg.Password != "" {
		dsn += fmt.Sprintf(" password=%s", cfg.Password)
	}

	return dsn
}

// Ensure Source implements the source.Source interface
var _ source.Source = (*Source)(nil)
