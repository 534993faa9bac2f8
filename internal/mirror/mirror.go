// Package mirror provides the local analytical store that accumulates
// fetched rows. Each query box owns one mirror table; the fetch
// coordinator appends batches as they arrive, and readers (display
// pages, derived queries) query the table at any time, seeing a prefix
// of the final data while ingestion is still in progress.
package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver

	"github.com/dataglass-labs/dataglass/pkg/source"
)

// Rows appended per INSERT statement. Whole batches arrive in one Append
// call but are chunked to keep statement size bounded.
const insertChunk = 500

// IngestError marks a failure while writing fetched rows into the local
// store. It is distinct from fetch errors: the remote fetch succeeded,
// and the already-mirrored prefix remains valid and queryable.
type IngestError struct {
	Table string
	Err   error
}

func (e *IngestError) Error() string {
	return fmt.Sprintf("ingest into %s failed: %v", e.Table, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Store is a DuckDB-backed local mirror.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens a mirror store. Use ":memory:" (or empty path) for an
// in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mirror database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping mirror database: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

// Close closes the mirror database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateOrReplace creates an empty mirror table with the given schema,
// dropping any previous table of the same name.
func (s *Store) CreateOrReplace(ctx context.Context, table string, schema []source.Column) error {
	if len(schema) == 0 {
		return &IngestError{Table: table, Err: fmt.Errorf("empty schema")}
	}

	cols := make([]string, len(schema))
	for i, c := range schema {
		cols[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), duckdbType(c.Type))
	}
	stmt := fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(table), strings.Join(cols, ", "))

	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return &IngestError{Table: table, Err: err}
	}
	s.logger.Debug("created mirror table", slog.String("table", table), slog.Int("columns", len(schema)))
	return nil
}

// Append ingests one fetched batch into the mirror table. The whole
// batch goes in a single transaction: either every row of the batch
// becomes visible or none does, so readers never see a torn batch.
func (s *Store) Append(ctx context.Context, table string, rows [][]any, schema []source.Column) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &IngestError{Table: table, Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	names := make([]string, len(schema))
	for i, c := range schema {
		names[i] = quoteIdent(c.Name)
	}
	colList := strings.Join(names, ", ")

	for start := 0; start < len(rows); start += insertChunk {
		end := start + insertChunk
		if end > len(rows) {
			end = len(rows)
		}
		chunk := rows[start:end]

		placeholders := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*len(schema))
		one := "(" + strings.TrimSuffix(strings.Repeat("?,", len(schema)), ",") + ")"
		for i, row := range chunk {
			if len(row) != len(schema) {
				return &IngestError{Table: table, Err: fmt.Errorf("row has %d values, schema has %d columns", len(row), len(schema))}
			}
			placeholders[i] = one
			args = append(args, row...)
		}

		stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", quoteIdent(table), colList, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return &IngestError{Table: table, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &IngestError{Table: table, Err: err}
	}
	return nil
}

// RowCount returns the number of rows currently mirrored in table.
func (s *Store) RowCount(ctx context.Context, table string) (int64, error) {
	var n int64
	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdent(table)) //nolint:gosec // identifier is quoted
	if err := s.db.QueryRowContext(ctx, stmt).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rows in %s: %w", table, err)
	}
	return n, nil
}

// Query runs an arbitrary read query against the mirror and returns the
// result columns and rows.
func (s *Store) Query(ctx context.Context, sqlText string, args ...any) ([]source.Column, [][]any, error) {
	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("mirror query failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read column types: %w", err)
	}
	schema := make([]source.Column, len(types))
	for i, ct := range types {
		schema[i] = source.Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}

	var out [][]any
	for rows.Next() {
		values := make([]any, len(schema))
		ptrs := make([]any, len(schema))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return schema, out, nil
}

// Drop removes a mirror table. Called when a query box closes.
func (s *Store) Drop(ctx context.Context, table string) error {
	stmt := fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table))
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return nil
}

// quoteIdent double-quotes an identifier for DuckDB.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// duckdbType maps a source-reported type onto a DuckDB column type.
// Unknown types fall back to VARCHAR; DuckDB casts on read cover the
// common analytical cases.
func duckdbType(sourceType string) string {
	switch strings.ToUpper(sourceType) {
	case "INT2", "INT4", "INT8", "INTEGER", "BIGINT", "SMALLINT", "INT64":
		return "BIGINT"
	case "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "FLOAT64", "REAL", "NUMERIC", "DECIMAL", "FIXED":
		return "DOUBLE"
	case "BOOL", "BOOLEAN":
		return "BOOLEAN"
	case "DATE":
		return "DATE"
	case "TIMESTAMP", "TIMESTAMPTZ", "TIMESTAMP_NTZ", "TIMESTAMP_LTZ", "TIMESTAMP_TZ", "DATETIME":
		return "TIMESTAMP"
	default:
		return "VARCHAR"
	}
}
