// Package source provides the paginated-fetch contract that all remote
// data sources must implement, along with the shared cursor, batch, and
// error types consumed by the fetch coordinator.
package source

import (
	"context"
	"time"
)

// Config holds the configuration for connecting to a data source.
type Config struct {
	// Type specifies the source engine ("postgres", "bigquery", "snowflake", "duckdb").
	Type string

	// Path is the file path for file-based engines (DuckDB).
	// Use ":memory:" for an in-memory database.
	Path string

	// Host is the hostname for network-based engines.
	Host string

	// Port is the port number for network-based engines.
	Port int

	// Database is the database name.
	Database string

	// Username for authentication.
	Username string

	// Password for authentication.
	Password string

	// Schema is the default schema to use.
	Schema string

	// Project is the billing project for BigQuery.
	Project string

	// Account, Warehouse, and Role are Snowflake-specific.
	Account   string
	Warehouse string
	Role      string

	// Token is a bearer token for API-based engines (BigQuery, Snowflake).
	Token string

	// BaseURL overrides the API endpoint for API-based engines. Used in tests.
	BaseURL string

	// Options contains additional driver-specific options.
	Options map[string]string
}

// Column describes one column of a result set.
type Column struct {
	// Name is the column name.
	Name string

	// Type is the source-reported data type.
	Type string
}

// Cursor marks where the next fetch should resume. A nil *Cursor means
// "start from the beginning". Token carries warehouse-style page tokens,
// Offset carries numeric offsets or partition indexes for relational
// engines, and Job carries the handle of an already-completed remote job
// so later pages skip re-execution.
type Cursor struct {
	Token  string
	Offset int64
	Job    string
}

// TotalUnknown is the TotalRows value when the source has not reported
// a true result-set size yet.
const TotalUnknown int64 = -1

// Stats carries per-fetch execution metadata reported by the source.
type Stats struct {
	// Elapsed is the wall time of this fetch call.
	Elapsed time.Duration

	// BytesProcessed is the source-reported cost, where applicable.
	BytesProcessed int64

	// CacheHit reports whether the source served the result from cache.
	CacheHit bool
}

// Batch is the result of one bounded fetch: an ordered slice of rows,
// the result schema, and continuation metadata. Batches are ephemeral;
// the coordinator merges them into the local mirror and discards them.
type Batch struct {
	// Rows holds the fetched records in result order. Each row has one
	// value per schema column.
	Rows [][]any

	// Schema lists the result columns in order.
	Schema []Column

	// TotalRows is the true remote result-set size, or TotalUnknown.
	// Only authoritative on the first call for some engines.
	TotalRows int64

	// HasMore reports whether a further fetch could return more rows.
	HasMore bool

	// NextCursor is present iff HasMore.
	NextCursor *Cursor

	// Stats carries execution time and source-reported cost.
	Stats Stats
}

// Source is the per-engine paginated-fetch contract. Implementations are
// stateless per call: the same query and cursor must return the same rows,
// so a fetch is safe to repeat after a transient failure.
type Source interface {
	// FetchPage executes one bounded fetch. batchSize is a hint, not a
	// guarantee; engines may return fewer rows per page. cursor == nil
	// requests the first page. A returned NextCursor == nil together
	// with HasMore == false means the result set is exhausted.
	FetchPage(ctx context.Context, query string, cursor *Cursor, batchSize int) (*Batch, error)

	// DialectName returns the SQL dialect name for this source.
	DialectName() string

	// Close releases resources held by the source.
	Close() error
}

// DryRunner is an optional capability: estimate the cost of a query
// without executing it.
type DryRunner interface {
	// DryRun returns the number of bytes the query would process.
	DryRun(ctx context.Context, query string) (int64, error)
}

// TokenRefresher refreshes expired credentials for a source. The fetch
// coordinator calls it exactly once when a fetch fails with an
// auth-expired error, then retries the same page once.
type TokenRefresher interface {
	// RefreshToken obtains fresh credentials and installs them on the source.
	RefreshToken(ctx context.Context) error
}
