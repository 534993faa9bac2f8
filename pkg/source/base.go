package source

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// BaseSQLSource provides common database/sql functionality for offset-
// paginated relational sources. Embed this struct in concrete source
// implementations to get the standard fetch, count-probe, and Close
// implementations.
type BaseSQLSource struct {
	DB     *sql.DB
	Cfg    Config
	Logger *slog.Logger
	Engine string
}

// Close closes the database connection.
func (b *BaseSQLSource) Close() error {
	if b.DB != nil {
		if b.Logger != nil {
			b.Logger.Debug("closing source connection", slog.String("engine", b.Engine))
		}
		return b.DB.Close()
	}
	return nil
}

// IsConnected returns true if the database connection is established.
func (b *BaseSQLSource) IsConnected() bool {
	return b.DB != nil
}

// CountRows runs a COUNT(*) probe over the query wrapped as a subquery.
// Issued once per query, on the first fetch, when the engine has no
// cheaper way to learn the true result-set size.
func (b *BaseSQLSource) CountRows(ctx context.Context, query string) (int64, error) {
	if b.DB == nil {
		return 0, fmt.Errorf("source connection not established")
	}

	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS subq", query)
	var total int64
	if err := b.DB.QueryRowContext(ctx, countQuery).Scan(&total); err != nil {
		return 0, b.classify(fmt.Errorf("count probe failed: %w", err))
	}
	return total, nil
}

// classify normalizes a driver error into the shared taxonomy. Timeouts
// and network failures are transient; everything else the driver reports
// is a query error.
func (b *BaseSQLSource) classify(err error) error {
	switch KindOf(err) {
	case KindTransient:
		return Transient(b.Engine, err)
	case KindCancelled:
		return Cancelled(b.Engine, err)
	default:
		return QueryFailed(b.Engine, err)
	}
}

// FetchOffsetPage implements the paginated-fetch contract for engines
// that paginate with LIMIT/OFFSET over the query as a subquery. The
// cursor carries a numeric offset; a nil cursor starts at offset 0 and
// triggers the count probe.
func (b *BaseSQLSource) FetchOffsetPage(ctx context.Context, query string, cursor *Cursor, batchSize int) (*Batch, error) {
	if b.DB == nil {
		return nil, fmt.Errorf("source connection not established")
	}

	var offset int64
	if cursor != nil {
		offset = cursor.Offset
	}

	total := TotalUnknown
	if cursor == nil {
		t, err := b.CountRows(ctx, query)
		if err != nil {
			return nil, err
		}
		total = t
	}

	start := time.Now()

	paginated := fmt.Sprintf("SELECT * FROM (%s) AS subq LIMIT %d OFFSET %d", query, batchSize, offset)
	//nolint:rowserrcheck // rows.Err() is checked after iteration below
	rows, err := b.DB.QueryContext(ctx, paginated)
	if err != nil {
		return nil, b.classify(err)
	}
	defer func() { _ = rows.Close() }()

	schema, err := scanSchema(rows)
	if err != nil {
		return nil, QueryFailed(b.Engine, err)
	}

	fetched, err := scanRows(rows, len(schema))
	if err != nil {
		return nil, QueryFailed(b.Engine, err)
	}

	nextOffset := offset + int64(len(fetched))

	// When the count probe ran, exhaustion is exact; otherwise a full
	// batch means there may be more.
	var hasMore bool
	if total != TotalUnknown {
		hasMore = nextOffset < total
	} else {
		hasMore = len(fetched) == batchSize
	}

	batch := &Batch{
		Rows:      fetched,
		Schema:    schema,
		TotalRows: total,
		HasMore:   hasMore,
		Stats:     Stats{Elapsed: time.Since(start)},
	}
	if hasMore {
		batch.NextCursor = &Cursor{Offset: nextOffset}
	}
	return batch, nil
}

// scanSchema extracts the ordered column list from a result set.
func scanSchema(rows *sql.Rows) ([]Column, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types: %w", err)
	}
	schema := make([]Column, len(types))
	for i, ct := range types {
		schema[i] = Column{Name: ct.Name(), Type: ct.DatabaseTypeName()}
	}
	return schema, nil
}

// scanRows drains a result set into row slices.
func scanRows(rows *sql.Rows, width int) ([][]any, error) {
	var out [][]any
	for rows.Next() {
		values := make([]any, width)
		ptrs := make([]any, width)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		for i, v := range values {
			// []byte values do not survive the next Scan call.
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		out = append(out, values)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return out, nil
}
