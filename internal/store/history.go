package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Query statuses recorded in history.
const (
	StatusRunning   = "running"
	StatusComplete  = "complete"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// QueryRecord is one entry of the query history.
type QueryRecord struct {
	ID             string
	ConnectionID   string
	QueryText      string
	Status         string
	Error          string
	TotalRows      sql.NullInt64
	FetchedRows    int64
	ExecutionMs    int64
	BytesProcessed int64
	CacheHit       bool
	StartedAt      time.Time
	FinishedAt     sql.NullTime
}

// RecordQuery inserts a running history entry, assigning an ID if unset.
func (s *Store) RecordQuery(ctx context.Context, rec *QueryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Status == "" {
		rec.Status = StatusRunning
	}
	rec.StartedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_history (id, connection_id, query_text, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ConnectionID, rec.QueryText, rec.Status, rec.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to record query: %w", err)
	}
	return nil
}

// FinishQuery closes a history entry with its final status and stats.
func (s *Store) FinishQuery(ctx context.Context, rec *QueryRecord) error {
	rec.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}

	res, err := s.db.ExecContext(ctx, `
		UPDATE query_history
		SET status = ?, error = ?, total_rows = ?, fetched_rows = ?,
		    execution_ms = ?, bytes_processed = ?, cache_hit = ?, finished_at = ?
		WHERE id = ?`,
		rec.Status, rec.Error, rec.TotalRows, rec.FetchedRows,
		rec.ExecutionMs, rec.BytesProcessed, rec.CacheHit, rec.FinishedAt, rec.ID)
	if err != nil {
		return fmt.Errorf("failed to finish query %s: %w", rec.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetQuery fetches one history entry.
func (s *Store) GetQuery(ctx context.Context, id string) (*QueryRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, connection_id, query_text, status, COALESCE(error, ''),
		       total_rows, fetched_rows, execution_ms, bytes_processed, cache_hit,
		       started_at, finished_at
		FROM query_history WHERE id = ?`, id)
	return scanQuery(row)
}

// ListHistory returns the most recent history entries, newest first.
func (s *Store) ListHistory(ctx context.Context, limit int) ([]*QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, connection_id, query_text, status, COALESCE(error, ''),
		       total_rows, fetched_rows, execution_ms, bytes_processed, cache_hit,
		       started_at, finished_at
		FROM query_history ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*QueryRecord
	for rows.Next() {
		rec, err := scanQuery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanQuery(row rowScanner) (*QueryRecord, error) {
	var rec QueryRecord
	err := row.Scan(&rec.ID, &rec.ConnectionID, &rec.QueryText, &rec.Status, &rec.Error,
		&rec.TotalRows, &rec.FetchedRows, &rec.ExecutionMs, &rec.BytesProcessed, &rec.CacheHit,
		&rec.StartedAt, &rec.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan query record: %w", err)
	}
	return &rec, nil
}
