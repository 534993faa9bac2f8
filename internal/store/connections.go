package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// Connection is a saved source connection.
type Connection struct {
	ID        string
	Name      string
	Type      string
	Config    source.Config
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SaveConnection inserts a connection, assigning an ID if unset.
func (s *Store) SaveConnection(ctx context.Context, conn *Connection) error {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	raw, err := json.Marshal(conn.Config)
	if err != nil {
		return fmt.Errorf("failed to encode connection config: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO connections (id, name, type, config, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET type = excluded.type, config = excluded.config, updated_at = excluded.updated_at`,
		conn.ID, conn.Name, conn.Type, string(raw), now, now)
	if err != nil {
		return fmt.Errorf("failed to save connection %s: %w", conn.Name, err)
	}
	conn.CreatedAt = now
	conn.UpdatedAt = now
	return nil
}

// GetConnection fetches a connection by ID or name.
func (s *Store) GetConnection(ctx context.Context, idOrName string) (*Connection, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, config, created_at, updated_at
		FROM connections WHERE id = ? OR name = ?`, idOrName, idOrName)
	return scanConnection(row)
}

// ListConnections returns all saved connections ordered by name.
func (s *Store) ListConnections(ctx context.Context) ([]*Connection, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, config, created_at, updated_at
		FROM connections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteConnection removes a connection by ID or name.
func (s *Store) DeleteConnection(ctx context.Context, idOrName string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE id = ? OR name = ?`, idOrName, idOrName)
	if err != nil {
		return fmt.Errorf("failed to delete connection %s: %w", idOrName, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConnection(row rowScanner) (*Connection, error) {
	var c Connection
	var raw string
	err := row.Scan(&c.ID, &c.Name, &c.Type, &raw, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan connection: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &c.Config); err != nil {
		return nil, fmt.Errorf("failed to decode connection config: %w", err)
	}
	return &c, nil
}
