// Package session tracks the live query boxes of one Dataglass
// instance. Each box owns at most one fetch coordinator at a time; a
// re-run cancels and drains the previous coordinator before its mirror
// table name is handed to the new one, so a stale loop can never merge
// batches into a reassigned table.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/internal/view"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// Session is one query box's live query: a coordinator, its pager, and
// the source it fetches from.
type Session struct {
	Box         string
	Coordinator *fetch.Coordinator
	Pager       *view.Pager

	src source.Source
}

// QueryID returns the session's query identity.
func (s *Session) QueryID() string { return s.Coordinator.QueryID() }

// Source returns the session's source, for sibling analytics queries.
func (s *Session) Source() source.Source { return s.src }

// Manager owns the box-to-session mapping.
type Manager struct {
	mirror   *mirror.Store
	notifier *notify.Notifier
	logger   *slog.Logger
	fetchCfg fetch.Config
	pageSize int

	mu      sync.Mutex
	byBox   map[string]*Session
	byQuery map[string]*Session
}

// NewManager creates a session manager.
func NewManager(store *mirror.Store, notifier *notify.Notifier, logger *slog.Logger, fetchCfg fetch.Config, pageSize int) *Manager {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		mirror:   store,
		notifier: notifier,
		logger:   logger,
		fetchCfg: fetchCfg,
		pageSize: pageSize,
		byBox:    make(map[string]*Session),
		byQuery:  make(map[string]*Session),
	}
}

// Open starts a query in the named box. Any previous query in the same
// box is cancelled and fully drained first, then its table is replaced
// by the new query's first batch.
func (m *Manager) Open(ctx context.Context, box, connectionID string, src source.Source, query string) (*Session, error) {
	m.mu.Lock()
	prev := m.byBox[box]
	m.mu.Unlock()

	if prev != nil {
		prev.Coordinator.Cancel()
		if err := prev.Coordinator.Wait(ctx); err != nil {
			return nil, fmt.Errorf("failed to drain previous query in box %s: %w", box, err)
		}
		_ = prev.src.Close()
	}

	queryID := uuid.New().String()
	coord := fetch.NewCoordinator(fetch.Options{
		QueryID:      queryID,
		Table:        TableName(box),
		Query:        query,
		ConnectionID: connectionID,
		Source:       src,
		Mirror:       m.mirror,
		Notifier:     m.notifier,
		Logger:       m.logger,
		Config:       m.fetchCfg,
	})

	sess := &Session{
		Box:         box,
		Coordinator: coord,
		Pager:       view.NewPager(coord, m.mirror, m.pageSize),
		src:         src,
	}

	m.mu.Lock()
	m.byBox[box] = sess
	if prev != nil {
		delete(m.byQuery, prev.QueryID())
	}
	m.byQuery[queryID] = sess
	m.mu.Unlock()

	m.logger.Info("query opened",
		slog.String("box", box),
		slog.String("query_id", queryID),
		slog.String("engine", src.DialectName()))
	return sess, nil
}

// Get returns a session by query ID.
func (m *Manager) Get(queryID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byQuery[queryID]
	return s, ok
}

// GetBox returns a session by box name.
func (m *Manager) GetBox(box string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byBox[box]
	return s, ok
}

// Cancel cancels the fetch of a query without closing its box; already
// mirrored rows stay queryable.
func (m *Manager) Cancel(ctx context.Context, queryID string) error {
	sess, ok := m.Get(queryID)
	if !ok {
		return fmt.Errorf("unknown query %s", queryID)
	}
	sess.Coordinator.Cancel()
	return sess.Coordinator.Wait(ctx)
}

// Close tears down a box: cancels its fetch, drains the loop, drops the
// mirror table, and closes the source.
func (m *Manager) Close(ctx context.Context, box string) error {
	m.mu.Lock()
	sess := m.byBox[box]
	delete(m.byBox, box)
	if sess != nil {
		delete(m.byQuery, sess.QueryID())
	}
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	sess.Coordinator.Cancel()
	if err := sess.Coordinator.Wait(ctx); err != nil {
		return err
	}
	if err := m.mirror.Drop(ctx, sess.Coordinator.Table()); err != nil {
		m.logger.Warn("failed to drop mirror table", slog.String("box", box), slog.Any("error", err))
	}
	return sess.src.Close()
}

// CloseAll tears down every box, keeping the first error.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	boxes := make([]string, 0, len(m.byBox))
	for box := range m.byBox {
		boxes = append(boxes, box)
	}
	m.mu.Unlock()

	var firstErr error
	for _, box := range boxes {
		if err := m.Close(ctx, box); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TableName derives the mirror table name for a box.
func TableName(box string) string {
	var b strings.Builder
	b.WriteString("results_")
	for _, r := range box {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
