package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dataglass-labs/dataglass/internal/analytics"
	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/store"
	"github.com/dataglass-labs/dataglass/internal/view"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("failed to write response", slog.Any("error", err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

// --- connections ---

type connectionRequest struct {
	Name   string        `json:"name"`
	Config source.Config `json:"config"`
}

type connectionResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

func (s *Server) handleSaveConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Name == "" || req.Config.Type == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("name and config.type are required"))
		return
	}
	if !source.IsRegistered(req.Config.Type) {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown source type %q", req.Config.Type))
		return
	}

	conn := &store.Connection{Name: req.Name, Type: req.Config.Type, Config: req.Config}
	if err := s.state.SaveConnection(r.Context(), conn); err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, connectionResponse{ID: conn.ID, Name: conn.Name, Type: conn.Type})
}

func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.state.ListConnections(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]connectionResponse, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionResponse{ID: c.ID, Name: c.Name, Type: c.Type})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.state.DeleteConnection(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestConnection(w http.ResponseWriter, r *http.Request) {
	var req connectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	src, err := source.New(req.Config, s.logger)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = src.Close() }()

	if _, err := src.FetchPage(r.Context(), "SELECT 1", nil, 1); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// --- queries ---

type queryRequest struct {
	Connection string `json:"connection"`
	Box        string `json:"box"`
	Query      string `json:"query"`
}

type stateResponse struct {
	QueryID             string `json:"queryId"`
	Phase               string `json:"phase"`
	Engine              string `json:"engine"`
	TotalRows           *int64 `json:"totalRows"`
	FetchedRows         int64  `json:"fetchedRows"`
	HasMoreRows         bool   `json:"hasMoreRows"`
	IsFetching          bool   `json:"isFetching"`
	IsBackgroundLoading bool   `json:"isBackgroundLoading"`
	Error               string `json:"error,omitempty"`

	ExecutionTimeMs int64 `json:"executionTimeMs"`
	BytesProcessed  int64 `json:"bytesProcessed,omitempty"`
	CacheHit        bool  `json:"cacheHit,omitempty"`
}

type pageResponse struct {
	QueryID     string   `json:"queryId"`
	PageIndex   int      `json:"pageIndex"`
	PageSize    int      `json:"pageSize"`
	Columns     []column `json:"columns"`
	Rows        [][]any  `json:"rows"`
	TotalRows   *int64   `json:"totalRows"`
	PageCount   *int     `json:"pageCount"`
	FetchedRows int64    `json:"fetchedRows"`
	HasMoreRows bool     `json:"hasMoreRows"`
	IsComplete  bool     `json:"isComplete"`

	// Error is set when the fetch failed but a mirrored prefix of the
	// page is still being returned.
	Error string `json:"error,omitempty"`
}

type column struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func stateFor(sess *session.Session) stateResponse {
	st := sess.Coordinator.Snapshot()
	stats := sess.Coordinator.Stats()

	resp := stateResponse{
		QueryID:             st.QueryID,
		Phase:               st.Phase.String(),
		Engine:              st.Engine,
		FetchedRows:         st.FetchedRows,
		HasMoreRows:         st.HasMoreRows,
		IsFetching:          st.IsFetching,
		IsBackgroundLoading: st.IsBackgroundLoading,
		ExecutionTimeMs:     stats.Elapsed.Milliseconds(),
		BytesProcessed:      stats.BytesProcessed,
		CacheHit:            stats.CacheHit,
	}
	if st.TotalRows != source.TotalUnknown {
		total := st.TotalRows
		resp.TotalRows = &total
	}
	if st.Err != nil {
		resp.Error = st.Err.Error()
	}
	return resp
}

func pageFor(sess *session.Session, p *view.Page) pageResponse {
	cols := make([]column, len(p.Schema))
	for i, c := range p.Schema {
		cols[i] = column{Name: c.Name, Type: c.Type}
	}
	rows := p.Rows
	if rows == nil {
		rows = [][]any{}
	}
	resp := pageResponse{
		QueryID:     sess.QueryID(),
		PageIndex:   p.Index,
		PageSize:    p.PageSize,
		Columns:     cols,
		Rows:        rows,
		FetchedRows: p.FetchedRows,
		HasMoreRows: p.HasMoreRows,
		IsComplete:  p.IsComplete,
	}
	if p.TotalRows != source.TotalUnknown {
		total := p.TotalRows
		resp.TotalRows = &total
	}
	if p.PageCount != view.PageCountUnknown {
		count := p.PageCount
		resp.PageCount = &count
	}
	return resp
}

func (s *Server) handleSubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	if req.Query == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("query is required"))
		return
	}

	connID, srcCfg, err := s.resolveConnection(r.Context(), req.Connection)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	src, err := source.New(srcCfg, s.logger)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	box := req.Box
	if box == "" {
		box = "adhoc"
	}
	sess, err := s.manager.Open(r.Context(), box, connID, src, req.Query)
	if err != nil {
		_ = src.Close()
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	rec := &store.QueryRecord{ID: sess.QueryID(), ConnectionID: connID, QueryText: req.Query}
	if err := s.state.RecordQuery(r.Context(), rec); err != nil {
		s.logger.Warn("failed to record query", slog.Any("error", err))
	}

	// Resolve the first page synchronously so the caller sees data
	// immediately, then drive materialization to exhaustion in the
	// background.
	page, err := sess.Pager.Page(r.Context(), 0)
	if err != nil {
		s.finishHistory(sess)
		s.writePageError(w, sess, page, err)
		return
	}
	sess.Coordinator.EnsureAll()
	go func() {
		_ = sess.Coordinator.Wait(context.Background())
		s.finishHistory(sess)
	}()

	s.writeJSON(w, http.StatusOK, pageFor(sess, page))
}

// finishHistory closes the query's history entry from its final state.
func (s *Server) finishHistory(sess *session.Session) {
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
	if err := s.state.FinishQuery(context.Background(), rec); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to finish query history", slog.Any("error", err))
	}
}

func (s *Server) handleQueryState(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown query"))
		return
	}
	s.writeJSON(w, http.StatusOK, stateFor(sess))
}

func (s *Server) handleQueryPage(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown query"))
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "page"))
	if err != nil || index < 0 {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid page index"))
		return
	}

	page, err := sess.Pager.Page(r.Context(), index)
	if err != nil {
		s.writePageError(w, sess, page, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pageFor(sess, page))
}

// writePageError reports a failed page resolution. Rows already
// mirrored for the page ride along with the error instead of being
// replaced by it.
func (s *Server) writePageError(w http.ResponseWriter, sess *session.Session, page *view.Page, err error) {
	if page == nil {
		s.writeError(w, statusForFetchError(err), err)
		return
	}
	resp := pageFor(sess, page)
	resp.Error = err.Error()
	s.writeJSON(w, statusForFetchError(err), resp)
}

func (s *Server) handleCancelQuery(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.manager.Cancel(r.Context(), id); err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	sess, ok := s.manager.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.writeJSON(w, http.StatusOK, stateFor(sess))
}

// handleColumnStats runs descriptive statistics for one column of a
// query's result. The statistics SQL runs against the remote source
// with the original query as a subquery, so figures cover the complete
// result set even while only a prefix is mirrored locally.
func (s *Server) handleColumnStats(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.manager.Get(chi.URLParam(r, "id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, fmt.Errorf("unknown query"))
		return
	}
	col := chi.URLParam(r, "column")
	st := sess.Coordinator.Snapshot()

	category := analytics.Category(r.URL.Query().Get("category"))
	if category == "" {
		for _, c := range st.Schema {
			if c.Name == col {
				category = analytics.CategoryOf(c.Type)
				break
			}
		}
	}
	if category == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("unknown column %q", col))
		return
	}

	var groupBy []string
	if g := r.URL.Query().Get("group_by"); g != "" {
		groupBy = strings.Split(g, ",")
	}

	stmt, err := analytics.Build(col, category, st.Engine, analytics.Target{Query: st.Query}, groupBy)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	batch, err := sess.Source().FetchPage(r.Context(), stmt, nil, s.cfg.Fetch.BatchSize)
	if err != nil {
		s.writeError(w, statusForFetchError(err), err)
		return
	}

	cols := make([]column, len(batch.Schema))
	for i, c := range batch.Schema {
		cols[i] = column{Name: c.Name, Type: c.Type}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"column":   col,
		"category": category,
		"sql":      stmt,
		"columns":  cols,
		"rows":     batch.Rows,
	})
}

// --- dry run ---

type dryRunRequest struct {
	Connection string `json:"connection"`
	Query      string `json:"query"`
}

func (s *Server) handleDryRun(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}

	_, srcCfg, err := s.resolveConnection(r.Context(), req.Connection)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	src, err := source.New(srcCfg, s.logger)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	defer func() { _ = src.Close() }()

	runner, ok := src.(source.DryRunner)
	if !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("source %q does not support dry runs", srcCfg.Type))
		return
	}
	bytes, err := runner.DryRun(r.Context(), req.Query)
	if err != nil {
		s.writeError(w, statusForFetchError(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"bytesProcessed": bytes})
}

// --- history ---

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	records, err := s.state.ListHistory(r.Context(), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}

	type historyEntry struct {
		ID              string `json:"id"`
		ConnectionID    string `json:"connectionId"`
		Query           string `json:"query"`
		Status          string `json:"status"`
		Error           string `json:"error,omitempty"`
		TotalRows       *int64 `json:"totalRows"`
		FetchedRows     int64  `json:"fetchedRows"`
		ExecutionTimeMs int64  `json:"executionTimeMs"`
		BytesProcessed  int64  `json:"bytesProcessed,omitempty"`
		CacheHit        bool   `json:"cacheHit,omitempty"`
	}
	out := make([]historyEntry, 0, len(records))
	for _, rec := range records {
		e := historyEntry{
			ID:              rec.ID,
			ConnectionID:    rec.ConnectionID,
			Query:           rec.QueryText,
			Status:          rec.Status,
			Error:           rec.Error,
			FetchedRows:     rec.FetchedRows,
			ExecutionTimeMs: rec.ExecutionMs,
			BytesProcessed:  rec.BytesProcessed,
			CacheHit:        rec.CacheHit,
		}
		if rec.TotalRows.Valid {
			total := rec.TotalRows.Int64
			e.TotalRows = &total
		}
		out = append(out, e)
	}
	s.writeJSON(w, http.StatusOK, out)
}

// resolveConnection finds a connection by name: saved connections
// first, then the config file's connections block.
func (s *Server) resolveConnection(ctx context.Context, name string) (string, source.Config, error) {
	if name == "" {
		return "", source.Config{}, fmt.Errorf("connection is required")
	}
	if conn, err := s.state.GetConnection(ctx, name); err == nil {
		return conn.ID, conn.Config, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", source.Config{}, err
	}
	if conn, ok := s.cfg.Connection(name); ok {
		return conn.Name, conn.SourceConfig(), nil
	}
	return "", source.Config{}, fmt.Errorf("unknown connection %q", name)
}

// statusForFetchError maps the fetch error taxonomy onto HTTP statuses.
func statusForFetchError(err error) int {
	var ingest *mirror.IngestError
	if errors.As(err, &ingest) {
		return http.StatusInternalServerError
	}
	switch source.KindOf(err) {
	case source.KindAuthExpired:
		return http.StatusUnauthorized
	case source.KindCancelled:
		return http.StatusConflict
	case source.KindTransient:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}
