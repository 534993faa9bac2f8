// Package snowflake provides a Snowflake paginated source for Dataglass.
//
// It talks to the Snowflake SQL API: a statement is submitted once, the
// server splits the result into partitions, and continuation fetches
// individual partitions of the finished statement. Statements still
// executing come back as 202 and are polled with capped exponential
// backoff. Partition sizes are server-determined, so batchSize is only a
// hint here.
package snowflake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dataglass-labs/dataglass/pkg/source"
)

const (
	pollBase = 500 * time.Millisecond
	pollCap  = 8 * time.Second
)

var errStatementRunning = errors.New("snowflake: statement still executing")

func init() {
	source.Register("snowflake", func(cfg source.Config, logger *slog.Logger) (source.Source, error) {
		return New(cfg, logger), nil
	})
}

// Source implements the source.Source interface for Snowflake.
type Source struct {
	cfg     source.Config
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	token   string

	// RefreshFunc obtains a fresh token when the current one has expired.
	RefreshFunc func(ctx context.Context) (string, error)
}

// New creates a new Snowflake source instance.
// If logger is nil, a discard logger is used.
func New(cfg source.Config, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.snowflakecomputing.com", cfg.Account)
	}
	return &Source{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{},
		logger:  logger,
		token:   cfg.Token,
	}
}

// DialectName returns the SQL dialect for this source.
func (s *Source) DialectName() string {
	return "snowflake"
}

// Close releases resources held by the source.
func (s *Source) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

// RefreshToken obtains fresh credentials via the configured refresh hook.
func (s *Source) RefreshToken(ctx context.Context) error {
	if s.RefreshFunc == nil {
		return fmt.Errorf("snowflake: no token refresh configured")
	}
	token, err := s.RefreshFunc(ctx)
	if err != nil {
		return fmt.Errorf("snowflake: token refresh failed: %w", err)
	}
	s.token = token
	return nil
}

// statementRequest is the SQL API submit body.
type statementRequest struct {
	Statement string `json:"statement"`
	Timeout   int    `json:"timeout,omitempty"`
	Database  string `json:"database,omitempty"`
	Schema    string `json:"schema,omitempty"`
	Warehouse string `json:"warehouse,omitempty"`
	Role      string `json:"role,omitempty"`
}

// statementResponse is the SQL API result shape (submit and partition
// fetch share it).
type statementResponse struct {
	StatementHandle   string `json:"statementHandle"`
	Message           string `json:"message"`
	Code              string `json:"code"`
	ResultSetMetaData struct {
		NumRows       int64 `json:"numRows"`
		PartitionInfo []struct {
			RowCount int64 `json:"rowCount"`
		} `json:"partitionInfo"`
		RowType []struct {
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"rowType"`
	} `json:"resultSetMetaData"`
	Data [][]any `json:"data"`
}

// FetchPage executes one bounded fetch. The first call submits the
// statement and returns partition 0; later calls fetch the partition
// indexed by the cursor.
func (s *Source) FetchPage(ctx context.Context, query string, cursor *source.Cursor, _ int) (*source.Batch, error) {
	start := time.Now()

	var resp *statementResponse
	var err error
	var partitions int64
	if cursor == nil {
		resp, err = s.submit(ctx, query)
		if err != nil {
			return nil, err
		}
		partitions = int64(len(resp.ResultSetMetaData.PartitionInfo))
		if partitions == 0 {
			partitions = 1
		}
	} else {
		resp, err = s.fetchPartition(ctx, cursor.Job, cursor.Offset)
		if err != nil {
			return nil, err
		}
		partitions, _ = strconv.ParseInt(cursor.Token, 10, 64)
	}

	schema := make([]source.Column, len(resp.ResultSetMetaData.RowType))
	for i, rt := range resp.ResultSetMetaData.RowType {
		schema[i] = source.Column{Name: rt.Name, Type: rt.Type}
	}

	total := source.TotalUnknown
	if cursor == nil {
		// numRows is authoritative on the submit response.
		total = resp.ResultSetMetaData.NumRows
	}

	var partition int64
	if cursor != nil {
		partition = cursor.Offset
	}
	hasMore := partition+1 < partitions

	batch := &source.Batch{
		Rows:      resp.Data,
		Schema:    schema,
		TotalRows: total,
		HasMore:   hasMore,
		Stats:     source.Stats{Elapsed: time.Since(start)},
	}
	if hasMore {
		batch.NextCursor = &source.Cursor{
			Job:    resp.StatementHandle,
			Offset: partition + 1,
			Token:  strconv.FormatInt(partitions, 10),
		}
		if batch.NextCursor.Job == "" && cursor != nil {
			batch.NextCursor.Job = cursor.Job
		}
	}
	return batch, nil
}

// submit posts the statement and polls while the server reports 202.
func (s *Source) submit(ctx context.Context, query string) (*statementResponse, error) {
	body := statementRequest{
		Statement: query,
		Timeout:   60,
		Database:  s.cfg.Database,
		Schema:    s.cfg.Schema,
		Warehouse: s.cfg.Warehouse,
		Role:      s.cfg.Role,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	u := s.baseURL + "/api/v2/statements"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, status, err := s.do(req)
	if err != nil {
		return nil, err
	}
	if status == http.StatusOK {
		return resp, nil
	}

	// 202: statement still executing, poll the handle until it resolves.
	handle := resp.StatementHandle
	s.logger.Debug("snowflake statement still executing, polling", slog.String("handle", handle))

	backoff := retry.WithCappedDuration(pollCap, retry.NewExponential(pollBase))
	var polled *statementResponse
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		r, st, perr := s.get(ctx, fmt.Sprintf("%s/api/v2/statements/%s", s.baseURL, url.PathEscape(handle)))
		if perr != nil {
			return perr
		}
		if st == http.StatusAccepted {
			return retry.RetryableError(errStatementRunning)
		}
		polled = r
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, source.Cancelled("snowflake", err)
		}
		return nil, err
	}
	return polled, nil
}

// fetchPartition retrieves one partition of a finished statement.
func (s *Source) fetchPartition(ctx context.Context, handle string, partition int64) (*statementResponse, error) {
	u := fmt.Sprintf("%s/api/v2/statements/%s?partition=%d", s.baseURL, url.PathEscape(handle), partition)
	resp, _, err := s.get(ctx, u)
	return resp, err
}

func (s *Source) get(ctx context.Context, u string) (*statementResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, status, err := s.do(req)
	return resp, status, err
}

// do executes the request and decodes the shared response shape.
// Returns the HTTP status so callers can distinguish 200 from 202.
func (s *Source) do(req *http.Request) (*statementResponse, int, error) {
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Accept", "application/json")

	httpResp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, 0, source.Cancelled("snowflake", err)
		}
		return nil, 0, source.Transient("snowflake", err)
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode != http.StatusOK && httpResp.StatusCode != http.StatusAccepted {
		return nil, httpResp.StatusCode, s.classifyStatus(httpResp)
	}

	var out statementResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&out); err != nil {
		return nil, httpResp.StatusCode, fmt.Errorf("snowflake: failed to decode response: %w", err)
	}
	return &out, httpResp.StatusCode, nil
}

// classifyStatus maps an HTTP error response onto the shared taxonomy.
func (s *Source) classifyStatus(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	msg := resp.Status
	var body statementResponse
	if jerr := json.Unmarshal(raw, &body); jerr == nil && body.Message != "" {
		msg = body.Message
	}
	err := fmt.Errorf("snowflake API: %s", msg)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return source.AuthExpired("snowflake", err)
	case resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode >= http.StatusInternalServerError:
		return source.Transient("snowflake", err)
	default:
		// 422 carries SQL compile and runtime errors.
		return source.QueryFailed("snowflake", err)
	}
}

// Ensure Source implements the contract plus the refresh capability
var (
	_ source.Source         = (*Source)(nil)
	_ source.TokenRefresher = (*Source)(nil)
)
