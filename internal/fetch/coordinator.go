package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/internal/notify"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// ErrCancelled is returned by Ensure calls on a cancelled coordinator.
var ErrCancelled = errors.New("fetch cancelled")

// targetAll marks an unbounded target: fetch until the source is
// exhausted.
const targetAll int64 = -1

// Config holds fetch tuning knobs, typically from the loaded config.
type Config struct {
	// BatchSize is the per-call fetch bound handed to the source.
	BatchSize int

	// MaxRetries bounds retry attempts for transient errors.
	MaxRetries uint64

	// RetryBase and RetryCap shape the exponential backoff between
	// transient retries.
	RetryBase time.Duration
	RetryCap  time.Duration

	// CallTimeout bounds a single FetchPage call. Zero means no bound
	// beyond the coordinator's lifetime.
	CallTimeout time.Duration
}

// Options assembles a Coordinator's collaborators and identity.
type Options struct {
	QueryID      string
	Table        string
	Query        string
	ConnectionID string
	Source       source.Source
	Mirror       *mirror.Store
	Notifier     *notify.Notifier
	Logger       *slog.Logger
	Config       Config
}

// Coordinator drives the incremental materialization of one query: it
// pulls batches from the source and appends them to the mirror table,
// strictly in order. All fetching happens on a single internal loop
// goroutine, so at most one FetchPage call is ever in flight and a
// batch is always merged before the next fetch starts. Public methods
// only adjust the fetch target and observe progress.
type Coordinator struct {
	queryID      string
	table        string
	query        string
	connectionID string
	src          source.Source
	mirror       *mirror.Store
	notifier     *notify.Notifier
	logger       *slog.Logger
	cfg          Config

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	phase       Phase
	err         error
	schema      []source.Column
	cursor      *source.Cursor
	totalRows   int64
	fetched     int64
	hasMore     bool
	target      int64 // rows wanted locally; only ever grows; targetAll = all
	background  bool
	tableExists bool
	stats       source.Stats
	loopDone    chan struct{} // nil when the loop is not running
	progress    chan struct{} // closed and replaced on every state change
}

// NewCoordinator creates an idle coordinator. Nothing is fetched until
// EnsureRows or EnsureAll is called.
func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	cfg := opts.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 9000
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		queryID:      opts.QueryID,
		table:        opts.Table,
		query:        opts.Query,
		connectionID: opts.ConnectionID,
		src:          opts.Source,
		mirror:       opts.Mirror,
		notifier:     opts.Notifier,
		logger:       logger.With(slog.String("query_id", opts.QueryID)),
		cfg:          cfg,
		ctx:          ctx,
		cancel:       cancel,
		phase:        PhaseIdle,
		totalRows:    source.TotalUnknown,
		hasMore:      true,
		progress:     make(chan struct{}),
	}
}

// QueryID returns the coordinator's query identity.
func (c *Coordinator) QueryID() string { return c.queryID }

// Table returns the mirror table this coordinator owns.
func (c *Coordinator) Table() string { return c.table }

// Snapshot returns the current fetch state.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		QueryID:             c.queryID,
		Table:               c.table,
		Engine:              c.src.DialectName(),
		Query:               c.query,
		ConnectionID:        c.connectionID,
		Schema:              c.schema,
		TotalRows:           c.totalRows,
		FetchedRows:         c.fetched,
		HasMoreRows:         c.hasMore,
		Phase:               c.phase,
		IsFetching:          c.loopDone != nil,
		IsBackgroundLoading: c.background && c.loopDone != nil,
		Err:                 c.err,
	}
}

// Stats returns the accumulated fetch statistics: total time spent in
// source calls plus the per-query figures the source reports (bytes
// processed, cache hit).
func (c *Coordinator) Stats() source.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// EnsureRows blocks until at least n rows are mirrored locally, the
// source is exhausted, or the coordinator fails or is cancelled.
// Calling it for an already-covered bound returns immediately without
// any fetching; concurrent callers share the same in-flight work.
func (c *Coordinator) EnsureRows(ctx context.Context, n int64) error {
	for {
		c.mu.Lock()
		// Covered bounds resolve from the local prefix even after a
		// terminal error; the mirrored rows stay valid.
		if c.fetched >= n || !c.hasMore {
			c.mu.Unlock()
			return nil
		}
		switch c.phase {
		case PhaseError:
			err := c.err
			c.mu.Unlock()
			return err
		case PhaseCancelled:
			c.mu.Unlock()
			return ErrCancelled
		}
		if c.target != targetAll && n > c.target {
			c.target = n
		}
		c.startLoopLocked()
		ch := c.progress
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// EnsureAll raises the target to the whole result set and returns
// immediately; fetching continues in the background. Use Wait or the
// notifier to observe completion.
func (c *Coordinator) EnsureAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase == PhaseError || c.phase == PhaseCancelled {
		return
	}
	c.target = targetAll
	c.background = true
	if c.hasMore {
		c.startLoopLocked()
	}
}

// Cancel transitions the coordinator to the terminal cancelled phase.
// An in-flight source call is interrupted via context; a batch that
// already returned is discarded without merging. Mirrored rows are left
// in place for the owner to drop.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.phase == PhaseCancelled {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseCancelled
	c.background = false
	c.wakeLocked()
	c.mu.Unlock()

	c.cancel()
	c.logger.Debug("fetch cancelled", slog.String("table", c.table))
}

// Wait blocks until the fetch loop is not running, so a caller that
// cancelled the coordinator can safely reuse its mirror table.
func (c *Coordinator) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.loopDone
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// startLoopLocked launches the fetch loop if it is not already running.
// Caller holds c.mu.
func (c *Coordinator) startLoopLocked() {
	if c.loopDone != nil || !c.hasMore {
		return
	}
	if c.phase == PhaseError || c.phase == PhaseCancelled {
		return
	}
	c.phase = PhaseFetching
	done := make(chan struct{})
	c.loopDone = done
	go c.loop(done)
}

// wakeLocked signals every waiter that state changed. Caller holds c.mu.
func (c *Coordinator) wakeLocked() {
	close(c.progress)
	c.progress = make(chan struct{})
}

// loop pulls batches until the target is satisfied, the source is
// exhausted, or a terminal condition hits. It is the only goroutine
// that calls the source or writes the mirror table, which is what keeps
// batch merges strictly ordered.
func (c *Coordinator) loop(done chan struct{}) {
	defer func() {
		c.mu.Lock()
		c.loopDone = nil
		if c.phase == PhaseFetching {
			c.phase = PhaseIdle
		}
		c.background = false
		c.wakeLocked()
		c.mu.Unlock()
		close(done)
	}()

	for {
		c.mu.Lock()
		if c.phase != PhaseFetching {
			c.mu.Unlock()
			return
		}
		if !c.hasMore || (c.target != targetAll && c.fetched >= c.target) {
			c.mu.Unlock()
			return
		}
		cursor := c.cursor
		c.mu.Unlock()

		batch, err := c.fetchWithRetry(cursor)
		if err != nil {
			c.fail(err)
			return
		}
		if !c.merge(batch) {
			return
		}
	}
}

// fetchWithRetry runs one FetchPage call with the shared retry policy:
// transient errors back off and retry up to the configured cap, an
// expired credential gets exactly one refresh and one retry, and query
// errors surface immediately so a failing query is never re-billed.
func (c *Coordinator) fetchWithRetry(cursor *source.Cursor) (*source.Batch, error) {
	backoff := retry.WithMaxRetries(c.cfg.MaxRetries,
		retry.WithCappedDuration(c.cfg.RetryCap, retry.NewExponential(c.retryBase())))

	refreshed := false
	var batch *source.Batch
	err := retry.Do(c.ctx, backoff, func(ctx context.Context) error {
		// Each attempt gets its own deadline; a call that exceeds it
		// surfaces context.DeadlineExceeded, which classifies as
		// transient and is retried like any other transient failure.
		if c.cfg.CallTimeout > 0 {
			var cancelCall context.CancelFunc
			ctx, cancelCall = context.WithTimeout(ctx, c.cfg.CallTimeout)
			defer cancelCall()
		}

		start := time.Now()
		b, ferr := c.src.FetchPage(ctx, c.query, cursor, c.cfg.BatchSize)
		if ferr == nil {
			b.Stats.Elapsed = time.Since(start)
			batch = b
			return nil
		}

		switch source.KindOf(ferr) {
		case source.KindTransient:
			c.logger.Warn("transient fetch error, retrying", slog.Any("error", ferr))
			return retry.RetryableError(ferr)
		case source.KindAuthExpired:
			if refreshed {
				return ferr
			}
			refresher, ok := c.src.(source.TokenRefresher)
			if !ok {
				return ferr
			}
			if rerr := refresher.RefreshToken(ctx); rerr != nil {
				return fmt.Errorf("credential refresh failed: %w", rerr)
			}
			refreshed = true
			c.logger.Info("credentials refreshed, retrying fetch")
			return retry.RetryableError(ferr)
		default:
			return ferr
		}
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

func (c *Coordinator) retryBase() time.Duration {
	if c.cfg.RetryBase > 0 {
		return c.cfg.RetryBase
	}
	return 500 * time.Millisecond
}

// merge appends one batch to the mirror and advances the fetch state.
// Returns false when the loop should stop. A coordinator cancelled
// while the fetch was in flight discards the batch untouched.
func (c *Coordinator) merge(batch *source.Batch) bool {
	c.mu.Lock()
	if c.phase != PhaseFetching {
		c.mu.Unlock()
		return false
	}
	needTable := !c.tableExists
	schema := c.schema
	if schema == nil {
		schema = batch.Schema
	}
	c.mu.Unlock()

	// Mirror writes use the coordinator context so a close interrupts
	// them, but a cancel racing the append just surfaces as an ingest
	// error below; already-committed batches stay intact.
	if needTable {
		if err := c.mirror.CreateOrReplace(c.ctx, c.table, batch.Schema); err != nil {
			c.fail(err)
			return false
		}
	}
	if err := c.mirror.Append(c.ctx, c.table, batch.Rows, schema); err != nil {
		c.fail(err)
		return false
	}

	c.mu.Lock()
	if c.phase != PhaseFetching {
		c.mu.Unlock()
		return false
	}
	c.tableExists = true
	if c.schema == nil {
		c.schema = batch.Schema
	}
	if c.totalRows == source.TotalUnknown && batch.TotalRows != source.TotalUnknown {
		c.totalRows = batch.TotalRows
	}
	c.fetched += int64(len(batch.Rows))
	c.hasMore = batch.HasMore
	c.cursor = batch.NextCursor
	if !c.hasMore && c.totalRows == source.TotalUnknown {
		// Exhaustion pins the exact size even when the source never
		// reported one.
		c.totalRows = c.fetched
	}
	c.stats.Elapsed += batch.Stats.Elapsed
	c.stats.BytesProcessed += batch.Stats.BytesProcessed
	if batch.Stats.CacheHit {
		c.stats.CacheHit = true
	}
	fetched := c.fetched
	complete := !c.hasMore
	c.wakeLocked()
	c.mu.Unlock()

	c.logger.Debug("merged batch",
		slog.String("table", c.table),
		slog.Int("rows", len(batch.Rows)),
		slog.Int64("fetched", fetched),
		slog.Bool("has_more", !complete))

	if c.notifier != nil {
		c.notifier.Broadcast(notify.Progress{
			QueryID:     c.queryID,
			FetchedRows: fetched,
			Complete:    complete,
		})
	}
	return true
}

// fail records a terminal error. Cancellation observed on the fetch
// path resolves to the cancelled phase instead; rows mirrored before
// the failure remain queryable either way.
func (c *Coordinator) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.phase != PhaseFetching {
		return
	}
	if source.KindOf(err) == source.KindCancelled {
		c.phase = PhaseCancelled
		c.wakeLocked()
		return
	}
	c.phase = PhaseError
	c.err = err
	c.wakeLocked()
	c.logger.Error("fetch failed",
		slog.String("table", c.table),
		slog.Int64("fetched", c.fetched),
		slog.Any("error", err))
}
