// Package view maps the locally mirrored rows onto display pages. Page
// size here is a presentation concern, fully decoupled from the fetch
// batch size: resolving a page triggers just enough fetching to cover
// its row range, and nothing when the range is already local.
package view

import (
	"context"
	"errors"
	"fmt"

	"github.com/dataglass-labs/dataglass/internal/fetch"
	"github.com/dataglass-labs/dataglass/internal/mirror"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// PageCountUnknown is the PageCount value while the result-set size is
// still unknown.
const PageCountUnknown = -1

// Page is one display page of a query result.
type Page struct {
	// Index is the zero-based page number.
	Index int

	// Rows holds up to PageSize rows. The last page may be short; a
	// page past the end of an exhausted result set is empty.
	Rows   [][]any
	Schema []source.Column

	// PageSize is the display page size this page was cut with.
	PageSize int

	// TotalRows is the remote result-set size, or source.TotalUnknown.
	TotalRows int64

	// PageCount is the total number of pages, or PageCountUnknown until
	// TotalRows is known.
	PageCount int

	// FetchedRows and HasMoreRows expose materialization progress so a
	// caller can render a "loaded N of M" indicator.
	FetchedRows int64
	HasMoreRows bool

	// IsComplete is true once every row of the result set is local.
	IsComplete bool
}

// Pager resolves display pages for one query's mirror table.
type Pager struct {
	coord    *fetch.Coordinator
	store    *mirror.Store
	pageSize int
}

// NewPager creates a pager over the given coordinator's mirror table.
func NewPager(coord *fetch.Coordinator, store *mirror.Store, pageSize int) *Pager {
	if pageSize <= 0 {
		pageSize = 50
	}
	return &Pager{coord: coord, store: store, pageSize: pageSize}
}

// PageSize returns the display page size.
func (p *Pager) PageSize() int { return p.pageSize }

// Page resolves the zero-based page at index, fetching from the source
// only if the page's row range is not yet mirrored. Re-resolving an
// already-covered page never touches the source.
//
// When the fetch fails mid-range, the rows already mirrored for the
// page are returned alongside the error: a non-nil Page accompanies a
// non-nil error. Cancellation and caller-context failures resolve to
// (nil, err).
func (p *Pager) Page(ctx context.Context, index int) (*Page, error) {
	if index < 0 {
		return nil, fmt.Errorf("page index must not be negative, got %d", index)
	}

	bound := int64(index+1) * int64(p.pageSize)
	ensureErr := p.coord.EnsureRows(ctx, bound)
	if ensureErr != nil && (errors.Is(ensureErr, fetch.ErrCancelled) || ctx.Err() != nil) {
		return nil, ensureErr
	}

	st := p.coord.Snapshot()
	offset := int64(index) * int64(p.pageSize)

	page := &Page{
		Index:       index,
		Schema:      st.Schema,
		PageSize:    p.pageSize,
		TotalRows:   st.TotalRows,
		PageCount:   PageCountUnknown,
		FetchedRows: st.FetchedRows,
		HasMoreRows: st.HasMoreRows,
		IsComplete:  !st.HasMoreRows,
	}
	if st.TotalRows != source.TotalUnknown {
		page.PageCount = int((st.TotalRows + int64(p.pageSize) - 1) / int64(p.pageSize))
	}

	// Past the end of the locally available rows: an empty page, either
	// because the result set is exhausted or because the fetch died
	// before reaching this range.
	if offset >= st.FetchedRows {
		if ensureErr != nil && st.FetchedRows == 0 {
			return nil, ensureErr
		}
		return page, ensureErr
	}

	stmt := fmt.Sprintf(`SELECT * FROM %s LIMIT %d OFFSET %d`, quoteIdent(st.Table), p.pageSize, offset)
	schema, rows, err := p.store.Query(ctx, stmt)
	if err != nil {
		return nil, fmt.Errorf("failed to read page %d: %w", index, err)
	}
	page.Rows = rows
	if page.Schema == nil {
		page.Schema = schema
	}
	return page, ensureErr
}

func quoteIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}
