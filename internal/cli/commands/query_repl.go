package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"

	"github.com/dataglass-labs/dataglass/internal/analytics"
	"github.com/dataglass-labs/dataglass/internal/session"
	"github.com/dataglass-labs/dataglass/internal/view"
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// renderPage renders one display page with a progress footer.
func renderPage(w io.Writer, page *view.Page, format string) error {
	if err := renderResults(w, page.Schema, page.Rows, format); err != nil {
		return err
	}
	if format != "table" {
		return nil
	}

	pages := "?"
	if page.PageCount != view.PageCountUnknown {
		pages = strconv.Itoa(page.PageCount)
	}
	total := "?"
	if page.TotalRows != source.TotalUnknown {
		total = strconv.FormatInt(page.TotalRows, 10)
	}
	loading := ""
	if page.HasMoreRows {
		loading = " (loading...)"
	}
	_, _ = fmt.Fprintf(w, "page %d/%s · %d of %s rows local%s\n",
		page.Index+1, pages, page.FetchedRows, total, loading)
	return nil
}

// runPagerREPL drives the interactive pager over a running query.
func runPagerREPL(cmd *cobra.Command, env *environment, sess *session.Session, format string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dataglass> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "q",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize pager: %w", err)
	}
	defer func() { _ = rl.Close() }()

	_, _ = fmt.Fprintln(out, "Commands: n(ext), p(rev), g <page>, all, stats <column>, state, q(uit)")

	index := 0
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}

		fields := strings.Fields(strings.TrimSpace(line))
		if len(fields) == 0 {
			continue
		}

		switch fields[0] {
		case "q", "quit", "exit":
			return nil

		case "n", "next":
			index++
			if err := showPage(ctx, out, sess, &index, format); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
			}

		case "p", "prev":
			if index > 0 {
				index--
			}
			if err := showPage(ctx, out, sess, &index, format); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
			}

		case "g", "goto":
			if len(fields) < 2 {
				_, _ = fmt.Fprintln(out, "usage: g <page>")
				continue
			}
			n, err := strconv.Atoi(fields[1])
			if err != nil || n < 1 {
				_, _ = fmt.Fprintln(out, "usage: g <page> (1-based)")
				continue
			}
			index = n - 1
			if err := showPage(ctx, out, sess, &index, format); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
			}

		case "all":
			sess.Coordinator.EnsureAll()
			if err := sess.Coordinator.Wait(ctx); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if err := renderAll(out, env, sess, format); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
			}

		case "stats":
			if len(fields) < 2 {
				_, _ = fmt.Fprintln(out, "usage: stats <column>")
				continue
			}
			if err := showStats(cmd, sess, fields[1], format); err != nil {
				_, _ = fmt.Fprintf(out, "error: %v\n", err)
			}

		case "state":
			st := sess.Coordinator.Snapshot()
			total := "?"
			if st.TotalRows != source.TotalUnknown {
				total = strconv.FormatInt(st.TotalRows, 10)
			}
			_, _ = fmt.Fprintf(out, "phase=%s fetched=%d total=%s more=%v background=%v\n",
				st.Phase, st.FetchedRows, total, st.HasMoreRows, st.IsBackgroundLoading)

		default:
			_, _ = fmt.Fprintf(out, "unknown command %q\n", fields[0])
		}
	}
}

// showPage resolves and renders a page, clamping the index back when
// the user paged past the end of an exhausted result.
func showPage(ctx context.Context, out io.Writer, sess *session.Session, index *int, format string) error {
	page, err := sess.Pager.Page(ctx, *index)
	if err != nil {
		// Partial page: show what is local, then report the error.
		if page != nil {
			_ = renderPage(out, page, format)
		}
		return err
	}
	if len(page.Rows) == 0 && *index > 0 {
		*index--
		_, _ = fmt.Fprintln(out, "(no further pages)")
		return nil
	}
	return renderPage(out, page, format)
}

// showStats builds and runs the column statistics query against the
// remote source, so figures cover the complete result set.
func showStats(cmd *cobra.Command, sess *session.Session, col, format string) error {
	st := sess.Coordinator.Snapshot()

	var category analytics.Category
	for _, c := range st.Schema {
		if c.Name == col {
			category = analytics.CategoryOf(c.Type)
			break
		}
	}
	if category == "" {
		return fmt.Errorf("unknown column %q", col)
	}

	stmt, err := analytics.Build(col, category, st.Engine, analytics.Target{Query: st.Query}, nil)
	if err != nil {
		return err
	}
	batch, err := sess.Source().FetchPage(cmd.Context(), stmt, nil, 1000)
	if err != nil {
		return err
	}
	return renderResults(cmd.OutOrStdout(), batch.Schema, batch.Rows, format)
}
