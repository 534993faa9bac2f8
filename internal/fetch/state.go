// Package fetch owns the per-query fetch state machine. One Coordinator
// exists per running query; it is the only writer of that query's fetch
// state and of the query's mirror table, which is what makes the
// strictly-ordered batch merge guarantee enforceable.
package fetch

import (
	"github.com/dataglass-labs/dataglass/pkg/source"
)

// Phase is the coordinator's state-machine phase.
type Phase int

const (
	// PhaseIdle means no fetch is in flight. Initial phase.
	PhaseIdle Phase = iota

	// PhaseFetching means the fetch loop is pulling batches.
	PhaseFetching

	// PhaseError is terminal: a non-retryable error occurred. The query
	// must be re-run to recover; the mirrored prefix stays queryable.
	PhaseError

	// PhaseCancelled is terminal: the owning query box was closed or
	// superseded by a re-run.
	PhaseCancelled
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseFetching:
		return "fetching"
	case PhaseError:
		return "error"
	case PhaseCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// State is a point-in-time snapshot of a query's fetch state.
type State struct {
	// QueryID identifies this fetch state. A re-run creates a new state
	// with a new ID; stale states are never mutated in place.
	QueryID string

	// Table is the mirror table owned by this state's coordinator.
	Table string

	// Engine is the source engine name.
	Engine string

	// Query and ConnectionID are the immutable fetch parameters, kept
	// so sibling analytics queries can run against the same source.
	Query        string
	ConnectionID string

	// Schema is the result schema, known after the first batch.
	Schema []source.Column

	// TotalRows is the true remote result-set size, or
	// source.TotalUnknown until the source reports it. Set once, never
	// decreases.
	TotalRows int64

	// FetchedRows counts rows successfully mirrored locally.
	// Monotonically non-decreasing.
	FetchedRows int64

	// HasMoreRows is false only once the source reports exhaustion.
	HasMoreRows bool

	// Phase is the state-machine phase.
	Phase Phase

	// IsFetching reports whether a fetch is in flight.
	IsFetching bool

	// IsBackgroundLoading reports whether rows beyond the immediately
	// requested page are still being pulled.
	IsBackgroundLoading bool

	// Err is the terminal error when Phase == PhaseError.
	Err error
}

// PageCovered reports whether the given row bound is already available
// locally, i.e. resolving it needs no fetch.
func (s State) PageCovered(upperBound int64) bool {
	return s.FetchedRows >= upperBound || !s.HasMoreRows
}
