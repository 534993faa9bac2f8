package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// Kind classifies a source error so the fetch coordinator can decide
// retry policy without engine-specific knowledge. Classification happens
// once, at the adapter boundary.
type Kind int

const (
	// KindTransient marks network failures and timeouts. Retried with
	// bounded exponential backoff.
	KindTransient Kind = iota

	// KindAuthExpired marks expired credentials. Triggers exactly one
	// refresh and one retry of the same page.
	KindAuthExpired

	// KindQuery marks syntax/permission/runtime errors reported by the
	// source. Never retried.
	KindQuery

	// KindCancelled marks a cancelled fetch. Not an error condition.
	KindCancelled
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindAuthExpired:
		return "auth-expired"
	case KindQuery:
		return "query"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is a classified source error.
type Error struct {
	Kind   Kind
	Engine string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s error: %v", e.Engine, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retryable transient failure.
func Transient(engine string, err error) *Error {
	return &Error{Kind: KindTransient, Engine: engine, Err: err}
}

// AuthExpired wraps err as an expired-credentials failure.
func AuthExpired(engine string, err error) *Error {
	return &Error{Kind: KindAuthExpired, Engine: engine, Err: err}
}

// QueryFailed wraps err as a non-retryable query error.
func QueryFailed(engine string, err error) *Error {
	return &Error{Kind: KindQuery, Engine: engine, Err: err}
}

// Cancelled wraps err as a cancellation.
func Cancelled(engine string, err error) *Error {
	return &Error{Kind: KindCancelled, Engine: engine, Err: err}
}

// KindOf returns the classification of err. Unclassified errors default
// to KindQuery: retrying an unknown failure risks double-spending
// warehouse credits, so the safe default is "do not retry".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindQuery
}

// IsRetryable reports whether err should be retried automatically.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}
