// Package errs provides the unified error type used across KuzuGate.
//
// Every subsystem (pool, query processor, engine adapters, server) wraps its
// native errors into *errs.Error before returning them to callers. Callers
// use the Is* predicates to branch on failure class without importing
// engine-specific packages, and the HTTP layer uses Kind and RetryAfter to
// build the wire error envelope.
//
// Usage:
//
//	// In the pool — wrap an engine error:
//	return errs.WithRetry(errs.KindExecution, "query execution failed", err, cfg.RetryDelay)
//
//	// In a handler — check error kind:
//	if errs.IsValidation(err) {
//	    // never retried, surface the reason immediately
//	}
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Kind categorises a gateway failure. Each kind maps to a distinct
// retry/surface policy:
//
//   - KindUnavailable:  engine missing, lock-held, or probe failure; retried
//     with fixed delay, then surfaced with a retry hint.
//   - KindValidation:   malformed/oversized/dangerous query; never retried.
//   - KindNoConnection: pool at capacity, all connections busy; transient.
//   - KindExecution:    engine rejected the query; connection poisoned and
//     retried on a fresh one, then surfaced with the native message.
//   - KindConversion:   result row did not match any known shape; the row is
//     skipped, remaining rows still processed.
type Kind int

const (
	KindUnknown Kind = iota
	KindUnavailable
	KindValidation
	KindNoConnection
	KindExecution
	KindConversion
)

func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindValidation:
		return "validation_failed"
	case KindNoConnection:
		return "no_connection_available"
	case KindExecution:
		return "execution_failed"
	case KindConversion:
		return "conversion_failed"
	default:
		return "unknown"
	}
}

// Error is the single error type returned by all KuzuGate subsystems.
type Error struct {
	Kind    Kind
	Message string
	// RetryAfter is a hint for transient failures; zero when retrying is
	// pointless (validation) or the cause is unknown.
	RetryAfter time.Duration
	// Cause is the original engine-level error, preserved for logging.
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is / errors.As to traverse the cause chain.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an *Error with the given kind and message and no cause.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Newf creates an *Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error that preserves the underlying cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// WithRetry creates an *Error carrying a retry-after hint.
func WithRetry(kind Kind, msg string, cause error, retryAfter time.Duration) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause, RetryAfter: retryAfter}
}

// KindOf returns the Kind of err, or KindUnknown if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// RetryAfterOf returns the retry hint of err, or zero if none.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

func is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsUnavailable reports whether err is an engine-availability failure.
func IsUnavailable(err error) bool { return is(err, KindUnavailable) }

// IsValidation reports whether err is a query-validation failure.
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsNoConnection reports whether err is a pool-exhaustion failure.
func IsNoConnection(err error) bool { return is(err, KindNoConnection) }

// IsExecution reports whether err is an engine-side execution failure.
func IsExecution(err error) bool { return is(err, KindExecution) }

// IsConversion reports whether err is a result-conversion failure.
func IsConversion(err error) bool { return is(err, KindConversion) }
