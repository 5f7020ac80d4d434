// Package cerr provides the kind-based error taxonomy shared by every
// cache backend, hybrid cache, and pipeline component in this module.
package cerr

import (
	"errors"
	"fmt"
)

// Kind categorizes an error without tying callers to a concrete type.
type Kind string

const (
	// InvalidArgument covers null keys, empty bucket names, and empty
	// mapped object names.
	InvalidArgument Kind = "INVALID_ARGUMENT"
	// NotFound is never returned as an error from TryGet/Remove; it
	// exists so internal plumbing (e.g. decorators) can classify a
	// failure the same way a boolean "not found" result would be
	// classified if it were surfaced as an error.
	NotFound Kind = "NOT_FOUND"
	// NotSupported is returned when a capability (e.g. enumeration) is
	// requested on a backend that does not implement it.
	NotSupported Kind = "NOT_SUPPORTED"
	// BackendFailure is an I/O or transport error.
	BackendFailure Kind = "BACKEND_FAILURE"
	// Cancelled is returned when an operation observes a tripped
	// cancellation token/context.
	Cancelled Kind = "CANCELLED"
	// Timeout is raised by the Timeout modifier.
	Timeout Kind = "TIMEOUT"
	// InvalidOperation covers pipeline misuse and sync-pass enumeration
	// failures.
	InvalidOperation Kind = "INVALID_OPERATION"
)

// Error is the module's error type. It carries a Kind so callers can
// branch on category with errors.As plus the Is* helpers below, and an
// optional wrapped cause for %w-style unwrapping.
type Error struct {
	Kind    Kind
	Op      string // operation that failed, e.g. "memory.Set"
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(op string, kind Kind, message string) error {
	return &Error{Op: op, Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind around an existing error.
// Returns nil if err is nil.
func Wrap(op string, kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

func is(err error, k Kind) bool {
	kind, ok := KindOf(err)
	return ok && kind == k
}

// IsInvalidArgument reports whether err is an InvalidArgument error.
func IsInvalidArgument(err error) bool { return is(err, InvalidArgument) }

// IsNotSupported reports whether err is a NotSupported error.
func IsNotSupported(err error) bool { return is(err, NotSupported) }

// IsBackendFailure reports whether err is a BackendFailure error.
func IsBackendFailure(err error) bool { return is(err, BackendFailure) }

// IsCancelled reports whether err is a Cancelled error.
func IsCancelled(err error) bool { return is(err, Cancelled) }

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool { return is(err, Timeout) }

// IsInvalidOperation reports whether err is an InvalidOperation error.
func IsInvalidOperation(err error) bool { return is(err, InvalidOperation) }
