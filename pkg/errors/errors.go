// Package errors defines the result taxonomy that replaces exception-based
// control flow throughout the cluster coordination core: Transient,
// Conflict, Invalid, Unreachable, and Fatal.
package errors

import "fmt"

// Class is the propagation category of a failure.
type Class string

const (
	// Transient is a network blip or driver timeout. Retried with bounded
	// exponential backoff (3 attempts).
	Transient Class = "transient"
	// Conflict is a CAS mismatch. Re-read and retry once.
	Conflict Class = "conflict"
	// Invalid is bad input or a missing reference. Surfaced in the task
	// record; never retried.
	Invalid Class = "invalid"
	// Unreachable means a peer or driver will not respond. Feeds the fence
	// path for peers, or the task record for drivers.
	Unreachable Class = "unreachable"
	// Fatal is KV session loss or config load failure. The daemon restarts
	// itself; the cluster treats the node as dead until it returns.
	Fatal Class = "fatal"
)

// Error wraps an underlying cause with its propagation class.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

func Transientf(op, format string, args ...any) *Error {
	return New(Transient, op, fmt.Errorf(format, args...))
}

func Conflictf(op, format string, args ...any) *Error {
	return New(Conflict, op, fmt.Errorf(format, args...))
}

func Invalidf(op, format string, args ...any) *Error {
	return New(Invalid, op, fmt.Errorf(format, args...))
}

func Unreachablef(op, format string, args ...any) *Error {
	return New(Unreachable, op, fmt.Errorf(format, args...))
}

func Fatalf(op, format string, args ...any) *Error {
	return New(Fatal, op, fmt.Errorf(format, args...))
}

// ClassOf extracts the class of err, defaulting to Fatal for unclassified
// errors since an unrecognized failure should never be silently retried
// forever.
func ClassOf(err error) Class {
	var e *Error
	if ok := As(err, &e); ok {
		return e.Class
	}
	return Fatal
}

// As is a thin wrapper to avoid importing the standard "errors" package
// under the same name as this package in call sites.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Retryable reports whether class merits an automatic retry.
func Retryable(class Class) bool {
	return class == Transient || class == Conflict
}
