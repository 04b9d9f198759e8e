// Package errors wraps github.com/pkg/errors to provide stack traces for all
// errors generated by this module, plus a small amount of additional
// classification used by the asyncio package: Fatal errors, which must abort
// the process rather than propagate as an ordinary error value.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// New creates a new error based on a message. Ported to be able to
// switch to a different error package later, and to add context.
func New(message string) error {
	return pkgerrors.New(message)
}

// Errorf creates a new error based on a format string and arguments.
func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

// Wrap wraps an error and adds a message.
func Wrap(err error, message string) error {
	return pkgerrors.Wrap(err, message)
}

// Wrapf wraps an error and adds a message using a format string.
func Wrapf(err error, format string, args ...interface{}) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// WithStack annotates err with a stack trace, without adding a message.
// Returns nil if err is nil.
func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

// Cause returns the cause of an error; it is identical to pkg/errors.Cause.
func Cause(err error) error {
	return pkgerrors.Cause(err)
}

// Is, As and Unwrap expose the standard library's error-chain helpers so
// callers never need to import both this package and "errors".
func Is(err, target error) bool { return errors.Is(err, target) }
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
func Unwrap(err error) error { return errors.Unwrap(err) }

// fatalError marks an error that the caller must treat as unrecoverable: a
// broken invariant of the asyncio pool (non-empty in-progress set at
// teardown, a missing reply on a live channel) rather than an ordinary I/O
// failure. It is intentionally not exported so construction only happens
// through Fatal/Fatalf.
type fatalError struct {
	msg string
}

func (e *fatalError) Error() string { return e.msg }

// Fatal creates an error that IsFatal recognizes.
func Fatal(msg string) error {
	return &fatalError{msg: msg}
}

// Fatalf creates a Fatal error using a format string.
func Fatalf(format string, args ...interface{}) error {
	return &fatalError{msg: fmt.Sprintf(format, args...)}
}

// IsFatal returns whether err (or anything in its chain) was created by
// Fatal/Fatalf.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f)
}
