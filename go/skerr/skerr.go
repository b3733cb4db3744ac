// Package skerr wraps github.com/pkg/errors to produce errors that carry a
// stack trace captured at the first wrap site, and to give every wrap call a
// consistent, grep-able shape across the dispatcher packages.
//
// Wrapping an error that already carries a skerr stack trace is a no-op on
// the trace (the original capture point is kept) but still composes the new
// message, so repeated Wrap calls along a call chain read like a chain of
// causes without generating a new stack frame at every layer.
package skerr

import (
	"fmt"
	"runtime"

	"github.com/pkg/errors"
)

// causer is satisfied by github.com/pkg/errors wrapped errors.
type causer interface {
	Cause() error
}

// stackTracer is satisfied by github.com/pkg/errors wrapped errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// hasStack reports whether err (or anything in its cause chain) already
// carries a captured stack trace.
func hasStack(err error) bool {
	for err != nil {
		if _, ok := err.(stackTracer); ok {
			return true
		}
		c, ok := err.(causer)
		if !ok {
			return false
		}
		err = c.Cause()
	}
	return false
}

// Wrap annotates err with a stack trace, if it doesn't have one already, and
// returns it unchanged (aside from the trace) if err is nil.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if hasStack(err) {
		return err
	}
	return errors.WithStack(err)
}

// Wrapf annotates err with a stack trace (if missing) and a formatted
// message describing the context in which it occurred.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	if hasStack(err) {
		return errors.WithMessage(err, msg)
	}
	return errors.Wrap(err, msg)
}

// Fmt creates a new error, in the manner of fmt.Errorf, which carries a
// stack trace captured at the call site.
func Fmt(format string, args ...interface{}) error {
	return errors.WithStack(fmt.Errorf(format, args...))
}

// Unwrap returns the next error in err's cause chain, or nil if there is
// none. It mirrors the standard library's errors.Unwrap for the
// github.com/pkg/errors Cause() convention used throughout this chain.
func Unwrap(err error) error {
	if c, ok := err.(causer); ok {
		return c.Cause()
	}
	return nil
}

// StackTrace is a single frame of a captured call stack.
type StackTrace struct {
	Function string
	File     string
	Line     int
}

// String renders the frame the way sklog/ctxutil callers expect:
// "function (file:line)".
func (s StackTrace) String() string {
	return fmt.Sprintf("%s (%s:%d)", s.Function, s.File, s.Line)
}

// CallStack captures up to max stack frames of the current goroutine,
// skipping skip frames above the caller of CallStack itself. It is used by
// diagnostics that want a raw stack independent of any particular error
// (e.g. ctxutil.ConfirmContextHasDeadline).
func CallStack(max, skip int) []StackTrace {
	pcs := make([]uintptr, max)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	out := make([]StackTrace, 0, n)
	for {
		frame, more := frames.Next()
		out = append(out, StackTrace{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more {
			break
		}
	}
	return out
}
