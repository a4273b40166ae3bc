// Package meshwire is a user-space messaging runtime layered over pluggable
// transport interfaces (shared memory, RDMA, TCP, ...). It provides the
// Worker progress/resource-management unit and a benchmarking engine that
// exercises it.
package meshwire

import (
	"errors"
	"fmt"
)

// Code is the closed set of machine-readable error kinds meshwire returns.
// VERBOSE-gated human diagnostics are layered in Error.Msg; Code is always
// present and stable.
type Code int

const (
	OK Code = iota
	InvalidParam
	Unsupported
	NoMemory
	NoDevice
	IOError
	InProgress
	Busy
	NoResource
	Fatal
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidParam:
		return "INVALID_PARAM"
	case Unsupported:
		return "UNSUPPORTED"
	case NoMemory:
		return "NO_MEMORY"
	case NoDevice:
		return "NO_DEVICE"
	case IOError:
		return "IO_ERROR"
	case InProgress:
		return "IN_PROGRESS"
	case Busy:
		return "BUSY"
	case NoResource:
		return "NO_RESOURCE"
	case Fatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Error is meshwire's structured error type: an operation name, a machine
// readable Code, an optional human diagnostic (gated by the caller's
// VERBOSE flag), and an optional wrapped cause.
type Error struct {
	Op    string // operation that failed, e.g. "worker.create", "capval.validate"
	Code  Code
	Msg   string // human-readable diagnostic: NewError sets it only when verbose; WrapError copies it from the wrapped error
	Inner error
}

func (e *Error) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("meshwire: %s: %s (%s)", e.Op, e.Msg, e.Code)
	}
	return fmt.Sprintf("meshwire: %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError builds an Error for op/code. msg is only attached when verbose is
// true, matching §7's "VERBOSE flag gates human-readable diagnostics; the
// error kind is always machine-readable."
func NewError(op string, code Code, verbose bool, msg string) *Error {
	e := &Error{Op: op, Code: code}
	if verbose {
		e.Msg = msg
	}
	return e
}

// WrapError wraps inner under op, preserving inner's Code if it is already a
// *Error so error chains don't lose their classification.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var me *Error
	if errors.As(inner, &me) {
		return &Error{Op: op, Code: me.Code, Msg: me.Msg, Inner: inner}
	}
	return &Error{Op: op, Code: IOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err carries the given Code.
func IsCode(err error, code Code) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Code == code
	}
	return false
}
