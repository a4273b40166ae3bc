// Package capval implements the capability validator of spec §4.6:
// projecting a requested command/layout/message-size combination onto an
// interface's advertised capabilities, producing either a resolved
// required-flag/size-bound tuple or a precise rejection.
package capval

import (
	"fmt"

	"github.com/meshwire/meshwire/internal/iface"
)

// Command mirrors the root package's Command enum without importing it,
// keeping internal/capval free of a dependency on the root package (the
// root Worker depends on capval, not the reverse).
type Command int

const (
	CommandAM Command = iota
	CommandPut
	CommandGet
	CommandAdd
	CommandFAdd
	CommandSwap
	CommandCSwap
)

// Layout mirrors the root package's DataLayout enum.
type Layout int

const (
	LayoutShort Layout = iota
	LayoutBcopy
	LayoutZcopy
)

// Request is the input the capability validator checks against one
// interface's Attr.
type Request struct {
	Command     Command
	Layout      Layout
	MsgSizes    []uint64
	Stride      uint64
	AMHdrSize   uint64
	FCWindow    uint64
	MaxFCWindow uint64
	OneSided    bool
	Verbose     bool
}

// Resolved is the validator's success output: the flags the operation
// requires and the size bounds it must respect. Warnings carries
// warn-only diagnostics (§4.6) that do not block the request — e.g. the
// one-sided flag combined with an AM command, which the caller is
// expected to log, not reject on.
type Resolved struct {
	RequiredFlags iface.CapFlag
	MinSize       uint64
	MaxSize       uint64
	MaxIOV        int
	Warnings      []string
}

// rejectCode is returned wrapped as a *ValidationError carrying the
// message-size-list closed error kind distinction spec.md §4.6 requires:
// INVALID_PARAM (malformed/out-of-bound request) vs UNSUPPORTED (the
// interface simply lacks the capability).
type rejectCode int

const (
	codeInvalidParam rejectCode = iota
	codeUnsupported
)

// ValidationError is capval's error type; Code distinguishes
// INVALID_PARAM from UNSUPPORTED per spec.md §4.6, and msg carries the
// detailed diagnostic only when the request is Verbose; otherwise it is a
// generic description of the code.
type ValidationError struct {
	code rejectCode
	msg  string
}

func (e *ValidationError) Error() string { return e.msg }

// IsUnsupported reports whether err is a capval rejection specifically
// due to a missing interface capability (as opposed to a malformed
// request).
func IsUnsupported(err error) bool {
	ve, ok := err.(*ValidationError)
	return ok && ve.code == codeUnsupported
}

// IsInvalidParam reports whether err is a capval rejection due to a
// malformed request.
func IsInvalidParam(err error) bool {
	ve, ok := err.(*ValidationError)
	return ok && ve.code == codeInvalidParam
}

func reject(code rejectCode, verbose bool, format string, args ...any) error {
	if verbose {
		return &ValidationError{code: code, msg: fmt.Sprintf(format, args...)}
	}
	generic := "INVALID_PARAM"
	if code == codeUnsupported {
		generic = "UNSUPPORTED"
	}
	return &ValidationError{code: code, msg: "capval: " + generic}
}

// Validate checks req against attr, returning the resolved flag/size
// bounds on success.
func Validate(req Request, attr iface.Attr) (Resolved, error) {
	if len(req.MsgSizes) == 0 {
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "message size list must be non-empty")
	}
	if req.Stride > 0 {
		for _, s := range req.MsgSizes {
			if s > req.Stride {
				return Resolved{}, reject(codeInvalidParam, req.Verbose, "message size %d exceeds iov_stride %d", s, req.Stride)
			}
		}
	}
	if req.MaxFCWindow > 0 && req.FCWindow > req.MaxFCWindow {
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "fc_window %d exceeds configured upper bound %d", req.FCWindow, req.MaxFCWindow)
	}

	switch req.Command {
	case CommandAM:
		return validateAM(req, attr)
	case CommandPut:
		return validatePut(req, attr)
	case CommandGet:
		return validateGet(req, attr)
	case CommandAdd, CommandFAdd, CommandSwap, CommandCSwap:
		return validateAtomic(req, attr)
	default:
		return Resolved{}, reject(codeUnsupported, req.Verbose, "unsupported command %d", req.Command)
	}
}

func maxMsgSize(sizes []uint64) uint64 {
	var m uint64
	for _, s := range sizes {
		if s > m {
			m = s
		}
	}
	return m
}

func validateAM(req Request, attr iface.Attr) (Resolved, error) {
	if !attr.SyncCapable {
		return Resolved{}, reject(codeUnsupported, req.Verbose, "interface does not support synchronous AM callbacks")
	}

	var required iface.CapFlag
	var maxSize uint64
	switch req.Layout {
	case LayoutShort:
		required = iface.CapAMShort
		maxSize = attr.MaxShort
		if req.AMHdrSize != 8 {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "short AM header size must be 8, got %d", req.AMHdrSize)
		}
	case LayoutBcopy:
		required = iface.CapAMBcopy
		maxSize = attr.MaxBcopy
	case LayoutZcopy:
		required = iface.CapAMZcopy
		maxSize = attr.MaxZcopy
		if req.AMHdrSize > attr.MaxHdr {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "zero-copy AM header %d exceeds max_hdr %d", req.AMHdrSize, attr.MaxHdr)
		}
		if len(req.MsgSizes) > attr.MaxIOV {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "msg_size_cnt %d exceeds max_iov %d", len(req.MsgSizes), attr.MaxIOV)
		}
	default:
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "unknown data layout %d", req.Layout)
	}
	if attr.Caps&required == 0 {
		return Resolved{}, reject(codeUnsupported, req.Verbose, "interface lacks required capability for AM/%v", req.Layout)
	}

	total := maxMsgSize(req.MsgSizes)
	if req.AMHdrSize > total {
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "AM header %d exceeds message size %d", req.AMHdrSize, total)
	}
	if err := checkSizeBounds(req, 0, maxSize); err != nil {
		return Resolved{}, err
	}

	var warnings []string
	if req.OneSided && req.Verbose {
		warnings = append(warnings, "one-sided flag set on an active-message request; proceeding, but one-sided ordering guarantees do not apply to AM")
	}
	return Resolved{RequiredFlags: required, MinSize: 0, MaxSize: maxSize, MaxIOV: attr.MaxIOV, Warnings: warnings}, nil
}

func validatePut(req Request, attr iface.Attr) (Resolved, error) {
	var required iface.CapFlag
	var minSize, maxSize uint64
	switch req.Layout {
	case LayoutShort:
		required = iface.CapPutShort
		maxSize = attr.MaxShort
	case LayoutBcopy:
		required = iface.CapPutBcopy
		maxSize = attr.MaxBcopy
	case LayoutZcopy:
		required = iface.CapPutZcopy
		minSize = attr.MinZcopy
		maxSize = attr.MaxZcopy
		if len(req.MsgSizes) > attr.MaxIOV {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "msg_size_cnt %d exceeds max_iov %d", len(req.MsgSizes), attr.MaxIOV)
		}
	default:
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "unknown data layout %d", req.Layout)
	}
	if attr.Caps&required == 0 {
		return Resolved{}, reject(codeUnsupported, req.Verbose, "interface lacks required capability for PUT/%v", req.Layout)
	}
	if err := checkSizeBounds(req, minSize, maxSize); err != nil {
		return Resolved{}, err
	}
	return Resolved{RequiredFlags: required, MinSize: minSize, MaxSize: maxSize, MaxIOV: attr.MaxIOV}, nil
}

func validateGet(req Request, attr iface.Attr) (Resolved, error) {
	var required iface.CapFlag
	var minSize, maxSize uint64
	switch req.Layout {
	case LayoutShort:
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "GET does not support the SHORT layout")
	case LayoutBcopy:
		required = iface.CapGetBcopy
		maxSize = attr.MaxBcopy
	case LayoutZcopy:
		required = iface.CapGetZcopy
		minSize = attr.MinZcopy
		maxSize = attr.MaxZcopy
		if len(req.MsgSizes) > attr.MaxIOV {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "msg_size_cnt %d exceeds max_iov %d", len(req.MsgSizes), attr.MaxIOV)
		}
	default:
		return Resolved{}, reject(codeInvalidParam, req.Verbose, "unknown data layout %d", req.Layout)
	}
	if attr.Caps&required == 0 {
		return Resolved{}, reject(codeUnsupported, req.Verbose, "interface lacks required capability for GET/%v", req.Layout)
	}
	if err := checkSizeBounds(req, minSize, maxSize); err != nil {
		return Resolved{}, err
	}
	return Resolved{RequiredFlags: required, MinSize: minSize, MaxSize: maxSize, MaxIOV: attr.MaxIOV}, nil
}

func validateAtomic(req Request, attr iface.Attr) (Resolved, error) {
	const maxAtomicSize = 8
	for _, s := range req.MsgSizes {
		if s != 4 && s != 8 {
			return Resolved{}, reject(codeInvalidParam, req.Verbose, "atomic message size must be 4 or 8 bytes, got %d", s)
		}
	}
	var required iface.CapFlag
	if maxMsgSize(req.MsgSizes) == 4 {
		required = iface.CapAtomic32
	} else {
		required = iface.CapAtomic64
	}
	if attr.Caps&required == 0 {
		return Resolved{}, reject(codeUnsupported, req.Verbose, "interface lacks required atomic capability")
	}
	return Resolved{RequiredFlags: required, MinSize: 4, MaxSize: maxAtomicSize, MaxIOV: 1}, nil
}

func checkSizeBounds(req Request, minSize, maxSize uint64) error {
	for _, s := range req.MsgSizes {
		if s < 1 {
			return reject(codeInvalidParam, req.Verbose, "message size must be >= 1, got %d", s)
		}
		if s < minSize {
			return reject(codeInvalidParam, req.Verbose, "message size %d below minimum %d", s, minSize)
		}
		if maxSize > 0 && s > maxSize {
			return reject(codeInvalidParam, req.Verbose, "message size %d exceeds maximum %d", s, maxSize)
		}
	}
	return nil
}
