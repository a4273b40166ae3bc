package meshwire

import "time"

// API selects the abstraction level a benchmark run exercises.
type API int

const (
	APITransport API = iota // raw transport-interface API
	APIMessaging             // higher-level messaging API (tag matching, AM)
)

// Command is the operation a perf run drives.
type Command int

const (
	CommandAM Command = iota
	CommandPut
	CommandGet
	CommandAdd
	CommandFAdd
	CommandSwap
	CommandCSwap
	CommandTag
)

func (c Command) String() string {
	switch c {
	case CommandAM:
		return "AM"
	case CommandPut:
		return "PUT"
	case CommandGet:
		return "GET"
	case CommandAdd:
		return "ADD"
	case CommandFAdd:
		return "FADD"
	case CommandSwap:
		return "SWAP"
	case CommandCSwap:
		return "CSWAP"
	case CommandTag:
		return "TAG"
	default:
		return "UNKNOWN"
	}
}

// TestType selects the workload shape.
type TestType int

const (
	TestPingPong TestType = iota
	TestStreamUni
)

// DataLayout selects how a message's payload is described to the transport.
type DataLayout int

const (
	LayoutShort DataLayout = iota
	LayoutBcopy
	LayoutZcopy
	LayoutNone
)

// ThreadMode controls how a Worker synchronizes access across goroutines.
type ThreadMode int

const (
	ThreadSingle ThreadMode = iota
	ThreadSerialized
	ThreadMulti
)

// AsyncMode selects how a Worker's async context observes completions
// outside of explicit Progress() calls.
type AsyncMode int

const (
	AsyncNone AsyncMode = iota
	AsyncThread
	AsyncSignal
)

// Flags is a bitset of run-level modifiers.
type Flags uint32

const (
	FlagVerbose Flags = 1 << iota
	FlagOneSided
	FlagMapNonblock
)

func (f Flags) has(bit Flags) bool { return f&bit != 0 }

// Params is the full, immutable-per-run configuration accepted by a
// benchmark driver (§3 "Parameters").
type Params struct {
	API        API
	Command    Command
	TestType   TestType
	DataLayout DataLayout

	// MsgSizeList is the ordered sequence of IOV lengths; len >= 1.
	MsgSizeList []uint64
	// IOVStride is 0 or >= max(MsgSizeList).
	IOVStride uint64

	AMHdrSize      uint64
	FCWindow       uint64
	MaxOutstanding int
	Alignment      uint64

	WarmupIter int64
	MaxIter    int64 // 0 => unbounded
	MaxTime    time.Duration // 0 => unbounded
	ReportInterval time.Duration

	ThreadCount int
	ThreadMode  ThreadMode
	AsyncMode   AsyncMode

	Flags Flags
}

// DefaultParams returns a minimally valid Params for a single-threaded
// pingpong TAG run, the seed scenario of §8.1.
func DefaultParams() Params {
	return Params{
		API:            APIMessaging,
		Command:        CommandTag,
		TestType:       TestPingPong,
		DataLayout:     LayoutShort,
		MsgSizeList:    []uint64{8},
		MaxOutstanding: 1,
		WarmupIter:     100,
		MaxIter:        100000,
		ThreadCount:    1,
		ThreadMode:     ThreadSingle,
	}
}

// Validate checks structural invariants that do not depend on a transport's
// advertised attributes (those are checked by internal/capval against a
// specific interface). It returns a *Error with InvalidParam on violation.
func (p Params) Validate() error {
	if len(p.MsgSizeList) == 0 {
		return NewError("params.validate", InvalidParam, true, "msg_size_list must have at least one entry")
	}
	if p.MaxOutstanding < 1 {
		return NewError("params.validate", InvalidParam, true, "max_outstanding must be >= 1")
	}
	if p.ThreadCount < 1 {
		return NewError("params.validate", InvalidParam, true, "thread_count must be >= 1")
	}
	if p.IOVStride != 0 {
		var maxSize uint64
		for _, s := range p.MsgSizeList {
			if s > maxSize {
				maxSize = s
			}
		}
		if p.IOVStride < maxSize {
			return NewError("params.validate", InvalidParam, true, "iov_stride must be 0 or >= max(msg_size_list)")
		}
	}
	for _, s := range p.MsgSizeList {
		if p.IOVStride != 0 && s > p.IOVStride {
			return NewError("params.validate", InvalidParam, true, "message size exceeds iov_stride")
		}
	}
	return nil
}
