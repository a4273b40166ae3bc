// Package iface defines the transport-interface contract of spec §6
// ("Transport interface (consumed, not specified)"): query/open/close,
// endpoint lifecycle, memory registration, AM handler registration, and
// the wakeup/progress/flush surface a Worker drives. The transport
// back-ends themselves are out of scope (spec.md §1); this package also
// provides minimal reference implementations (loopback, shmuring, tcp)
// used only to exercise the core end to end.
package iface

import (
	"errors"

	"github.com/meshwire/meshwire/internal/amrouter"
)

// ErrBusy is returned by WakeupEFDArm when the interface already has
// unconsumed completions/incoming messages at arm time; per §4.1 the
// worker must not block on its wakeup set in that case.
var ErrBusy = errors.New("iface: busy")

// CapFlag is the bitmask of operation-level capabilities an interface may
// advertise, consumed by internal/capval (§4.6) and internal/atomicsel
// (§4.4).
type CapFlag uint64

const (
	CapAMShort CapFlag = 1 << iota
	CapAMBcopy
	CapAMZcopy
	CapPutShort
	CapPutBcopy
	CapPutZcopy
	CapGetBcopy
	CapGetZcopy
	CapAtomic32
	CapAtomic64
	CapAtomicCPU
	CapAtomicDevice
	CapAMSyncCallback
	CapAlloc
	CapReg
)

// WakeupFlag selects which completion sources an interface's wakeup
// descriptor should aggregate (§6).
type WakeupFlag uint32

const (
	WakeupTXCompletion WakeupFlag = 1 << iota
	WakeupRXAM
	WakeupRXSignaledAM
)

// AtomicOp enumerates the atomic operations of §3's Command set that apply
// to one-sided memory.
type AtomicOp int

const (
	AtomicAdd AtomicOp = iota
	AtomicFAdd
	AtomicSwap
	AtomicCSwap
)

// Attr is the set of capability/size/performance attributes an interface
// advertises at Query time; internal/capval and internal/atomicsel consume
// it without knowing which concrete transport produced it.
type Attr struct {
	Caps CapFlag

	MinZcopy uint64
	MaxShort uint64
	MaxBcopy uint64
	MaxZcopy uint64
	MaxIOV   int
	MaxHdr   uint64

	// Bandwidth in bytes/sec, Overhead in seconds: inputs to the
	// atomic-resource selector's DEVICE scoring function (§4.4).
	Bandwidth float64
	Overhead  float64
	Priority  int

	DeviceName     string
	MemDomainIndex int

	// Features is consumed by internal/amrouter.Register's featureSet
	// parameter.
	Features    amrouter.Feature
	SyncCapable bool
}

// MemHandle is an opaque registration handle returned by MemAlloc; it is
// valid only with the interface that produced it.
type MemHandle interface {
	Addr() uintptr
	Len() uint64
}

// RKey is an opaque, unpacked remote key authorizing one-sided operations
// against a remote registered region (§6 glossary "Remote key").
type RKey interface {
	// KeyType distinguishes rkey flavors when a peer table entry (§3)
	// needs to pick a matching unpack routine.
	KeyType() string
}

// EndpointAddr and DeviceAddr are opaque, transport-specific byte
// encodings exchanged during rendezvous bring-up (§4.7, §6 wire records).
type EndpointAddr []byte
type DeviceAddr []byte

// Interface is the per-device, per-transport handle a Worker opens one of
// per configured transport resource (§3 "list of interfaces keyed by
// transport resource id").
type Interface interface {
	Name() string
	ResourceID() int

	Query() (Attr, error)
	Close() error

	DeviceAddress() (DeviceAddr, error)

	// EPCreateConnected is the one-step "connect-to-iface" path of §3's
	// lifecycle section.
	EPCreateConnected(dev DeviceAddr, remoteIfaceAddr []byte) (Endpoint, error)
	// EPCreateUnconnected is step one of the two-step "connect-to-endpoint"
	// path; the caller later calls Endpoint.ConnectToEP.
	EPCreateUnconnected() (Endpoint, error)

	MemAlloc(size uint64) (MemHandle, error)
	MemFree(MemHandle) error
	MKeyPack(MemHandle) ([]byte, error)
	RKeyUnpack(packed []byte) (RKey, error)
	RKeyRelease(RKey) error

	AMSetHandler(id uint8, handler amrouter.Handler, class amrouter.Class) error
	AMTrace(id uint8, tracer func(id uint8, data []byte))

	// WakeupOpen prepares the interface's wakeup source for the given
	// flags and returns a pollable fd, or -1 if this interface exposes no
	// OS-level descriptor (in which case the worker still polls it via
	// Progress()).
	WakeupOpen(flags WakeupFlag) (fd int, err error)
	// WakeupEFDArm arms this interface's wakeup source for a subsequent
	// blocking wait, returning ErrBusy if the interface already has
	// pending work the caller must drain with Progress first (§4.1).
	WakeupEFDArm() error
	WakeupClose() error

	// Progress drives one non-blocking pass over this interface's
	// completions/incoming messages, returning the number handled.
	Progress() int
	Flush(blocking bool) error
}

// Endpoint is a connected communication handle to one remote peer on one
// Interface (§6 glossary "Endpoint").
type Endpoint interface {
	Destroy() error
	ConnectToEP(dev DeviceAddr, remoteEPAddr EndpointAddr) error
	Address() (EndpointAddr, error)

	SendAM(id uint8, header, payload []byte, flags uint32) error
	Put(remoteAddr uint64, rkey RKey, data []byte) error
	Get(remoteAddr uint64, rkey RKey, buf []byte) error
	Atomic(op AtomicOp, remoteAddr uint64, rkey RKey, value uint64, size int) (uint64, error)
}
