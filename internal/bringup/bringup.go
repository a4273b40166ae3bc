// Package bringup implements the rendezvous + endpoint bring-up protocol
// of spec §4.7: pack a local address/remote-key record, exchange it
// through the rendezvous collaborator, connect, and optionally confirm a
// collective status before handing a live Endpoint back to the caller.
//
// This reference implementation targets the two-peer rendezvous spec.md
// §8's scenarios actually drive (one local worker, one remote peer); a
// full N-ary connect-to-endpoint mesh fan-out is out of scope, matching
// internal/rte's own "real transport is out of scope" framing.
package bringup

import (
	"encoding/binary"
	"fmt"

	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/rte"
)

// Mode selects which connection path bring-up uses, per spec.md §3's
// lifecycle section.
type Mode int

const (
	// ModeConnectToIface is the one-step path: EPCreateConnected(device).
	ModeConnectToIface Mode = iota
	// ModeConnectToEndpoint is the two-step path: EPCreateUnconnected,
	// then ConnectToEP once the peer's endpoint address is known.
	ModeConnectToEndpoint
)

// maxRecordSize is the agreed scratch-buffer upper bound for one peer's
// packed info record (spec.md §4.7 step 2).
const maxRecordSize = 2048

// PeerLink is the result of a successful bring-up: a connected endpoint
// plus the remote side's receive-buffer address and unpacked remote key,
// ready for Put/Get.
type PeerLink struct {
	Endpoint         iface.Endpoint
	RemoteRecvBuffer uint64
	RemoteKey        iface.RKey
}

// Config parameterizes one bring-up call.
type Config struct {
	Mode Mode
	// LocalRecvBufferAddr is this side's registered receive buffer
	// address, announced to the peer.
	LocalRecvBufferAddr uint64
	// LocalMKey is this side's packed memory key for LocalRecvBufferAddr,
	// or nil if this run doesn't register one-sided memory.
	LocalMKey []byte
	// ExchangeStatus runs the messaging-API collective status check of
	// spec.md §4.7 step 6 after connecting.
	ExchangeStatus bool
	Verbose        bool
}

func packRecord(deviceAddr, epAddr, mkey []byte, recvBufAddr uint64) ([]byte, error) {
	size := 4 + 8 + 4 + len(deviceAddr) + 4 + len(epAddr) + len(mkey)
	if size > maxRecordSize {
		return nil, fmt.Errorf("bringup: packed record %d bytes exceeds %d byte limit", size, maxRecordSize)
	}
	buf := make([]byte, size)
	off := 0
	binary.BigEndian.PutUint32(buf[off:], uint32(len(mkey)))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], recvBufAddr)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(len(deviceAddr)))
	off += 4
	off += copy(buf[off:], deviceAddr)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(epAddr)))
	off += 4
	off += copy(buf[off:], epAddr)
	copy(buf[off:], mkey)
	return buf, nil
}

type decodedRecord struct {
	recvBufAddr uint64
	deviceAddr  []byte
	epAddr      []byte
	mkey        []byte
}

func unpackRecord(buf []byte) (decodedRecord, error) {
	if len(buf) < 16 {
		return decodedRecord{}, fmt.Errorf("bringup: record too short (%d bytes)", len(buf))
	}
	off := 0
	rkeyLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	recvBufAddr := binary.BigEndian.Uint64(buf[off:])
	off += 8
	devLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+devLen > len(buf) {
		return decodedRecord{}, fmt.Errorf("bringup: truncated device address")
	}
	deviceAddr := buf[off : off+devLen]
	off += devLen
	if off+4 > len(buf) {
		return decodedRecord{}, fmt.Errorf("bringup: truncated record")
	}
	epLen := int(binary.BigEndian.Uint32(buf[off:]))
	off += 4
	if off+epLen > len(buf) {
		return decodedRecord{}, fmt.Errorf("bringup: truncated endpoint address")
	}
	epAddr := buf[off : off+epLen]
	off += epLen
	if off+rkeyLen > len(buf) {
		return decodedRecord{}, fmt.Errorf("bringup: truncated remote key")
	}
	mkey := buf[off : off+rkeyLen]
	return decodedRecord{recvBufAddr: recvBufAddr, deviceAddr: deviceAddr, epAddr: epAddr, mkey: mkey}, nil
}

// Run executes the bring-up protocol over a two-member rte.RTE group and
// returns a connected PeerLink.
func Run(r rte.RTE, ifc iface.Interface, cfg Config) (*PeerLink, error) {
	if r.GroupSize() != 2 {
		return nil, fmt.Errorf("bringup: this implementation requires exactly 2 peers, got %d", r.GroupSize())
	}
	peerIndex := 1 - r.GroupIndex()

	deviceAddr, err := ifc.DeviceAddress()
	if err != nil {
		return nil, fmt.Errorf("bringup: device_address: %w", err)
	}

	var unconnected iface.Endpoint
	var localEPAddr []byte
	if cfg.Mode == ModeConnectToEndpoint {
		unconnected, err = ifc.EPCreateUnconnected()
		if err != nil {
			return nil, fmt.Errorf("bringup: ep_create_unconnected: %w", err)
		}
		addr, err := unconnected.Address()
		if err != nil {
			return nil, fmt.Errorf("bringup: endpoint address: %w", err)
		}
		localEPAddr = addr
	}

	record, err := packRecord([]byte(deviceAddr), localEPAddr, cfg.LocalMKey, cfg.LocalRecvBufferAddr)
	if err != nil {
		return nil, err
	}

	if err := r.PostVec([][]byte{record}); err != nil {
		return nil, fmt.Errorf("bringup: post_vec: %w", err)
	}
	gathered, err := r.ExchangeVec()
	if err != nil {
		return nil, fmt.Errorf("bringup: exchange_vec: %w", err)
	}
	if peerIndex >= len(gathered) {
		return nil, fmt.Errorf("bringup: peer index %d out of range", peerIndex)
	}

	peer, err := unpackRecord(gathered[peerIndex])
	if err != nil {
		return nil, fmt.Errorf("bringup: decode peer record: %w", err)
	}

	// From here on, a failure no longer aborts unilaterally: this peer
	// still participates in the barrier and (if enabled) the status
	// exchange below so its peer is not left waiting on the collective,
	// and so the peer learns *which* step failed rather than just
	// observing a hang or a bare OK/FAIL bit.
	var ep iface.Endpoint
	var remoteKey iface.RKey
	kind := statusOK
	var stepErr error

	switch cfg.Mode {
	case ModeConnectToIface:
		ep, err = ifc.EPCreateConnected(iface.DeviceAddr(peer.deviceAddr), nil)
		if err != nil {
			kind, stepErr = statusConnectFailure, fmt.Errorf("bringup: create_connected: %w", err)
		}
	case ModeConnectToEndpoint:
		if err := unconnected.ConnectToEP(iface.DeviceAddr(peer.deviceAddr), iface.EndpointAddr(peer.epAddr)); err != nil {
			kind, stepErr = statusConnectFailure, fmt.Errorf("bringup: connect_to_ep: %w", err)
		} else {
			ep = unconnected
		}
	default:
		kind, stepErr = statusOtherFailure, fmt.Errorf("bringup: unknown mode %d", cfg.Mode)
	}

	if stepErr == nil && len(peer.mkey) > 0 {
		remoteKey, err = ifc.RKeyUnpack(peer.mkey)
		if err != nil {
			kind, stepErr = statusRKeyFailure, fmt.Errorf("bringup: rkey_unpack: %w", err)
		}
	}

	if stepErr == nil {
		if err := ifc.Flush(true); err != nil {
			kind, stepErr = statusOtherFailure, fmt.Errorf("bringup: flush: %w", err)
		}
	}

	if err := r.Barrier(); err != nil {
		return nil, fmt.Errorf("bringup: barrier: %w", err)
	}

	if cfg.ExchangeStatus {
		if err := exchangeStatus(r, kind, stepErr); err != nil {
			_ = Teardown(r, ifc, &PeerLink{Endpoint: ep, RemoteKey: remoteKey})
			if stepErr != nil {
				return nil, stepErr
			}
			return nil, err
		}
	}
	if stepErr != nil {
		return nil, stepErr
	}

	return &PeerLink{Endpoint: ep, RemoteRecvBuffer: peer.recvBufAddr, RemoteKey: remoteKey}, nil
}

// statusKind distinguishes why a peer's local bring-up step failed, so the
// collective status check (step 6) can report the actual failure kind
// instead of a bare OK/FAIL bit (ucp_worker.c's connect-vs-rkey-unpack
// distinction in its diagnostic string; SUPPLEMENTED FEATURES note 4).
type statusKind byte

const (
	statusOK statusKind = iota
	statusConnectFailure
	statusRKeyFailure
	statusOtherFailure
)

func (k statusKind) String() string {
	switch k {
	case statusOK:
		return "ok"
	case statusConnectFailure:
		return "connect failure"
	case statusRKeyFailure:
		return "rkey unpack failure"
	case statusOtherFailure:
		return "other failure"
	default:
		return "unknown failure"
	}
}

// exchangeStatus implements step 6's collective status check: every peer
// contributes its local status (kind, OK if healthy) and a diagnostic
// message; if any peer reports non-OK, every peer observes that peer's
// specific failure kind and message, not just a generic failure.
func exchangeStatus(r rte.RTE, kind statusKind, localErr error) error {
	msg := ""
	if localErr != nil {
		msg = localErr.Error()
	}
	if err := r.PostVec([][]byte{{byte(kind)}, []byte(msg)}); err != nil {
		return fmt.Errorf("bringup: status post_vec: %w", err)
	}
	gathered, err := r.ExchangeVec()
	if err != nil {
		return fmt.Errorf("bringup: status exchange_vec: %w", err)
	}
	for peerIdx, g := range gathered {
		if len(g) == 0 || statusKind(g[0]) == statusOK {
			continue
		}
		peerKind := statusKind(g[0])
		peerMsg := string(g[1:])
		return fmt.Errorf("bringup: peer %d reported %s during bring-up: %s", peerIdx, peerKind, peerMsg)
	}
	return nil
}

// Teardown implements the symmetric teardown of spec.md §4.7: barrier,
// destroy the endpoint, release the remote key. Nulling the AM handler
// table is the interface's own responsibility on Close.
func Teardown(r rte.RTE, ifc iface.Interface, link *PeerLink) error {
	if err := r.Barrier(); err != nil {
		return fmt.Errorf("bringup: teardown barrier: %w", err)
	}
	if link.Endpoint != nil {
		if err := link.Endpoint.Destroy(); err != nil {
			return fmt.Errorf("bringup: teardown destroy endpoint: %w", err)
		}
	}
	if link.RemoteKey != nil {
		if err := ifc.RKeyRelease(link.RemoteKey); err != nil {
			return fmt.Errorf("bringup: teardown rkey_release: %w", err)
		}
	}
	return nil
}
