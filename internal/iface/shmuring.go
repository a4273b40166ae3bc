//go:build linux

package iface

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pawelgaczynski/giouring"
	"github.com/rs/xid"

	"github.com/meshwire/meshwire/internal/amrouter"
	"github.com/meshwire/meshwire/internal/logging"
)

// ringQueueDepth is the io_uring submission/completion queue depth backing
// ShmURing's completion signaling. One-sided ops and AM sends each submit a
// single NOP SQE and wait for its CQE before returning, turning the ring
// into a completion fence rather than a real I/O path: ShmURing's transfers
// themselves stay in-process (shared memory regions), matching a zero-copy
// loopback device that still exercises the real io_uring submit/complete
// cycle used by shmuring backends in production.
const ringQueueDepth = 64

// ShmHub is the registration directory ShmURing interfaces resolve peer
// DeviceAddrs against, mirroring Hub's role for plain Loopback interfaces.
// It is kept separate from Hub so non-Linux builds (which exclude this
// file) never need a ShmURing-shaped field in the portable Hub type.
type ShmHub struct {
	mu   sync.Mutex
	ifcs map[string]*ShmURing
}

// NewShmHub returns an empty, ready-to-use ShmHub.
func NewShmHub() *ShmHub {
	return &ShmHub{ifcs: make(map[string]*ShmURing)}
}

func (h *ShmHub) register(s *ShmURing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ifcs[string(s.deviceAddr)] = s
}

func (h *ShmHub) unregister(s *ShmURing) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ifcs, string(s.deviceAddr))
}

func (h *ShmHub) lookup(dev DeviceAddr) (*ShmURing, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.ifcs[string(dev)]
	return s, ok
}

// ShmURing is a loopback-style Interface whose completions are signaled
// through a real io_uring instance (github.com/pawelgaczynski/giouring)
// instead of plain Go channels/mutexes. Data for Put/Get/SendAM moves
// through regions shared in-process; the ring exists to exercise the same
// submit/wait/seen lifecycle a hardware-backed zero-copy transport would
// use for its completion queue.
type ShmURing struct {
	name       string
	resourceID int
	hub        *ShmHub
	deviceAddr DeviceAddr
	attr       Attr
	router     *amrouter.Router
	log        *logging.Logger

	ring   *giouring.Ring
	ringMu sync.Mutex

	inboxMu sync.Mutex
	inbox   []amMessage

	memMu    sync.Mutex
	mem      map[uint64]*memRegion
	nextAddr uint64

	closed int32
}

// NewShmURing creates a ring-backed interface and registers it on hub.
func NewShmURing(hub *ShmHub, cfg LoopbackConfig) (*ShmURing, error) {
	ring, err := giouring.CreateRing(ringQueueDepth)
	if err != nil {
		return nil, fmt.Errorf("iface: shmuring: create ring: %w", err)
	}
	s := &ShmURing{
		name:       cfg.Name,
		resourceID: cfg.ResourceID,
		hub:        hub,
		deviceAddr: DeviceAddr(xid.New().Bytes()),
		attr:       cfg.Attr,
		router:     amrouter.New(),
		log:        logging.Default(),
		ring:       ring,
		mem:        make(map[uint64]*memRegion),
		nextAddr:   1,
	}
	hub.register(s)
	return s, nil
}

// fence submits a single NOP SQE and blocks until its CQE is observed,
// serving as the ring-backed completion signal for one logical operation.
func (s *ShmURing) fence(tag uint64) error {
	s.ringMu.Lock()
	defer s.ringMu.Unlock()

	sqe := s.ring.GetSQE()
	if sqe == nil {
		return errors.New("iface: shmuring: submission queue full")
	}
	sqe.PrepareNop()
	sqe.UserData = tag

	if _, err := s.ring.SubmitAndWait(1); err != nil {
		return fmt.Errorf("iface: shmuring: submit: %w", err)
	}

	cqe, err := s.ring.WaitCQE()
	if err != nil {
		return fmt.Errorf("iface: shmuring: wait cqe: %w", err)
	}
	s.ring.CQESeen(cqe)
	return nil
}

func (s *ShmURing) Name() string    { return s.name }
func (s *ShmURing) ResourceID() int { return s.resourceID }

func (s *ShmURing) Query() (Attr, error) { return s.attr, nil }

func (s *ShmURing) Close() error {
	if !atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		return nil
	}
	s.hub.unregister(s)
	s.router.Reset()
	s.ring.QueueExit()
	return nil
}

func (s *ShmURing) DeviceAddress() (DeviceAddr, error) {
	return append(DeviceAddr(nil), s.deviceAddr...), nil
}

func (s *ShmURing) EPCreateConnected(dev DeviceAddr, _ []byte) (Endpoint, error) {
	peer, ok := s.hub.lookup(dev)
	if !ok {
		return nil, errors.New("iface: shmuring peer not found")
	}
	return &shmURingEndpoint{local: s, remote: peer}, nil
}

func (s *ShmURing) EPCreateUnconnected() (Endpoint, error) {
	return &shmURingEndpoint{local: s}, nil
}

func (s *ShmURing) MemAlloc(size uint64) (MemHandle, error) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	addr := s.nextAddr
	s.nextAddr += size + 1
	r := &memRegion{addr: addr, data: make([]byte, size)}
	s.mem[addr] = r
	return r, nil
}

func (s *ShmURing) MemFree(h MemHandle) error {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	delete(s.mem, uint64(h.Addr()))
	return nil
}

func (s *ShmURing) MKeyPack(h MemHandle) ([]byte, error) {
	r, ok := h.(*memRegion)
	if !ok {
		return nil, errors.New("iface: shmuring: mkey_pack: not a shmuring region")
	}
	buf := make([]byte, len(s.deviceAddr)+2+16)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(s.deviceAddr)))
	off += 2
	copy(buf[off:], s.deviceAddr)
	off += len(s.deviceAddr)
	binary.LittleEndian.PutUint64(buf[off:], r.addr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.data)))
	return buf, nil
}

type shmURingRKey struct {
	owner *ShmURing
	addr  uint64
}

func (k *shmURingRKey) KeyType() string { return "shmuring" }

func (s *ShmURing) RKeyUnpack(packed []byte) (RKey, error) {
	if len(packed) < 2 {
		return nil, errors.New("iface: shmuring: rkey_unpack: short buffer")
	}
	devLen := int(binary.LittleEndian.Uint16(packed))
	if len(packed) < 2+devLen+16 {
		return nil, errors.New("iface: shmuring: rkey_unpack: truncated buffer")
	}
	dev := DeviceAddr(packed[2 : 2+devLen])
	addr := binary.LittleEndian.Uint64(packed[2+devLen:])

	owner, ok := s.hub.lookup(dev)
	if !ok {
		return nil, fmt.Errorf("iface: shmuring: rkey_unpack: owner %x not found", dev)
	}
	return &shmURingRKey{owner: owner, addr: addr}, nil
}

func (s *ShmURing) RKeyRelease(RKey) error { return nil }

func (s *ShmURing) AMSetHandler(id uint8, handler amrouter.Handler, class amrouter.Class) error {
	if !s.router.Register(id, handler, class, 0, s.attr.Features, s.attr.SyncCapable) {
		return errors.New("iface: shmuring: am_set_handler: feature/capability mismatch")
	}
	return nil
}

func (s *ShmURing) AMTrace(id uint8, tracer func(id uint8, data []byte)) {
	s.router.SetTracer(id, tracer)
}

func (s *ShmURing) WakeupOpen(WakeupFlag) (int, error) { return -1, nil }

func (s *ShmURing) WakeupEFDArm() error {
	if s.hasPending() {
		return ErrBusy
	}
	return nil
}

func (s *ShmURing) WakeupClose() error { return nil }

func (s *ShmURing) Progress() int {
	s.inboxMu.Lock()
	pending := s.inbox
	s.inbox = nil
	s.inboxMu.Unlock()
	for _, m := range pending {
		_ = s.router.Dispatch(m.id, m.data, m.flags)
	}
	return len(pending)
}

func (s *ShmURing) Flush(bool) error { return nil }

func (s *ShmURing) hasPending() bool {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.inbox) > 0
}

func (s *ShmURing) deliver(m amMessage) {
	s.inboxMu.Lock()
	s.inbox = append(s.inbox, m)
	s.inboxMu.Unlock()
}

func (s *ShmURing) region(addr uint64) (*memRegion, bool) {
	s.memMu.Lock()
	defer s.memMu.Unlock()
	r, ok := s.mem[addr]
	return r, ok
}

type shmURingEndpoint struct {
	local  *ShmURing
	remote *ShmURing
}

func (e *shmURingEndpoint) Destroy() error { return nil }

func (e *shmURingEndpoint) ConnectToEP(dev DeviceAddr, _ EndpointAddr) error {
	peer, ok := e.local.hub.lookup(dev)
	if !ok {
		return errors.New("iface: shmuring: connect_to_ep: peer not found")
	}
	e.remote = peer
	return nil
}

func (e *shmURingEndpoint) Address() (EndpointAddr, error) {
	return EndpointAddr(e.local.deviceAddr), nil
}

func (e *shmURingEndpoint) SendAM(id uint8, header, payload []byte, flags uint32) error {
	if e.remote == nil {
		return errors.New("iface: shmuring: send_am: endpoint not connected")
	}
	if err := e.local.fence(uint64(id)); err != nil {
		return err
	}
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	e.remote.deliver(amMessage{id: id, data: data, flags: flags})
	return nil
}

func (e *shmURingEndpoint) Put(remoteAddr uint64, rkey RKey, data []byte) error {
	rk, ok := rkey.(*shmURingRKey)
	if !ok {
		return errors.New("iface: shmuring: put: foreign rkey")
	}
	r, ok := rk.owner.region(rk.addr)
	if !ok {
		return errors.New("iface: shmuring: put: region not found")
	}
	if err := e.local.fence(remoteAddr); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - rk.addr
	if off+uint64(len(data)) > uint64(len(r.data)) {
		return errors.New("iface: shmuring: put: out of bounds")
	}
	copy(r.data[off:], data)
	return nil
}

func (e *shmURingEndpoint) Get(remoteAddr uint64, rkey RKey, buf []byte) error {
	rk, ok := rkey.(*shmURingRKey)
	if !ok {
		return errors.New("iface: shmuring: get: foreign rkey")
	}
	r, ok := rk.owner.region(rk.addr)
	if !ok {
		return errors.New("iface: shmuring: get: region not found")
	}
	if err := e.local.fence(remoteAddr); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - rk.addr
	if off+uint64(len(buf)) > uint64(len(r.data)) {
		return errors.New("iface: shmuring: get: out of bounds")
	}
	copy(buf, r.data[off:])
	return nil
}

func (e *shmURingEndpoint) Atomic(op AtomicOp, remoteAddr uint64, rkey RKey, value uint64, size int) (uint64, error) {
	rk, ok := rkey.(*shmURingRKey)
	if !ok {
		return 0, errors.New("iface: shmuring: atomic: foreign rkey")
	}
	r, ok := rk.owner.region(rk.addr)
	if !ok {
		return 0, errors.New("iface: shmuring: atomic: region not found")
	}
	if size != 4 && size != 8 {
		return 0, errors.New("iface: shmuring: atomic: size must be 4 or 8")
	}
	if err := e.local.fence(remoteAddr ^ uint64(op)); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - rk.addr
	if off+uint64(size) > uint64(len(r.data)) {
		return 0, errors.New("iface: shmuring: atomic: out of bounds")
	}

	var old uint64
	if size == 4 {
		old = uint64(binary.LittleEndian.Uint32(r.data[off:]))
	} else {
		old = binary.LittleEndian.Uint64(r.data[off:])
	}

	var result uint64
	switch op {
	case AtomicAdd, AtomicFAdd:
		result = old + value
	case AtomicSwap, AtomicCSwap:
		result = value
	default:
		return 0, fmt.Errorf("iface: shmuring: atomic: unsupported op %d", op)
	}

	if size == 4 {
		binary.LittleEndian.PutUint32(r.data[off:], uint32(result))
	} else {
		binary.LittleEndian.PutUint64(r.data[off:], result)
	}
	return old, nil
}
