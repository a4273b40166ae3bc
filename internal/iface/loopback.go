package iface

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/meshwire/meshwire/internal/amrouter"
)

// Hub is the shared "wire" that a set of Loopback interfaces register with,
// so that EPCreateConnected can resolve a peer's DeviceAddr to its
// in-process Interface. A Hub stands in for the out-of-scope physical
// transport back-end (spec.md §1): it is a test/demo fixture, not a
// production transport.
type Hub struct {
	mu   sync.Mutex
	ifcs map[string]*Loopback
}

// NewHub returns an empty, ready-to-use Hub.
func NewHub() *Hub {
	return &Hub{ifcs: make(map[string]*Loopback)}
}

func (h *Hub) register(l *Loopback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ifcs[string(l.deviceAddr)] = l
}

func (h *Hub) unregister(l *Loopback) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.ifcs, string(l.deviceAddr))
}

func (h *Hub) lookup(dev DeviceAddr) (*Loopback, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.ifcs[string(dev)]
	return l, ok
}

type amMessage struct {
	id    uint8
	data  []byte
	flags uint32
}

type memRegion struct {
	owner *Loopback
	addr  uint64
	data  []byte
	mu    sync.Mutex
}

func (m *memRegion) Addr() uintptr { return uintptr(m.addr) }
func (m *memRegion) Len() uint64   { return uint64(len(m.data)) }

// Loopback is an in-process transport interface implementation: sends are
// delivered directly into the peer's inbox/memory registry with no real
// I/O. It is used to exercise the Worker and capability validator without
// a physical transport.
type Loopback struct {
	name       string
	resourceID int
	hub        *Hub
	deviceAddr DeviceAddr
	attr       Attr
	router     *amrouter.Router

	inboxMu sync.Mutex
	inbox   []amMessage

	memMu    sync.Mutex
	mem      map[uint64]*memRegion
	nextAddr uint64

	closed int32
}

// LoopbackConfig lets callers shape the advertised Attr, so capability
// validator tests can exercise both accept and reject paths against the
// same transport.
type LoopbackConfig struct {
	Name       string
	ResourceID int
	Attr       Attr
}

// NewLoopback creates and registers a Loopback interface on hub.
func NewLoopback(hub *Hub, cfg LoopbackConfig) *Loopback {
	l := &Loopback{
		name:       cfg.Name,
		resourceID: cfg.ResourceID,
		hub:        hub,
		deviceAddr: DeviceAddr(xid.New().Bytes()),
		attr:       cfg.Attr,
		router:     amrouter.New(),
		mem:        make(map[uint64]*memRegion),
		nextAddr:   1,
	}
	hub.register(l)
	return l
}

func (l *Loopback) Name() string    { return l.name }
func (l *Loopback) ResourceID() int { return l.resourceID }

func (l *Loopback) Query() (Attr, error) { return l.attr, nil }

func (l *Loopback) Close() error {
	if !atomic.CompareAndSwapInt32(&l.closed, 0, 1) {
		return nil
	}
	l.hub.unregister(l)
	l.router.Reset()
	return nil
}

func (l *Loopback) DeviceAddress() (DeviceAddr, error) {
	return append(DeviceAddr(nil), l.deviceAddr...), nil
}

func (l *Loopback) EPCreateConnected(dev DeviceAddr, _ []byte) (Endpoint, error) {
	peer, ok := l.hub.lookup(dev)
	if !ok {
		return nil, errors.New("iface: loopback peer not found")
	}
	return &loopbackEndpoint{local: l, remote: peer}, nil
}

func (l *Loopback) EPCreateUnconnected() (Endpoint, error) {
	return &loopbackEndpoint{local: l}, nil
}

func (l *Loopback) MemAlloc(size uint64) (MemHandle, error) {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	addr := l.nextAddr
	l.nextAddr += size + 1
	r := &memRegion{owner: l, addr: addr, data: make([]byte, size)}
	l.mem[addr] = r
	return r, nil
}

func (l *Loopback) MemFree(h MemHandle) error {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	delete(l.mem, uint64(h.Addr()))
	return nil
}

func (l *Loopback) MKeyPack(h MemHandle) ([]byte, error) {
	r, ok := h.(*memRegion)
	if !ok {
		return nil, errors.New("iface: mkey_pack: not a loopback region")
	}
	buf := make([]byte, len(l.deviceAddr)+2+8+8)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(l.deviceAddr)))
	off += 2
	copy(buf[off:], l.deviceAddr)
	off += len(l.deviceAddr)
	binary.LittleEndian.PutUint64(buf[off:], r.addr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.data)))
	return buf, nil
}

type loopbackRKey struct {
	owner *Loopback
	addr  uint64
	size  uint64
}

func (k *loopbackRKey) KeyType() string { return "loopback" }

func (l *Loopback) RKeyUnpack(packed []byte) (RKey, error) {
	if len(packed) < 2 {
		return nil, errors.New("iface: rkey_unpack: short buffer")
	}
	off := 0
	devLen := int(binary.LittleEndian.Uint16(packed[off:]))
	off += 2
	if len(packed) < off+devLen+16 {
		return nil, errors.New("iface: rkey_unpack: truncated buffer")
	}
	dev := DeviceAddr(packed[off : off+devLen])
	off += devLen
	addr := binary.LittleEndian.Uint64(packed[off:])
	off += 8
	size := binary.LittleEndian.Uint64(packed[off:])

	owner, ok := l.hub.lookup(dev)
	if !ok {
		return nil, fmt.Errorf("iface: rkey_unpack: owner %x not found", dev)
	}
	return &loopbackRKey{owner: owner, addr: addr, size: size}, nil
}

func (l *Loopback) RKeyRelease(RKey) error { return nil }

func (l *Loopback) AMSetHandler(id uint8, handler amrouter.Handler, class amrouter.Class) error {
	ok := l.router.Register(id, handler, class, 0, l.attr.Features, l.attr.SyncCapable)
	if !ok {
		return errors.New("iface: am_set_handler: feature/capability mismatch")
	}
	return nil
}

func (l *Loopback) AMTrace(id uint8, tracer func(id uint8, data []byte)) {
	l.router.SetTracer(id, tracer)
}

func (l *Loopback) WakeupOpen(WakeupFlag) (int, error) { return -1, nil }

func (l *Loopback) WakeupEFDArm() error {
	if l.hasPending() {
		return ErrBusy
	}
	return nil
}

func (l *Loopback) WakeupClose() error { return nil }

// Progress dispatches up to all currently queued inbound AMs.
func (l *Loopback) Progress() int {
	l.inboxMu.Lock()
	pending := l.inbox
	l.inbox = nil
	l.inboxMu.Unlock()

	for _, m := range pending {
		_ = l.router.Dispatch(m.id, m.data, m.flags)
	}
	return len(pending)
}

func (l *Loopback) Flush(bool) error { return nil }

func (l *Loopback) hasPending() bool {
	l.inboxMu.Lock()
	defer l.inboxMu.Unlock()
	return len(l.inbox) > 0
}

func (l *Loopback) deliver(m amMessage) {
	l.inboxMu.Lock()
	l.inbox = append(l.inbox, m)
	l.inboxMu.Unlock()
}

func (l *Loopback) region(addr uint64) (*memRegion, bool) {
	l.memMu.Lock()
	defer l.memMu.Unlock()
	r, ok := l.mem[addr]
	return r, ok
}

type loopbackEndpoint struct {
	local  *Loopback
	remote *Loopback
}

func (e *loopbackEndpoint) Destroy() error { return nil }

func (e *loopbackEndpoint) ConnectToEP(dev DeviceAddr, _ EndpointAddr) error {
	peer, ok := e.local.hub.lookup(dev)
	if !ok {
		return errors.New("iface: connect_to_ep: peer not found")
	}
	e.remote = peer
	return nil
}

func (e *loopbackEndpoint) Address() (EndpointAddr, error) {
	return EndpointAddr(e.local.deviceAddr), nil
}

func (e *loopbackEndpoint) SendAM(id uint8, header, payload []byte, flags uint32) error {
	if e.remote == nil {
		return errors.New("iface: send_am: endpoint not connected")
	}
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	e.remote.deliver(amMessage{id: id, data: data, flags: flags})
	return nil
}

func (e *loopbackEndpoint) Put(remoteAddr uint64, rkey RKey, data []byte) error {
	lk, ok := rkey.(*loopbackRKey)
	if !ok {
		return errors.New("iface: put: foreign rkey")
	}
	r, ok := lk.owner.region(lk.addr)
	if !ok {
		return errors.New("iface: put: region not found")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - lk.addr
	if off+uint64(len(data)) > uint64(len(r.data)) {
		return errors.New("iface: put: out of bounds")
	}
	copy(r.data[off:], data)
	return nil
}

func (e *loopbackEndpoint) Get(remoteAddr uint64, rkey RKey, buf []byte) error {
	lk, ok := rkey.(*loopbackRKey)
	if !ok {
		return errors.New("iface: get: foreign rkey")
	}
	r, ok := lk.owner.region(lk.addr)
	if !ok {
		return errors.New("iface: get: region not found")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - lk.addr
	if off+uint64(len(buf)) > uint64(len(r.data)) {
		return errors.New("iface: get: out of bounds")
	}
	copy(buf, r.data[off:])
	return nil
}

func (e *loopbackEndpoint) Atomic(op AtomicOp, remoteAddr uint64, rkey RKey, value uint64, size int) (uint64, error) {
	lk, ok := rkey.(*loopbackRKey)
	if !ok {
		return 0, errors.New("iface: atomic: foreign rkey")
	}
	r, ok := lk.owner.region(lk.addr)
	if !ok {
		return 0, errors.New("iface: atomic: region not found")
	}
	if size != 4 && size != 8 {
		return 0, errors.New("iface: atomic: size must be 4 or 8")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	off := remoteAddr - lk.addr
	if off+uint64(size) > uint64(len(r.data)) {
		return 0, errors.New("iface: atomic: out of bounds")
	}

	var old uint64
	if size == 4 {
		old = uint64(binary.LittleEndian.Uint32(r.data[off:]))
	} else {
		old = binary.LittleEndian.Uint64(r.data[off:])
	}

	var result uint64
	switch op {
	case AtomicAdd:
		result = old + value
	case AtomicFAdd:
		result = old + value
	case AtomicSwap:
		result = value
	case AtomicCSwap:
		// value packs {compare, swap} is the caller's responsibility in a
		// richer protocol; this reference transport treats value as the
		// unconditional swap value, matching a degenerate single-writer
		// loopback test fixture.
		result = value
	default:
		return 0, fmt.Errorf("iface: atomic: unsupported op %d", op)
	}

	if size == 4 {
		binary.LittleEndian.PutUint32(r.data[off:], uint32(result))
	} else {
		binary.LittleEndian.PutUint64(r.data[off:], result)
	}
	return old, nil
}
