package iface

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/docker/docker/pkg/parsers/kernel"
	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"

	"github.com/meshwire/meshwire/internal/amrouter"
	"github.com/meshwire/meshwire/internal/logging"
)

const (
	frameAM        uint8 = 0
	framePutReq    uint8 = 1
	frameGetReq    uint8 = 2
	frameGetResp   uint8 = 3
	frameAtomicReq uint8 = 4
	frameAtomicRes uint8 = 5
)

// zeroCopyKernelFloor is the kernel version MSG_ZEROCOPY support landed in;
// TCPIface advertises CapPutZcopy/CapGetZcopy only when the running kernel
// is at least this version, following the version-gated capability pattern
// of sockstats' TCP_INFO struct-size table.
var zeroCopyKernelFloor = kernel.VersionInfo{Kernel: 4, Major: 14, Minor: 0}

var tcpRegistryMu sync.Mutex
var tcpRegistry = map[string]*TCPIface{}

// TCPIface is a TCP-socket-backed Interface. It is a reference
// implementation of the transport contract (§6), not a production one:
// Put/Get/Atomic are carried as small request/response control frames over
// the same stream rather than true RDMA. A DeviceAddr is a "host:port"
// listen address that EPCreateConnected dials directly.
type TCPIface struct {
	name       string
	resourceID int
	listener   net.Listener
	deviceAddr DeviceAddr
	attr       Attr
	router     *amrouter.Router
	log        *logging.Logger

	memMu    sync.Mutex
	mem      map[uint64]*memRegion
	nextAddr uint64

	closed int32
}

// NewTCPIface binds addr ("host:port", or "127.0.0.1:0" for an ephemeral
// port) and starts accepting peer connections in the background.
func NewTCPIface(name string, resourceID int, addr string) (*TCPIface, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("iface: tcp: listen: %w", err)
	}

	caps := CapAMShort | CapAMBcopy | CapPutShort | CapPutBcopy | CapGetBcopy | CapAtomic32 | CapAtomic64
	if kv, err := kernel.GetKernelVersion(); err == nil && kernel.CompareKernelVersion(*kv, zeroCopyKernelFloor) >= 0 {
		caps |= CapPutZcopy | CapGetZcopy
	}

	t := &TCPIface{
		name:       name,
		resourceID: resourceID,
		listener:   ln,
		deviceAddr: DeviceAddr(ln.Addr().String()),
		router:     amrouter.New(),
		log:        logging.Default(),
		mem:        make(map[uint64]*memRegion),
		nextAddr:   1,
		attr: Attr{
			Caps:     caps,
			MaxShort: 256,
			MaxBcopy: 1 << 20,
			MaxZcopy: 1 << 20,
			MaxIOV:   16,
		},
	}

	tcpRegistryMu.Lock()
	tcpRegistry[string(t.deviceAddr)] = t
	tcpRegistryMu.Unlock()

	go t.acceptLoop()
	return t, nil
}

func (t *TCPIface) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		ep := newTCPEndpoint(t, conn)
		go ep.readLoop()
	}
}

func (t *TCPIface) Name() string    { return t.name }
func (t *TCPIface) ResourceID() int { return t.resourceID }

func (t *TCPIface) Query() (Attr, error) { return t.attr, nil }

func (t *TCPIface) Close() error {
	if !atomic.CompareAndSwapInt32(&t.closed, 0, 1) {
		return nil
	}
	tcpRegistryMu.Lock()
	delete(tcpRegistry, string(t.deviceAddr))
	tcpRegistryMu.Unlock()
	t.router.Reset()
	return t.listener.Close()
}

func (t *TCPIface) DeviceAddress() (DeviceAddr, error) {
	return append(DeviceAddr(nil), t.deviceAddr...), nil
}

func (t *TCPIface) EPCreateConnected(dev DeviceAddr, _ []byte) (Endpoint, error) {
	conn, err := net.Dial("tcp", string(dev))
	if err != nil {
		return nil, fmt.Errorf("iface: tcp: dial: %w", err)
	}
	ep := newTCPEndpoint(t, conn)
	go ep.readLoop()
	return ep, nil
}

func (t *TCPIface) EPCreateUnconnected() (Endpoint, error) {
	return &tcpEndpoint{local: t}, nil
}

func (t *TCPIface) MemAlloc(size uint64) (MemHandle, error) {
	t.memMu.Lock()
	defer t.memMu.Unlock()
	addr := t.nextAddr
	t.nextAddr += size + 1
	r := &memRegion{addr: addr, data: make([]byte, size)}
	t.mem[addr] = r
	return r, nil
}

func (t *TCPIface) MemFree(h MemHandle) error {
	t.memMu.Lock()
	defer t.memMu.Unlock()
	delete(t.mem, uint64(h.Addr()))
	return nil
}

func (t *TCPIface) MKeyPack(h MemHandle) ([]byte, error) {
	r, ok := h.(*memRegion)
	if !ok {
		return nil, errors.New("iface: tcp: mkey_pack: not a tcp region")
	}
	buf := make([]byte, 2+len(t.deviceAddr)+16)
	off := 0
	binary.LittleEndian.PutUint16(buf[off:], uint16(len(t.deviceAddr)))
	off += 2
	copy(buf[off:], t.deviceAddr)
	off += len(t.deviceAddr)
	binary.LittleEndian.PutUint64(buf[off:], r.addr)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(len(r.data)))
	return buf, nil
}

type tcpRKey struct {
	dev  DeviceAddr
	addr uint64
}

func (k *tcpRKey) KeyType() string { return "tcp" }

func (t *TCPIface) RKeyUnpack(packed []byte) (RKey, error) {
	if len(packed) < 2 {
		return nil, errors.New("iface: tcp: rkey_unpack: short buffer")
	}
	devLen := int(binary.LittleEndian.Uint16(packed))
	if len(packed) < 2+devLen+16 {
		return nil, errors.New("iface: tcp: rkey_unpack: truncated buffer")
	}
	dev := DeviceAddr(packed[2 : 2+devLen])
	addr := binary.LittleEndian.Uint64(packed[2+devLen:])
	return &tcpRKey{dev: dev, addr: addr}, nil
}

func (t *TCPIface) RKeyRelease(RKey) error { return nil }

func (t *TCPIface) AMSetHandler(id uint8, handler amrouter.Handler, class amrouter.Class) error {
	if !t.router.Register(id, handler, class, 0, t.attr.Features, t.attr.SyncCapable) {
		return errors.New("iface: tcp: am_set_handler: feature/capability mismatch")
	}
	return nil
}

func (t *TCPIface) AMTrace(id uint8, tracer func(id uint8, data []byte)) {
	t.router.SetTracer(id, tracer)
}

func (t *TCPIface) WakeupOpen(WakeupFlag) (int, error) { return -1, nil }
func (t *TCPIface) WakeupEFDArm() error                { return nil }
func (t *TCPIface) WakeupClose() error                 { return nil }

// Progress is a no-op: tcpEndpoint reader goroutines dispatch inline as
// frames arrive, so there is no queued work for the worker to pump here.
func (t *TCPIface) Progress() int { return 0 }

func (t *TCPIface) Flush(bool) error { return nil }

func (t *TCPIface) region(addr uint64) (*memRegion, bool) {
	t.memMu.Lock()
	defer t.memMu.Unlock()
	r, ok := t.mem[addr]
	return r, ok
}

func lookupTCPIface(dev DeviceAddr) (*TCPIface, bool) {
	tcpRegistryMu.Lock()
	defer tcpRegistryMu.Unlock()
	t, ok := tcpRegistry[string(dev)]
	return t, ok
}

// tcpEndpoint is a connected peer handle: one writer mutex serializes
// outbound frames, and a background readLoop dispatches AM frames to the
// local router and resolves pending get/atomic request channels.
type tcpEndpoint struct {
	local *TCPIface
	conn  net.Conn

	writeMu sync.Mutex

	nextReqID uint32
	pendingMu sync.Mutex
	pending   map[uint32]chan []byte
}

func newTCPEndpoint(local *TCPIface, conn net.Conn) *tcpEndpoint {
	if rcvbuf, err := socketBufferSize(conn); err == nil {
		local.log.Debug("tcp endpoint connected", "remote", conn.RemoteAddr().String(), "rcvbuf", rcvbuf)
	}
	return &tcpEndpoint{
		local:   local,
		conn:    conn,
		pending: make(map[uint32]chan []byte),
	}
}

func (e *tcpEndpoint) Destroy() error {
	if e.conn == nil {
		return nil
	}
	return e.conn.Close()
}

func (e *tcpEndpoint) ConnectToEP(dev DeviceAddr, _ EndpointAddr) error {
	conn, err := net.Dial("tcp", string(dev))
	if err != nil {
		return fmt.Errorf("iface: tcp: connect_to_ep: %w", err)
	}
	e.conn = conn
	e.pending = make(map[uint32]chan []byte)
	go e.readLoop()
	return nil
}

func (e *tcpEndpoint) Address() (EndpointAddr, error) {
	if e.conn == nil {
		return nil, errors.New("iface: tcp: not connected")
	}
	return EndpointAddr(e.conn.LocalAddr().String()), nil
}

func (e *tcpEndpoint) writeFrame(kind uint8, id uint32, payload []byte) error {
	if e.conn == nil {
		return errors.New("iface: tcp: endpoint not connected")
	}
	hdr := make([]byte, 9)
	hdr[0] = kind
	binary.BigEndian.PutUint32(hdr[1:], id)
	binary.BigEndian.PutUint32(hdr[5:], uint32(len(payload)))

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if _, err := e.conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := e.conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// readLoop parses the [kind(1) id(4) len(4) payload] frame stream produced
// by writeFrame until the connection closes.
func (e *tcpEndpoint) readLoop() {
	hdr := make([]byte, 9)
	for {
		if _, err := io.ReadFull(e.conn, hdr); err != nil {
			return
		}
		kind := hdr[0]
		id := binary.BigEndian.Uint32(hdr[1:])
		n := binary.BigEndian.Uint32(hdr[5:])
		payload := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(e.conn, payload); err != nil {
				return
			}
		}

		switch kind {
		case frameAM:
			_ = e.local.router.Dispatch(uint8(id), payload, 0)
		case framePutReq:
			e.handlePutReq(payload)
		case frameGetReq:
			e.handleGetReq(id, payload)
		case frameGetResp, frameAtomicRes:
			e.resolvePending(id, payload)
		case frameAtomicReq:
			e.handleAtomicReq(id, payload)
		}
	}
}

func (e *tcpEndpoint) registerPending() (uint32, chan []byte) {
	id := atomic.AddUint32(&e.nextReqID, 1)
	ch := make(chan []byte, 1)
	e.pendingMu.Lock()
	e.pending[id] = ch
	e.pendingMu.Unlock()
	return id, ch
}

func (e *tcpEndpoint) resolvePending(id uint32, payload []byte) {
	e.pendingMu.Lock()
	ch, ok := e.pending[id]
	if ok {
		delete(e.pending, id)
	}
	e.pendingMu.Unlock()
	if ok {
		ch <- payload
	}
}

func (e *tcpEndpoint) SendAM(id uint8, header, payload []byte, flags uint32) error {
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	return e.writeFrame(frameAM, uint32(id), data)
}

func (e *tcpEndpoint) handlePutReq(payload []byte) {
	if len(payload) < 8 {
		return
	}
	addr := binary.BigEndian.Uint64(payload[:8])
	data := payload[8:]
	r, ok := e.local.region(addr)
	if !ok {
		return
	}
	r.mu.Lock()
	copy(r.data, data)
	r.mu.Unlock()
}

func (e *tcpEndpoint) Put(remoteAddr uint64, rkey RKey, data []byte) error {
	if _, ok := rkey.(*tcpRKey); !ok {
		return errors.New("iface: tcp: put: foreign rkey")
	}
	payload := make([]byte, 8+len(data))
	binary.BigEndian.PutUint64(payload[:8], remoteAddr)
	copy(payload[8:], data)
	return e.writeFrame(framePutReq, 0, payload)
}

func (e *tcpEndpoint) handleGetReq(reqID uint32, payload []byte) {
	if len(payload) < 12 {
		return
	}
	addr := binary.BigEndian.Uint64(payload[:8])
	n := binary.BigEndian.Uint32(payload[8:12])
	r, ok := e.local.region(addr)
	resp := make([]byte, n)
	if ok {
		r.mu.Lock()
		copy(resp, r.data)
		r.mu.Unlock()
	}
	_ = e.writeFrame(frameGetResp, reqID, resp)
}

func (e *tcpEndpoint) Get(remoteAddr uint64, rkey RKey, buf []byte) error {
	if _, ok := rkey.(*tcpRKey); !ok {
		return errors.New("iface: tcp: get: foreign rkey")
	}
	id, ch := e.registerPending()
	payload := make([]byte, 12)
	binary.BigEndian.PutUint64(payload[:8], remoteAddr)
	binary.BigEndian.PutUint32(payload[8:12], uint32(len(buf)))
	if err := e.writeFrame(frameGetReq, id, payload); err != nil {
		return err
	}
	resp := <-ch
	copy(buf, resp)
	return nil
}

func (e *tcpEndpoint) handleAtomicReq(reqID uint32, payload []byte) {
	if len(payload) < 21 {
		return
	}
	op := AtomicOp(payload[0])
	size := int(binary.BigEndian.Uint32(payload[1:5]))
	addr := binary.BigEndian.Uint64(payload[5:13])
	value := binary.BigEndian.Uint64(payload[13:21])

	r, ok := e.local.region(addr)
	var old uint64
	if ok && (size == 4 || size == 8) {
		r.mu.Lock()
		if size == 4 {
			old = uint64(binary.LittleEndian.Uint32(r.data))
		} else {
			old = binary.LittleEndian.Uint64(r.data)
		}
		var result uint64
		switch op {
		case AtomicAdd, AtomicFAdd:
			result = old + value
		default:
			result = value
		}
		if size == 4 {
			binary.LittleEndian.PutUint32(r.data, uint32(result))
		} else {
			binary.LittleEndian.PutUint64(r.data, result)
		}
		r.mu.Unlock()
	}

	resp := make([]byte, 8)
	binary.BigEndian.PutUint64(resp, old)
	_ = e.writeFrame(frameAtomicRes, reqID, resp)
}

func (e *tcpEndpoint) Atomic(op AtomicOp, remoteAddr uint64, rkey RKey, value uint64, size int) (uint64, error) {
	if _, ok := rkey.(*tcpRKey); !ok {
		return 0, errors.New("iface: tcp: atomic: foreign rkey")
	}
	if size != 4 && size != 8 {
		return 0, errors.New("iface: tcp: atomic: size must be 4 or 8")
	}
	id, ch := e.registerPending()
	payload := make([]byte, 21)
	payload[0] = byte(op)
	binary.BigEndian.PutUint32(payload[1:5], uint32(size))
	binary.BigEndian.PutUint64(payload[5:13], remoteAddr)
	binary.BigEndian.PutUint64(payload[13:21], value)
	if err := e.writeFrame(frameAtomicReq, id, payload); err != nil {
		return 0, err
	}
	resp := <-ch
	if len(resp) < 8 {
		return 0, errors.New("iface: tcp: atomic: short response")
	}
	return binary.BigEndian.Uint64(resp), nil
}

// socketBufferSize recovers the kernel SO_RCVBUF size for conn via its raw
// fd. The value is only logged at debug level; the advertised attributes
// do not depend on it.
func socketBufferSize(conn net.Conn) (int, error) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return 0, errors.New("iface: tcp: not a TCP connection")
	}
	fd := netfd.GetFdFromConn(tc)
	if fd < 0 {
		return 0, errors.New("iface: tcp: could not recover raw fd")
	}
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF)
}
