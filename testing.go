package meshwire

import (
	"sync"

	"github.com/meshwire/meshwire/internal/amrouter"
	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/rte"
)

// MockInterface provides a mock implementation of iface.Interface for
// testing code that depends on a Worker without pulling in a real
// transport. It tracks method calls for verification and lets a test
// inject a failure into Query, Close, WakeupOpen or WakeupEFDArm,
// mirroring the teacher's MockBackend.
type MockInterface struct {
	name       string
	resourceID int
	attr       iface.Attr

	QueryErr      error
	CloseErr      error
	ProgressCount int
	WakeupFD      int
	WakeupErr     error
	ArmErr        error

	mu          sync.RWMutex
	closed      bool
	queryCalls  int
	closeCalls  int
	progressRun int
	flushCalls  int
	armCalls    int
	handlers    map[uint8]amrouter.Handler
}

// NewMockInterface creates a mock interface advertising attr under name.
func NewMockInterface(name string, resourceID int, attr iface.Attr) *MockInterface {
	return &MockInterface{
		name:       name,
		resourceID: resourceID,
		attr:       attr,
		WakeupFD:   -1,
		handlers:   make(map[uint8]amrouter.Handler),
	}
}

func (m *MockInterface) Name() string    { return m.name }
func (m *MockInterface) ResourceID() int { return m.resourceID }

// Query implements iface.Interface.
func (m *MockInterface) Query() (iface.Attr, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.QueryErr != nil {
		return iface.Attr{}, m.QueryErr
	}
	return m.attr, nil
}

// Close implements iface.Interface.
func (m *MockInterface) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	if m.CloseErr != nil {
		return m.CloseErr
	}
	m.closed = true
	return nil
}

func (m *MockInterface) DeviceAddress() (iface.DeviceAddr, error) {
	return iface.DeviceAddr(m.name), nil
}

func (m *MockInterface) EPCreateConnected(iface.DeviceAddr, []byte) (iface.Endpoint, error) {
	return NewMockEndpoint(), nil
}

func (m *MockInterface) EPCreateUnconnected() (iface.Endpoint, error) {
	return NewMockEndpoint(), nil
}

func (m *MockInterface) MemAlloc(size uint64) (iface.MemHandle, error) {
	return &mockMemHandle{data: make([]byte, size)}, nil
}

func (m *MockInterface) MemFree(iface.MemHandle) error { return nil }

func (m *MockInterface) MKeyPack(iface.MemHandle) ([]byte, error) { return []byte(m.name), nil }

func (m *MockInterface) RKeyUnpack([]byte) (iface.RKey, error) { return &mockRKey{}, nil }

func (m *MockInterface) RKeyRelease(iface.RKey) error { return nil }

func (m *MockInterface) AMSetHandler(id uint8, handler amrouter.Handler, class amrouter.Class) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = handler
	return nil
}

func (m *MockInterface) AMTrace(uint8, func(id uint8, data []byte)) {}

// WakeupOpen returns the test-configured WakeupFD/WakeupErr.
func (m *MockInterface) WakeupOpen(iface.WakeupFlag) (int, error) {
	return m.WakeupFD, m.WakeupErr
}

// WakeupEFDArm returns the test-configured ArmErr (e.g. iface.ErrBusy) and
// records how many times it has been called.
func (m *MockInterface) WakeupEFDArm() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armCalls++
	return m.ArmErr
}

func (m *MockInterface) WakeupClose() error { return nil }

// Progress returns the test-configured ProgressCount and records how many
// times it has been called.
func (m *MockInterface) Progress() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progressRun++
	return m.ProgressCount
}

func (m *MockInterface) Flush(bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushCalls++
	return nil
}

// IsClosed reports whether Close has succeeded at least once.
func (m *MockInterface) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

// CallCounts returns how many times each tracked method has been called,
// for use in assertions.
func (m *MockInterface) CallCounts() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"query":    m.queryCalls,
		"close":    m.closeCalls,
		"progress": m.progressRun,
		"flush":    m.flushCalls,
		"arm":      m.armCalls,
	}
}

// Reset clears all call counters and the closed flag.
func (m *MockInterface) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls, m.closeCalls, m.progressRun, m.flushCalls, m.armCalls = 0, 0, 0, 0, 0
	m.closed = false
}

type mockMemHandle struct{ data []byte }

func (h *mockMemHandle) Addr() uintptr { return 0 }
func (h *mockMemHandle) Len() uint64   { return uint64(len(h.data)) }

type mockRKey struct{}

func (mockRKey) KeyType() string { return "mock" }

// MockEndpoint provides a mock implementation of iface.Endpoint, tracking
// send/put/get call counts the same way MockInterface tracks its own;
// Atomic calls are not counted.
type MockEndpoint struct {
	DestroyErr error
	ConnectErr error
	SendErr    error

	mu        sync.Mutex
	destroyed bool
	sendCalls int
	putCalls  int
	getCalls  int
}

// NewMockEndpoint returns a ready-to-use MockEndpoint with no injected
// errors.
func NewMockEndpoint() *MockEndpoint {
	return &MockEndpoint{}
}

func (m *MockEndpoint) Destroy() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.DestroyErr != nil {
		return m.DestroyErr
	}
	m.destroyed = true
	return nil
}

func (m *MockEndpoint) ConnectToEP(iface.DeviceAddr, iface.EndpointAddr) error {
	return m.ConnectErr
}

func (m *MockEndpoint) Address() (iface.EndpointAddr, error) { return iface.EndpointAddr("mock"), nil }

func (m *MockEndpoint) SendAM(uint8, []byte, []byte, uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls++
	return m.SendErr
}

func (m *MockEndpoint) Put(uint64, iface.RKey, []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.putCalls++
	return nil
}

func (m *MockEndpoint) Get(uint64, iface.RKey, []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	return nil
}

func (m *MockEndpoint) Atomic(iface.AtomicOp, uint64, iface.RKey, uint64, int) (uint64, error) {
	return 0, nil
}

// IsDestroyed reports whether Destroy has succeeded at least once.
func (m *MockEndpoint) IsDestroyed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed
}

// CallCounts returns how many times each tracked method has been called.
func (m *MockEndpoint) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"send": m.sendCalls, "put": m.putCalls, "get": m.getCalls}
}

// MockRTE provides a mock implementation of rte.RTE for unit-testing code
// that drives a rendezvous collaborator (bring-up, multi-thread status
// reporting) without a real multi-peer group. Unlike internal/rte's
// in-process Group, it does not synchronize with any peer: a test scripts
// what ExchangeVec/Recv should return via SetGathered, and Barrier/Report
// simply record that they were called.
type MockRTE struct {
	Size  int
	Index int

	ExchangeVecErr error
	BarrierErr     error
	ReportErr      error

	mu           sync.Mutex
	posted       [][]byte
	gathered     [][]byte
	barrierCalls int
	reports      []rte.Result
}

// NewMockRTE returns a MockRTE reporting the given static group size and
// index.
func NewMockRTE(size, index int) *MockRTE {
	return &MockRTE{Size: size, Index: index}
}

func (m *MockRTE) GroupSize() int  { return m.Size }
func (m *MockRTE) GroupIndex() int { return m.Index }

// PostVec records the concatenated vec; it becomes ExchangeVec's return
// value unless SetGathered overrides it.
func (m *MockRTE) PostVec(vec [][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var buf []byte
	for _, v := range vec {
		buf = append(buf, v...)
	}
	m.posted = append(m.posted, buf)
	return nil
}

// SetGathered scripts what ExchangeVec/Recv return, letting a test stand
// in for peers that never actually call PostVec.
func (m *MockRTE) SetGathered(gathered [][]byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gathered = gathered
}

func (m *MockRTE) ExchangeVec() ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ExchangeVecErr != nil {
		return nil, m.ExchangeVecErr
	}
	if m.gathered != nil {
		return m.gathered, nil
	}
	return m.posted, nil
}

func (m *MockRTE) Recv(peer int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g := m.gathered
	if g == nil {
		g = m.posted
	}
	if peer < 0 || peer >= len(g) {
		return nil, NewError("mock_rte.recv", InvalidParam, true, "peer index out of range")
	}
	return g[peer], nil
}

func (m *MockRTE) Barrier() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.barrierCalls++
	return m.BarrierErr
}

func (m *MockRTE) Report(result rte.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ReportErr != nil {
		return m.ReportErr
	}
	m.reports = append(m.reports, result)
	return nil
}

// Reports returns every Result passed to Report so far.
func (m *MockRTE) Reports() []rte.Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]rte.Result(nil), m.reports...)
}

// BarrierCalls reports how many times Barrier has been called.
func (m *MockRTE) BarrierCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.barrierCalls
}

var (
	_ iface.Interface = (*MockInterface)(nil)
	_ iface.Endpoint  = (*MockEndpoint)(nil)
	_ rte.RTE         = (*MockRTE)(nil)
)
