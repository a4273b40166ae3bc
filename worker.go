package meshwire

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"

	"github.com/meshwire/meshwire/internal/amrouter"
	"github.com/meshwire/meshwire/internal/atomicsel"
	"github.com/meshwire/meshwire/internal/capval"
	"github.com/meshwire/meshwire/internal/epconfig"
	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/logging"
	"github.com/meshwire/meshwire/internal/reqpool"
	"github.com/meshwire/meshwire/internal/wakeup"
)

// locker is the Worker's pluggable synchronization primitive: no-op for
// SINGLE/SERIALIZED, a real lock for MULTI (spec.md §4.5 step 2, §9's
// "always take it" guidance for the non-SINGLE path).
type locker interface {
	Lock()
	Unlock()
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// spinlock is a busy-wait lock built on atomic.Bool plus runtime.Gosched,
// the MULTI-mode alternative to a mutex spec.md §4.5 step 2 calls for;
// grounded in the teacher's preference for lock-free/atomic synchronization
// primitives in its hot I/O path (internal/queue/runner.go's atomic loads)
// generalized here to a full lock since the Worker's critical sections are
// not read-only.
type spinlock struct {
	held atomic.Bool
}

func (s *spinlock) Lock() {
	for !s.held.CompareAndSwap(false, true) {
		runtime.Gosched()
	}
}

func (s *spinlock) Unlock() { s.held.Store(false) }

// SyncPrimitive selects which locker a MULTI-mode Worker constructs.
type SyncPrimitive int

const (
	SyncMutex SyncPrimitive = iota
	SyncSpinlock
)

// stubEndpoint buffers sends until real wireup completes, per spec.md
// §3's "stub endpoint" lifecycle note.
type stubEndpoint struct {
	destUUID string
	pending  [][]byte
	mu       sync.Mutex
}

func (s *stubEndpoint) buffer(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, data)
}

// WorkerConfig configures Worker.Create. Interfaces are pre-opened by the
// caller (spec.md §6 treats the transport interface as "consumed, not
// specified"; this package does not know how to open any one transport,
// only how to drive the common contract once opened).
type WorkerConfig struct {
	ThreadMode    ThreadMode
	SyncPrimitive SyncPrimitive
	AsyncMode     AsyncMode
	Interfaces    []iface.Interface
	AtomicPolicy  atomicsel.Policy
	Logger        *logging.Logger
}

// Worker is the long-lived progress/resource-management unit of spec.md
// §3/§4.5: an interface table, attribute cache, wakeup set, endpoint
// hash, endpoint-config cache, atomic-resource mask, request pool, and
// stub-endpoint list, all reached through Progress()/Wait().
type Worker struct {
	UUID string

	lock locker

	ifaces []iface.Interface
	attrs  []iface.Attr

	wakeupSet *wakeup.Set

	endpointsMu sync.RWMutex
	endpoints   map[string]iface.Endpoint

	epConfig *epconfig.Cache

	atomicMask atomicsel.Result

	requests *reqpool.Pool

	router *amrouter.Router

	stubsMu sync.Mutex
	stubs   []*stubEndpoint

	reentry atomic.Int32

	asyncMode     AsyncMode
	asyncStop     chan struct{}
	asyncDone     chan struct{}
	asyncStopOnce sync.Once

	log *logging.Logger

	closed bool
}

// Create implements spec.md §4.5's Create steps, unwinding prior steps in
// reverse order on any interface-open failure.
func Create(cfg WorkerConfig) (*Worker, error) {
	log := cfg.Logger
	if log == nil {
		log = logging.Default()
	}

	w := &Worker{
		UUID:      xid.New().String(),
		ifaces:    make([]iface.Interface, len(cfg.Interfaces)),
		attrs:     make([]iface.Attr, len(cfg.Interfaces)),
		wakeupSet: wakeup.New(),
		endpoints: make(map[string]iface.Endpoint),
		epConfig:  epconfig.New(),
		requests:  reqpool.New(),
		router:    amrouter.New(),
		log:       log,
	}

	switch cfg.ThreadMode {
	case ThreadMulti:
		if cfg.SyncPrimitive == SyncSpinlock {
			w.lock = &spinlock{}
		} else {
			w.lock = &sync.Mutex{}
		}
	default:
		w.lock = noopLocker{}
	}

	opened := 0
	for i, ifc := range cfg.Interfaces {
		if ifc == nil {
			w.unwind(opened)
			return nil, NewError("worker.create", InvalidParam, true, fmt.Sprintf("nil interface at index %d", i))
		}
		attr, err := ifc.Query()
		if err != nil {
			w.unwind(opened)
			return nil, WrapError("worker.create", err)
		}
		w.ifaces[i] = ifc
		w.attrs[i] = attr
		opened = i + 1

		if fd, ferr := ifc.WakeupOpen(iface.WakeupTXCompletion | iface.WakeupRXAM | iface.WakeupRXSignaledAM); ferr == nil && fd >= 0 {
			w.wakeupSet.Add(wakeup.Source{Name: ifc.Name(), FD: fd})
		}
	}

	candidates := make([]atomicsel.Candidate, len(w.attrs))
	for i, a := range w.attrs {
		candidates[i] = atomicsel.Candidate{
			ResourceID:     w.ifaces[i].ResourceID(),
			Caps:           a.Caps,
			Bandwidth:      a.Bandwidth,
			Overhead:       a.Overhead,
			Priority:       a.Priority,
			DeviceName:     a.DeviceName,
			MemDomainIndex: a.MemDomainIndex,
		}
	}
	policy := cfg.AtomicPolicy
	if result, ok := atomicsel.Select(policy, candidates); ok {
		w.atomicMask = result
	} else {
		w.log.Info("worker: no interface advertises atomic support")
	}

	w.asyncMode = cfg.AsyncMode
	if cfg.AsyncMode == AsyncThread || cfg.AsyncMode == AsyncSignal {
		w.asyncStop = make(chan struct{})
		w.asyncDone = make(chan struct{})
		go w.asyncLoop()
	}

	return w, nil
}

// asyncLoop is the goroutine-driven async context of spec.md §3's
// async_mode field: it keeps calling Progress until asyncStop closes,
// blocking in Wait between empty passes instead of spinning. AsyncThread
// and AsyncSignal both run this loop — this runtime has no distinct
// signal-driven flavor (SUPPLEMENTED FEATURES note 3), so the two modes
// are pollable the same way.
func (w *Worker) asyncLoop() {
	defer close(w.asyncDone)
	for {
		select {
		case <-w.asyncStop:
			return
		default:
		}
		if w.Progress() == 0 {
			if err := w.Wait(); err != nil {
				return
			}
		}
	}
}

// stopAsync halts the async goroutine, if one was started, and waits for
// it to exit. Safe to call multiple times and from a Worker with no
// async goroutine at all.
func (w *Worker) stopAsync() {
	w.asyncStopOnce.Do(func() {
		if w.asyncStop == nil {
			return
		}
		close(w.asyncStop)
		_ = w.wakeupSet.Signal()
		<-w.asyncDone
	})
}

// AsyncMode reports the async context flavor this Worker was created
// with.
func (w *Worker) AsyncMode() AsyncMode {
	return w.asyncMode
}

// unwind tears down the first n successfully opened interfaces, in
// reverse order, matching the teacher's ctrl.Controller step-ordered
// unwind-on-failure discipline.
func (w *Worker) unwind(n int) {
	for i := n - 1; i >= 0; i-- {
		if w.ifaces[i] != nil {
			_ = w.ifaces[i].Close()
		}
	}
}

// Destroy tears the worker down: removes AM handlers, destroys every
// endpoint reachable through the endpoint hash, closes interfaces, and
// releases the wakeup set. The request pool is left as it is: requests
// still checked out stay counted by OutstandingRequests. Only safe from a
// quiescent worker (spec.md §4.5).
func (w *Worker) Destroy() error {
	w.stopAsync()

	w.lock.Lock()
	defer w.lock.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	w.router.Reset()

	w.endpointsMu.Lock()
	for dest, ep := range w.endpoints {
		if err := ep.Destroy(); err != nil {
			w.log.Warn("worker: endpoint destroy failed during teardown", "dest", dest, "error", err)
		}
	}
	w.endpoints = nil
	w.endpointsMu.Unlock()

	for _, ifc := range w.ifaces {
		if ifc == nil {
			continue
		}
		if err := ifc.Close(); err != nil {
			w.log.Warn("worker: interface close failed during teardown", "interface", ifc.Name(), "error", err)
		}
	}

	if err := w.wakeupSet.Close(); err != nil {
		w.log.Warn("worker: wakeup set close failed", "error", err)
	}

	w.stubsMu.Lock()
	w.stubs = nil
	w.stubsMu.Unlock()

	return nil
}

// Progress drives one non-blocking pass over every interface; takes the
// worker lock if configured, asserts the reentry counter is zero on
// entry, and never blocks.
func (w *Worker) Progress() int {
	w.lock.Lock()
	defer w.lock.Unlock()

	if w.reentry.Add(1) != 1 {
		w.reentry.Add(-1)
		panic("meshwire: worker.Progress called reentrantly")
	}
	defer w.reentry.Add(-1)

	handled := 0
	for _, ifc := range w.ifaces {
		if ifc == nil {
			continue
		}
		handled += ifc.Progress()
	}
	return handled
}

// Wait arms every configured interface's wakeup source, then blocks until
// the wakeup set's aggregated descriptor is ready. Arming an interface
// calls its own WakeupEFDArm (§4.1 "prepare each interface's wakeup for a
// subsequent wait"); if any interface reports ErrBusy (pending work it
// has not yet surfaced through Progress), Wait returns immediately
// without blocking, mirroring ucp_worker_arm's per-transport arm loop
// that returns the first non-OK status without polling the rest.
func (w *Worker) Wait() error {
	for _, ifc := range w.ifaces {
		if err := ifc.WakeupEFDArm(); err != nil {
			if errors.Is(err, iface.ErrBusy) {
				return nil
			}
			return WrapError("worker.wait", err)
		}
	}

	err := w.wakeupSet.Arm(func(wakeup.Source) bool {
		return false
	})
	if err == wakeup.ErrBusy {
		return nil
	}
	if err != nil {
		return WrapError("worker.wait", err)
	}
	if err := w.wakeupSet.Wait(); err != nil {
		return WrapError("worker.wait", err)
	}
	return nil
}

// Signal wakes any thread blocked in Wait.
func (w *Worker) Signal() error {
	return w.wakeupSet.Signal()
}

// GetReplyEP looks up destUUID in the endpoint hash; if absent, it
// constructs a stub endpoint bound to that UUID, enrolls it on the stub
// list, and returns it. Lookup and creation happen under the worker's
// async block; failure to create a stub is fatal (spec.md §4.5).
func (w *Worker) GetReplyEP(destUUID string) iface.Endpoint {
	w.endpointsMu.Lock()
	defer w.endpointsMu.Unlock()

	if ep, ok := w.endpoints[destUUID]; ok {
		return ep
	}

	stub := &stubEndpoint{destUUID: destUUID}
	w.stubsMu.Lock()
	w.stubs = append(w.stubs, stub)
	w.stubsMu.Unlock()

	ep := &stubEndpointHandle{stub: stub}
	w.endpoints[destUUID] = ep
	return ep
}

// RegisterEndpoint installs a live, connected endpoint under destUUID,
// replacing any stub previously registered for it.
func (w *Worker) RegisterEndpoint(destUUID string, ep iface.Endpoint) {
	w.endpointsMu.Lock()
	defer w.endpointsMu.Unlock()
	w.endpoints[destUUID] = ep
}

// EndpointConfigIndex interns key through the worker's endpoint-config
// cache (spec.md §4.2).
func (w *Worker) EndpointConfigIndex(key epconfig.Key) uint8 {
	return w.epConfig.Get(key)
}

// Validate runs the capability validator (spec.md §4.6) against
// interface index tlIndex's advertised attributes. Warn-only diagnostics
// on the resolved request (e.g. one-sided flag combined with AM) are
// logged rather than surfaced as an error.
func (w *Worker) Validate(tlIndex int, req capval.Request) (capval.Resolved, error) {
	if tlIndex < 0 || tlIndex >= len(w.attrs) {
		return capval.Resolved{}, NewError("worker.validate", InvalidParam, true, "transport lane index out of range")
	}
	res, err := capval.Validate(req, w.attrs[tlIndex])
	if err != nil {
		return res, err
	}
	for _, warning := range res.Warnings {
		w.log.Warn("worker: validate", "warning", warning)
	}
	return res, nil
}

// AtomicEnabled reports whether resourceID was selected by the
// atomic-resource selector at Create time; the selector enables a
// bitmask of every qualifying resource, not just one winner.
func (w *Worker) AtomicEnabled(resourceID int) bool {
	return w.atomicMask.IsEnabled(resourceID)
}

// AtomicOnDevice reports whether resourceID, if enabled, executes
// atomics on the device path rather than a CPU fallback.
func (w *Worker) AtomicOnDevice(resourceID int) bool {
	return w.atomicMask.IsOnDevice(resourceID)
}

// AcquireRequest checks out a request from the worker's slab-allocated
// pool (spec.md §4.5 step 5, §9).
func (w *Worker) AcquireRequest() *reqpool.Request {
	return w.requests.Get()
}

// ReleaseRequest returns req to the pool.
func (w *Worker) ReleaseRequest(req *reqpool.Request) {
	w.requests.Put(req)
}

// OutstandingRequests reports how many requests are currently checked out
// of the pool, for metrics.WorkerStats.
func (w *Worker) OutstandingRequests() int {
	return w.requests.Outstanding()
}

// ActiveEndpoints reports how many entries are in the endpoint hash
// (stubs included), for metrics.WorkerStats.
func (w *Worker) ActiveEndpoints() int {
	w.endpointsMu.RLock()
	defer w.endpointsMu.RUnlock()
	return len(w.endpoints)
}

// StubEndpoints reports how many endpoints are still awaiting wireup
// completion, for metrics.WorkerStats.
func (w *Worker) StubEndpoints() int {
	w.stubsMu.Lock()
	defer w.stubsMu.Unlock()
	return len(w.stubs)
}

// stubEndpointHandle adapts a stubEndpoint to iface.Endpoint so
// GetReplyEP can hand back something send-shaped before real wireup
// completes: sends are buffered rather than delivered.
type stubEndpointHandle struct {
	stub *stubEndpoint
}

func (h *stubEndpointHandle) Destroy() error { return nil }

func (h *stubEndpointHandle) ConnectToEP(iface.DeviceAddr, iface.EndpointAddr) error {
	return NewError("stub_endpoint.connect_to_ep", Unsupported, true, "stub endpoint cannot connect directly; replace via RegisterEndpoint")
}

func (h *stubEndpointHandle) Address() (iface.EndpointAddr, error) {
	return nil, NewError("stub_endpoint.address", Unsupported, true, "stub endpoint has no transport address")
}

func (h *stubEndpointHandle) SendAM(id uint8, header, payload []byte, flags uint32) error {
	data := make([]byte, 0, len(header)+len(payload))
	data = append(data, header...)
	data = append(data, payload...)
	h.stub.buffer(data)
	return NewError("stub_endpoint.send_am", InProgress, false, "buffered: wireup not yet complete")
}

func (h *stubEndpointHandle) Put(uint64, iface.RKey, []byte) error {
	return NewError("stub_endpoint.put", InProgress, false, "wireup not yet complete")
}

func (h *stubEndpointHandle) Get(uint64, iface.RKey, []byte) error {
	return NewError("stub_endpoint.get", InProgress, false, "wireup not yet complete")
}

func (h *stubEndpointHandle) Atomic(iface.AtomicOp, uint64, iface.RKey, uint64, int) (uint64, error) {
	return 0, NewError("stub_endpoint.atomic", InProgress, false, "wireup not yet complete")
}

// amrouterFeatureSet computes the union of features every configured
// interface advertises, consumed when wiring AM handlers across all
// transports uniformly (spec.md §4.3).
func (w *Worker) amrouterFeatureSet() amrouter.Feature {
	var all amrouter.Feature
	for _, a := range w.attrs {
		all |= a.Features
	}
	return all
}

// RegisterAMHandler installs handler under id in the worker's active-
// message router (spec.md §4.3) and propagates it to every configured
// interface so an incoming AM on any transport reaches the same handler.
// required is checked against the union of every interface's advertised
// Features; Register itself additionally gates class/sync-capability per
// interface. Returns false without registering anything if no interface
// satisfies required.
func (w *Worker) RegisterAMHandler(id uint8, handler amrouter.Handler, class amrouter.Class, required amrouter.Feature) (bool, error) {
	featureSet := w.amrouterFeatureSet()
	syncCapable := false
	for _, a := range w.attrs {
		if a.SyncCapable {
			syncCapable = true
			break
		}
	}
	if !w.router.Register(id, handler, class, required, featureSet, syncCapable) {
		return false, nil
	}
	for _, ifc := range w.ifaces {
		if ifc == nil {
			continue
		}
		if err := ifc.AMSetHandler(id, handler, class); err != nil {
			return false, WrapError("worker.register_am_handler", err)
		}
	}
	return true, nil
}

// DispatchAM routes an inbound active message through the worker's own
// router. The bundled transports do not call it: each dispatches through
// its own router, on which RegisterAMHandler installs the same handler.
func (w *Worker) DispatchAM(id uint8, data []byte, flags uint32) error {
	return w.router.Dispatch(id, data, flags)
}
