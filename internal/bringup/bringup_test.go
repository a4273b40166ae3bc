package bringup

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/rte"
)

// failRKeyUnpackInterface wraps a real Loopback so RKeyUnpack always
// fails, letting tests force a specific bring-up step kind of failure.
type failRKeyUnpackInterface struct {
	*iface.Loopback
}

func (f *failRKeyUnpackInterface) RKeyUnpack([]byte) (iface.RKey, error) {
	return nil, errors.New("forced rkey unpack failure")
}

func fullAttr() iface.Attr {
	return iface.Attr{
		Caps: iface.CapPutBcopy | iface.CapGetBcopy | iface.CapAMShort,
	}
}

func runBringUp(t *testing.T, mode Mode, exchangeStatus bool) (linkA, linkB *PeerLink, ifcA, ifcB *iface.Loopback) {
	t.Helper()
	hub := iface.NewHub()
	ifcA = iface.NewLoopback(hub, iface.LoopbackConfig{Name: "a", ResourceID: 0, Attr: fullAttr()})
	ifcB = iface.NewLoopback(hub, iface.LoopbackConfig{Name: "b", ResourceID: 1, Attr: fullAttr()})

	memA, err := ifcA.MemAlloc(64)
	require.NoError(t, err)
	mkeyA, err := ifcA.MKeyPack(memA)
	require.NoError(t, err)
	memB, err := ifcB.MemAlloc(64)
	require.NoError(t, err)
	mkeyB, err := ifcB.MKeyPack(memB)
	require.NoError(t, err)

	_, members := rte.NewGroup(2)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		linkA, err = Run(members[0], ifcA, Config{
			Mode:                mode,
			LocalRecvBufferAddr: uint64(memA.Addr()),
			LocalMKey:           mkeyA,
			ExchangeStatus:      exchangeStatus,
		})
		require.NoError(t, err)
	}()
	go func() {
		defer wg.Done()
		linkB, err = Run(members[1], ifcB, Config{
			Mode:                mode,
			LocalRecvBufferAddr: uint64(memB.Addr()),
			LocalMKey:           mkeyB,
			ExchangeStatus:      exchangeStatus,
		})
		require.NoError(t, err)
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bring-up did not complete")
	}
	return linkA, linkB, ifcA, ifcB
}

func TestRunConnectToIfaceEstablishesLink(t *testing.T) {
	linkA, linkB, _, _ := runBringUp(t, ModeConnectToIface, false)
	require.NotNil(t, linkA)
	require.NotNil(t, linkB)
	assert.NotNil(t, linkA.Endpoint)
	assert.NotNil(t, linkB.Endpoint)
	assert.NotZero(t, linkA.RemoteRecvBuffer)
	assert.NotZero(t, linkB.RemoteRecvBuffer)
}

func TestRunConnectToEndpointEstablishesLink(t *testing.T) {
	linkA, linkB, _, _ := runBringUp(t, ModeConnectToEndpoint, false)
	require.NotNil(t, linkA)
	require.NotNil(t, linkB)
	assert.NotNil(t, linkA.Endpoint)
	assert.NotNil(t, linkB.Endpoint)
}

func TestRunPutReachesPeerRecvBuffer(t *testing.T) {
	linkA, _, _, _ := runBringUp(t, ModeConnectToIface, false)
	payload := []byte("hello-bringup")
	require.NoError(t, linkA.Endpoint.Put(linkA.RemoteRecvBuffer, linkA.RemoteKey, payload))

	got := make([]byte, len(payload))
	require.NoError(t, linkA.Endpoint.Get(linkA.RemoteRecvBuffer, linkA.RemoteKey, got))
	assert.Equal(t, payload, got)
}

func TestRunWithExchangeStatusSucceeds(t *testing.T) {
	linkA, linkB, _, _ := runBringUp(t, ModeConnectToIface, true)
	require.NotNil(t, linkA)
	require.NotNil(t, linkB)
}

func TestRunSurfacesPeerFailureKindThroughExchangeStatus(t *testing.T) {
	hub := iface.NewHub()
	ifcA := iface.NewLoopback(hub, iface.LoopbackConfig{Name: "a", ResourceID: 0, Attr: fullAttr()})
	rawB := iface.NewLoopback(hub, iface.LoopbackConfig{Name: "b", ResourceID: 1, Attr: fullAttr()})
	ifcB := &failRKeyUnpackInterface{Loopback: rawB}

	memA, err := ifcA.MemAlloc(64)
	require.NoError(t, err)
	mkeyA, err := ifcA.MKeyPack(memA)
	require.NoError(t, err)
	memB, err := rawB.MemAlloc(64)
	require.NoError(t, err)
	mkeyB, err := rawB.MKeyPack(memB)
	require.NoError(t, err)

	_, members := rte.NewGroup(2)

	var errA, errB error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errA = Run(members[0], ifcA, Config{
			Mode:                ModeConnectToIface,
			LocalRecvBufferAddr: uint64(memA.Addr()),
			LocalMKey:           mkeyA,
			ExchangeStatus:      true,
		})
	}()
	go func() {
		defer wg.Done()
		_, errB = Run(members[1], ifcB, Config{
			Mode:                ModeConnectToIface,
			LocalRecvBufferAddr: uint64(memB.Addr()),
			LocalMKey:           mkeyB,
			ExchangeStatus:      true,
		})
	}()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bring-up did not complete")
	}

	require.Error(t, errB)
	assert.Contains(t, errB.Error(), "rkey_unpack")

	require.Error(t, errA)
	assert.Contains(t, errA.Error(), "rkey unpack failure")
}

func TestRunRejectsWrongGroupSize(t *testing.T) {
	hub := iface.NewHub()
	ifcA := iface.NewLoopback(hub, iface.LoopbackConfig{Name: "solo", ResourceID: 0, Attr: fullAttr()})
	_, members := rte.NewGroup(3)
	_, err := Run(members[0], ifcA, Config{Mode: ModeConnectToIface})
	require.Error(t, err)
}

func TestTeardownDestroysEndpointAndReleasesKey(t *testing.T) {
	linkA, _, ifcA, _ := runBringUp(t, ModeConnectToIface, false)
	_, members := rte.NewGroup(2)
	done := make(chan error, 1)
	go func() {
		done <- Teardown(members[0], ifcA, linkA)
	}()
	go func() {
		_ = members[1].Barrier()
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("teardown did not complete")
	}
}
