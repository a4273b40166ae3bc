package iface

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/amrouter"
)

func newTestTCPIface(t *testing.T, name string) *TCPIface {
	t.Helper()
	tc, err := NewTCPIface(name, 0, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func TestTCPIfaceSendAMRoundTrip(t *testing.T) {
	a := newTestTCPIface(t, "a")
	b := newTestTCPIface(t, "b")

	devB, err := b.DeviceAddress()
	require.NoError(t, err)

	received := make(chan []byte, 1)
	require.NoError(t, b.AMSetHandler(7, func(id uint8, data []byte, flags uint32) error {
		received <- append([]byte(nil), data...)
		return nil
	}, amrouter.Async))

	ep, err := a.EPCreateConnected(devB, nil)
	require.NoError(t, err)
	require.NoError(t, ep.SendAM(7, []byte("h:"), []byte("payload"), 0))

	select {
	case data := <-received:
		assert.Equal(t, []byte("h:payload"), data)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for AM delivery")
	}
}

func TestTCPIfacePutGetRoundTrip(t *testing.T) {
	a := newTestTCPIface(t, "a")
	b := newTestTCPIface(t, "b")

	devB, err := b.DeviceAddress()
	require.NoError(t, err)

	mh, err := b.MemAlloc(16)
	require.NoError(t, err)
	packed, err := b.MKeyPack(mh)
	require.NoError(t, err)

	ep, err := a.EPCreateConnected(devB, nil)
	require.NoError(t, err)
	rkey, err := a.RKeyUnpack(packed)
	require.NoError(t, err)

	require.NoError(t, ep.Put(uint64(mh.Addr()), rkey, []byte("hello")))

	// Put is fire-and-forget; give the peer's readLoop time to apply it
	// before issuing the synchronous Get.
	time.Sleep(50 * time.Millisecond)

	buf := make([]byte, 5)
	require.NoError(t, ep.Get(uint64(mh.Addr()), rkey, buf))
	assert.Equal(t, []byte("hello"), buf)
}

func TestTCPIfaceAtomicAdd(t *testing.T) {
	a := newTestTCPIface(t, "a")
	b := newTestTCPIface(t, "b")

	devB, err := b.DeviceAddress()
	require.NoError(t, err)

	mh, err := b.MemAlloc(8)
	require.NoError(t, err)
	packed, err := b.MKeyPack(mh)
	require.NoError(t, err)

	ep, err := a.EPCreateConnected(devB, nil)
	require.NoError(t, err)
	rkey, err := a.RKeyUnpack(packed)
	require.NoError(t, err)

	old, err := ep.Atomic(AtomicAdd, uint64(mh.Addr()), rkey, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), old)

	old, err = ep.Atomic(AtomicAdd, uint64(mh.Addr()), rkey, 7, 8)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), old)
}
