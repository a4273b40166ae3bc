//go:build linux

package iface

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/amrouter"
)

func newTestShmURing(t *testing.T, hub *ShmHub, name string) *ShmURing {
	t.Helper()
	s, err := NewShmURing(hub, LoopbackConfig{
		Name: name,
		Attr: Attr{
			Caps:     CapAMShort | CapPutShort | CapGetBcopy | CapAtomic64,
			MaxShort: 4096,
			MaxBcopy: 1 << 20,
			MaxZcopy: 1 << 20,
			MaxIOV:   16,
		},
	})
	if err != nil {
		t.Skipf("io_uring unavailable in this environment: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestShmURingSendAMRoundTrip(t *testing.T) {
	hub := NewShmHub()
	a := newTestShmURing(t, hub, "a")
	b := newTestShmURing(t, hub, "b")

	devB, err := b.DeviceAddress()
	require.NoError(t, err)

	received := make(chan []byte, 1)
	require.NoError(t, b.AMSetHandler(3, func(id uint8, data []byte, flags uint32) error {
		received <- append([]byte(nil), data...)
		return nil
	}, amrouter.Async))

	ep, err := a.EPCreateConnected(devB, nil)
	require.NoError(t, err)
	require.NoError(t, ep.SendAM(3, nil, []byte("ring"), 0))

	assert.Equal(t, 1, b.Progress())
	select {
	case data := <-received:
		assert.Equal(t, []byte("ring"), data)
	default:
		t.Fatal("handler was not invoked")
	}
}

func TestShmURingPutGetRoundTrip(t *testing.T) {
	hub := NewShmHub()
	a := newTestShmURing(t, hub, "a")
	b := newTestShmURing(t, hub, "b")

	devB, err := b.DeviceAddress()
	require.NoError(t, err)

	mh, err := b.MemAlloc(32)
	require.NoError(t, err)
	packed, err := b.MKeyPack(mh)
	require.NoError(t, err)

	ep, err := a.EPCreateConnected(devB, nil)
	require.NoError(t, err)
	rkey, err := a.RKeyUnpack(packed)
	require.NoError(t, err)

	require.NoError(t, ep.Put(uint64(mh.Addr()), rkey, []byte("ok")))
	buf := make([]byte, 2)
	require.NoError(t, ep.Get(uint64(mh.Addr()), rkey, buf))
	assert.Equal(t, []byte("ok"), buf)
}
