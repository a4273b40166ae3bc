package meshwire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/rte"
)

func TestMockInterfaceTracksQueryAndCloseCalls(t *testing.T) {
	m := NewMockInterface("mock0", 0, iface.Attr{SyncCapable: true})

	attr, err := m.Query()
	require.NoError(t, err)
	assert.True(t, attr.SyncCapable)

	require.NoError(t, m.Close())
	assert.True(t, m.IsClosed())
	assert.Equal(t, map[string]int{"query": 1, "close": 1, "progress": 0, "flush": 0, "arm": 0}, m.CallCounts())
}

func TestMockInterfaceInjectsQueryFailure(t *testing.T) {
	m := NewMockInterface("mock0", 0, iface.Attr{})
	m.QueryErr = NewError("mock", IOError, true, "forced")

	_, err := m.Query()
	require.Error(t, err)
	assert.True(t, IsCode(err, IOError))
}

func TestMockInterfaceResetClearsCounters(t *testing.T) {
	m := NewMockInterface("mock0", 0, iface.Attr{})
	_, _ = m.Query()
	_ = m.Close()
	m.Reset()
	assert.False(t, m.IsClosed())
	assert.Equal(t, 0, m.CallCounts()["query"])
}

func TestMockEndpointTracksSendAndReportsInjectedError(t *testing.T) {
	ep := NewMockEndpoint()
	ep.SendErr = NewError("mock", Busy, true, "no credits")

	err := ep.SendAM(1, nil, []byte("x"), 0)
	require.Error(t, err)
	assert.True(t, IsCode(err, Busy))
	assert.Equal(t, 1, ep.CallCounts()["send"])
}

func TestMockEndpointDestroy(t *testing.T) {
	ep := NewMockEndpoint()
	require.NoError(t, ep.Destroy())
	assert.True(t, ep.IsDestroyed())
}

func TestWorkerCreateAcceptsMockInterface(t *testing.T) {
	m := NewMockInterface("mock0", 7, iface.Attr{SyncCapable: true})
	m.ProgressCount = 3

	w, err := Create(WorkerConfig{ThreadMode: ThreadSingle, Interfaces: []iface.Interface{m}})
	require.NoError(t, err)
	defer w.Destroy()

	assert.Equal(t, 3, w.Progress())
	assert.Equal(t, 1, m.CallCounts()["progress"])
}

func TestWorkerDestroyClosesMockInterface(t *testing.T) {
	m := NewMockInterface("mock0", 0, iface.Attr{})
	w, err := Create(WorkerConfig{ThreadMode: ThreadSingle, Interfaces: []iface.Interface{m}})
	require.NoError(t, err)

	require.NoError(t, w.Destroy())
	assert.True(t, m.IsClosed())
}

func TestMockRTEEchoesPostedVecByDefault(t *testing.T) {
	r := NewMockRTE(2, 0)
	require.NoError(t, r.PostVec([][]byte{[]byte("a"), []byte("b")}))

	gathered, err := r.ExchangeVec()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("ab")}, gathered)

	got, err := r.Recv(0)
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
}

func TestMockRTEScriptedGatherOverridesPosted(t *testing.T) {
	r := NewMockRTE(2, 1)
	r.SetGathered([][]byte{[]byte("peer0"), []byte("peer1")})

	gathered, err := r.ExchangeVec()
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("peer0"), []byte("peer1")}, gathered)

	_, err = r.Recv(5)
	require.Error(t, err)
	assert.True(t, IsCode(err, InvalidParam))
}

func TestMockRTETracksBarrierAndReports(t *testing.T) {
	r := NewMockRTE(1, 0)
	require.NoError(t, r.Barrier())
	require.NoError(t, r.Barrier())
	assert.Equal(t, 2, r.BarrierCalls())

	require.NoError(t, r.Report(rte.Result{Final: true, Payload: []byte("done")}))
	assert.Equal(t, []rte.Result{{Final: true, Payload: []byte("done")}}, r.Reports())
}
