package perf

import (
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMedianOddLength(t *testing.T) {
	arr := []time.Duration{5, 3, 1, 4, 2}
	assert.Equal(t, time.Duration(3), Median(arr))
}

func TestMedianEvenLength(t *testing.T) {
	arr := []time.Duration{4, 1, 3, 2}
	got := Median(arr)
	assert.True(t, got == 2 || got == 3, "median of 4 elements lands on one of the two middle ranks, got %d", got)
}

func TestMedianMatchesSortForRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		n := 1 + rng.Intn(200)
		arr := make([]time.Duration, n)
		sorted := make([]time.Duration, n)
		for i := range arr {
			v := time.Duration(rng.Intn(1_000_000))
			arr[i] = v
			sorted[i] = v
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		want := sorted[(n-1)/2]
		got := Median(arr)
		assert.Equal(t, want, got, "n=%d", n)
	}
}

func TestMedianSingleElement(t *testing.T) {
	assert.Equal(t, time.Duration(7), Median([]time.Duration{7}))
}

func TestMedianTwoElements(t *testing.T) {
	assert.Equal(t, time.Duration(2), Median([]time.Duration{5, 2}))
}

func TestResetZeroesStateAndSnapshotsStartTime(t *testing.T) {
	var c Context
	c.timingQueue[3] = 99
	c.Reset(1000, 5*time.Second, 0)
	assert.Equal(t, time.Duration(1000), c.startTime)
	assert.Equal(t, time.Duration(1000+5*int64(time.Second)), c.endTime)
	assert.False(t, c.hasMaxIter)
	assert.Equal(t, time.Duration(0), c.timingQueue[3])
}

func TestResetUnboundedTimeAndIter(t *testing.T) {
	var c Context
	c.Reset(0, 0, 0)
	assert.Equal(t, time.Duration(0), c.endTime)
	assert.False(t, c.hasMaxIter)
}

func TestDoneByIterBound(t *testing.T) {
	var c Context
	c.Reset(0, 0, 3)
	c.Update(10, 1, 100)
	c.Update(20, 1, 100)
	assert.False(t, c.Done(20))
	c.Update(30, 1, 100)
	assert.True(t, c.Done(30))
}

func TestDoneByTimeBound(t *testing.T) {
	var c Context
	c.Reset(0, 10, 0)
	assert.False(t, c.Done(5))
	assert.True(t, c.Done(10))
}

func TestCalcResultPingPongAppliesLatencyFactorTwo(t *testing.T) {
	var c Context
	c.TestType = TestPingPong
	c.Reset(0, 0, 0)
	for i := 0; i < 5; i++ {
		c.Update(time.Duration(i+1)*time.Millisecond, 1, 1024)
	}
	res := c.CalcResult()
	require.Greater(t, res.LatencyTotalAverage, 0.0)
	// 5ms over 5 iterations is 1ms per iteration, halved for ping-pong.
	assert.InDelta(t, 0.0005, res.LatencyTotalAverage, 1e-12)
	assert.Equal(t, uint64(5), res.Iters)
	assert.Equal(t, uint64(5*1024), res.Bytes)
}

func TestCalcResultBandwidthAndMsgRateTypicalAreZero(t *testing.T) {
	var c Context
	c.Reset(0, 0, 0)
	c.Update(time.Millisecond, 1, 1024)
	res := c.CalcResult()
	assert.Equal(t, 0.0, res.BandwidthTypical)
	assert.Equal(t, 0.0, res.MsgRateTypical)
}

func TestCalcResultMomentAverageUsesSnapshotDelta(t *testing.T) {
	var c Context
	c.Reset(0, 0, 0)
	c.Update(time.Millisecond, 1, 100)
	c.Snapshot()
	c.Update(2*time.Millisecond, 1, 200)
	res := c.CalcResult()
	assert.Greater(t, res.BandwidthMomentAverage, 0.0)
}

func TestWarmupClampsToWarmupIterWhenUnbounded(t *testing.T) {
	assert.Equal(t, uint64(50), Warmup(50, 0))
}

func TestWarmupClampsToTenthOfMaxIter(t *testing.T) {
	assert.Equal(t, uint64(10), Warmup(500, 100))
}

func TestWarmupZeroRequestedBecomesOne(t *testing.T) {
	assert.Equal(t, uint64(1), Warmup(0, 0))
}
