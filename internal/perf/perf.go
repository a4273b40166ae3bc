// Package perf implements the perf context and statistics engine of
// spec §4.8: timing-ring bookkeeping, counters, and the
// latency/bandwidth/msgrate result computation, including the
// quickselect median the spec requires in place of a full sort.
package perf

import "time"

// TimingQueueSize is the fixed capacity of the latency sample ring.
const TimingQueueSize = 64

// TicksPerSec is the fixed tick rate perf samples are denominated in: one
// tick per time.Duration nanosecond, since Go's monotonic clock already
// reports in nanoseconds and needs no hardware calibration step.
const TicksPerSec = 1e9

// TestType distinguishes the latency-factor-of-2 PINGPONG case from a
// one-way STREAM_UNI run.
type TestType int

const (
	TestPingPong TestType = iota
	TestStreamUni
)

// counters is one snapshot of the driver's running totals.
type counters struct {
	time  time.Duration
	msgs  uint64
	bytes uint64
	iters uint64
}

// Context is the per-run perf context: the timing ring, current/previous
// counter snapshots, and the run's time bounds.
type Context struct {
	TestType TestType

	startTime  time.Duration
	endTime    time.Duration // unbounded is represented as 0 with maxIter/maxTime both 0
	maxIter    uint64
	hasMaxIter bool

	current counters
	prev    counters

	timingQueue     [TimingQueueSize]time.Duration
	timingQueueHead int
}

// Reset snapshots start_time and zeroes counters and the timing ring, per
// spec.md §4.8's reset step. now is supplied by the caller since this
// package never calls time.Now()/Date.Now() itself (the driver owns the
// clock).
func (c *Context) Reset(now time.Duration, maxTime time.Duration, maxIter uint64) {
	c.startTime = now
	if maxTime <= 0 {
		c.endTime = 0
	} else {
		c.endTime = now + maxTime
	}
	c.hasMaxIter = maxIter != 0
	c.maxIter = maxIter

	c.current = counters{time: now}
	c.prev = counters{time: now}
	c.timingQueueHead = 0
	for i := range c.timingQueue {
		c.timingQueue[i] = 0
	}
}

// Done reports whether the run has reached its iteration or time bound.
func (c *Context) Done(now time.Duration) bool {
	if c.hasMaxIter && c.current.iters >= c.maxIter {
		return true
	}
	if c.endTime != 0 && now >= c.endTime {
		return true
	}
	return false
}

// Update records one completed iteration: advances current.{time,msgs,
// bytes,iters} and inserts a sample into the wrap-around timing ring.
func (c *Context) Update(now time.Duration, msgs uint64, bytes uint64) {
	sample := now - c.current.time
	c.current.time = now
	c.current.msgs += msgs
	c.current.bytes += bytes
	c.current.iters++

	c.timingQueue[c.timingQueueHead] = sample
	c.timingQueueHead = (c.timingQueueHead + 1) % TimingQueueSize
}

// Snapshot copies current into prev, per the driver's periodic
// report_interval snapshot step.
func (c *Context) Snapshot() {
	c.prev = c.current
}

// Result is one emitted statistics triad, per spec.md §4.8.
type Result struct {
	Iters       uint64
	Bytes       uint64
	ElapsedTime time.Duration

	LatencyTypical       float64
	LatencyMomentAverage float64
	LatencyTotalAverage  float64

	BandwidthTypical       float64
	BandwidthMomentAverage float64
	BandwidthTotalAverage  float64

	MsgRateTypical       float64
	MsgRateMomentAverage float64
	MsgRateTotalAverage  float64
}

// CalcResult computes one Result from the context's current state,
// mirroring libperf.c's ucx_perf_calc_result: median-via-quickselect for
// latency.typical, moving/cumulative averages for the rest, and zero for
// the two statistics the spec leaves undefined (bandwidth/msgrate
// typical).
func (c *Context) CalcResult() Result {
	latencyFactor := 1.0
	if c.TestType == TestPingPong {
		latencyFactor = 2.0
	}

	// The ring is read unconditionally, including any still-zero slots
	// from a run shorter than TimingQueueSize samples; this mirrors
	// libperf.c exactly and is a documented, preserved quirk.
	ring := c.timingQueue
	median := Median(ring[:])

	elapsed := c.current.time - c.startTime

	r := Result{
		Iters:       c.current.iters,
		Bytes:       c.current.bytes,
		ElapsedTime: elapsed,

		LatencyTypical:   float64(median) / TicksPerSec / latencyFactor,
		BandwidthTypical: 0,
		MsgRateTypical:   0,
	}

	if momentIters := c.current.iters - c.prev.iters; momentIters > 0 {
		momentTime := c.current.time - c.prev.time
		r.LatencyMomentAverage = float64(momentTime) / float64(momentIters) / TicksPerSec / latencyFactor
		r.BandwidthMomentAverage = float64(c.current.bytes-c.prev.bytes) * TicksPerSec / float64(momentTime)
		r.MsgRateMomentAverage = float64(c.current.msgs-c.prev.msgs) * TicksPerSec / float64(momentTime)
	}

	if c.current.iters > 0 && elapsed > 0 {
		r.LatencyTotalAverage = float64(elapsed) / float64(c.current.iters) / TicksPerSec / latencyFactor
		r.BandwidthTotalAverage = float64(c.current.bytes) * TicksPerSec / float64(elapsed)
		r.MsgRateTotalAverage = float64(c.current.msgs) * TicksPerSec / float64(elapsed)
	}

	return r
}

// Warmup clamps max_iter for a warmup pass, per spec.md §4.8's "clamp
// max_iter to min(warmup_iter, max_iter/10)" with an unbounded (0) guard:
// an unbounded max_iter is treated as an effectively infinite upper bound
// so the clamp always resolves to warmup_iter in that case.
func Warmup(warmupIter, maxIter uint64) uint64 {
	if warmupIter == 0 {
		warmupIter = 1
	}
	bound := maxIter / 10
	if maxIter == 0 {
		return warmupIter
	}
	if warmupIter < bound {
		return warmupIter
	}
	return bound
}
