// Package mtperf implements the multi-thread perf driver of spec §4.9: N
// goroutines sharing one perf context and one registered memory region,
// partitioned by thread_id*msg_size offsets, synchronized through phase
// barriers with per-thread status aggregation.
//
// CPU pinning follows the teacher's internal/queue/runner.go ioLoop idiom:
// runtime.LockOSThread plus golang.org/x/sys/unix.CPUSet, generalized from
// "one OS thread per ublk queue" to "one OS thread per perf thread".
package mtperf

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/meshwire/meshwire/internal/logging"
)

// ThreadContext is the per-thread view of the shared region: a copy of
// the header with {send_buffer, recv_buffer, offset} adjusted by
// thread_id*msg_size, sharing the underlying registration.
type ThreadContext struct {
	ThreadID   int
	SendBuffer []byte
	RecvBuffer []byte
	Offset     int
}

// Partition splits sendRegion/recvRegion into threadCount independent
// local ranges, each msgSize bytes wide at offset threadID*msgSize, per
// spec.md §4.9.
func Partition(sendRegion, recvRegion []byte, threadCount, msgSize int) ([]ThreadContext, error) {
	need := threadCount * msgSize
	if len(sendRegion) < need || len(recvRegion) < need {
		return nil, fmt.Errorf("mtperf: region too small for %d threads at %d bytes each", threadCount, msgSize)
	}
	out := make([]ThreadContext, threadCount)
	for i := 0; i < threadCount; i++ {
		off := i * msgSize
		out[i] = ThreadContext{
			ThreadID:   i,
			SendBuffer: sendRegion[off : off+msgSize],
			RecvBuffer: recvRegion[off : off+msgSize],
			Offset:     off,
		}
	}
	return out, nil
}

// phaseBarrier is a one-shot sync.WaitGroup-based rendezvous for exactly
// one phase transition.
type phaseBarrier struct {
	wg sync.WaitGroup
}

func newPhaseBarrier(n int) *phaseBarrier {
	b := &phaseBarrier{}
	b.wg.Add(n)
	return b
}

func (b *phaseBarrier) arrive() { b.wg.Done() }
func (b *phaseBarrier) wait()   { b.wg.Wait() }

// ThreadWork is the per-thread workload callback: run one phase
// (warmup or measured run) against tc and return a status; a non-nil
// error marks that thread's slot as failed.
type ThreadWork func(tc ThreadContext) error

// CPUMask maps a thread index to a pinned CPU, round-robin, mirroring the
// teacher's "queue N -> CPU mask[N % len(mask)]" assignment.
type CPUMask []int

func (m CPUMask) cpuFor(threadID int) (int, bool) {
	if len(m) == 0 {
		return 0, false
	}
	return m[threadID%len(m)], true
}

// Report is produced once, by thread 0, after both phases complete.
type Report struct {
	FirstError error
	Statuses   []error
}

// Run drives spec.md §4.9's phase sequence across threadCount goroutines:
// warmup -> barrier -> status check -> run -> barrier -> status check,
// with thread 0 performing the final status reduction.
func Run(threads []ThreadContext, mask CPUMask, warmup, measured ThreadWork, log *logging.Logger) Report {
	n := len(threads)
	statuses := make([]error, n)

	warmupBarrier := newPhaseBarrier(n)
	runBarrier := newPhaseBarrier(n)

	var first error
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(tc ThreadContext) {
			defer wg.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			if cpu, ok := mask.cpuFor(tc.ThreadID); ok {
				var set unix.CPUSet
				set.Set(cpu)
				if err := unix.SchedSetaffinity(0, &set); err != nil && log != nil {
					log.Warn("mtperf: failed to set CPU affinity, continuing without it",
						"thread", tc.ThreadID, "cpu", cpu, "error", err)
				}
			}

			statuses[tc.ThreadID] = warmup(tc)
			warmupBarrier.arrive()
			warmupBarrier.wait()

			if statuses[tc.ThreadID] == nil {
				statuses[tc.ThreadID] = measured(tc)
			}
			runBarrier.arrive()
			runBarrier.wait()

			if tc.ThreadID == 0 {
				for _, s := range statuses {
					if s != nil {
						first = s
						break
					}
				}
			}
		}(threads[i])
	}
	wg.Wait()

	return Report{FirstError: first, Statuses: statuses}
}
