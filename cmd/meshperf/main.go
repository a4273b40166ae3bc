// Command meshperf runs a two-peer in-process benchmark over meshwire's
// loopback transport and prints a libperf-style results table. It is a
// demo/reference driver: the loopback transport and in-process RTE both
// stand in for the out-of-scope physical transport and rendezvous
// back-ends (spec.md §1), so the numbers it reports characterize this
// package's own code paths, not real network hardware.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/meshwire/meshwire"
	"github.com/meshwire/meshwire/internal/bringup"
	"github.com/meshwire/meshwire/internal/iface"
	"github.com/meshwire/meshwire/internal/logging"
	"github.com/meshwire/meshwire/internal/metrics"
	"github.com/meshwire/meshwire/internal/perf"
	"github.com/meshwire/meshwire/internal/rte"
)

func main() {
	var (
		msgSize     = flag.Uint64("size", 8, "message size in bytes")
		maxIter     = flag.Uint64("iters", 100000, "maximum iterations (0 = unbounded)")
		warmupIter  = flag.Uint64("warmup", 100, "warmup iterations")
		maxTime     = flag.Duration("max-time", 0, "maximum run duration (0 = unbounded)")
		testType    = flag.String("test", "pingpong", "pingpong or stream")
		verbose     = flag.Bool("v", false, "verbose logging")
		metricsAddr = flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090) after the run")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logrus.DebugLevel
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	tt := perf.TestPingPong
	if *testType == "stream" {
		tt = perf.TestStreamUni
	}

	result, stats, err := run(runConfig{
		msgSize:    *msgSize,
		maxIter:    *maxIter,
		warmupIter: *warmupIter,
		maxTime:    *maxTime,
		testType:   tt,
		logger:     logger,
	})
	if err != nil {
		logger.Error("run failed", "error", err)
		os.Exit(1)
	}

	printResult(result)

	if *metricsAddr != "" {
		collector := metrics.NewCollector(prometheus.Labels{"test": *testType})
		collector.Update(result, stats)
		registry := prometheus.NewRegistry()
		registry.MustRegister(collector)

		logger.Info("serving metrics", "addr", *metricsAddr)
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Fatal(err)
		}
	}
}

type runConfig struct {
	msgSize    uint64
	maxIter    uint64
	warmupIter uint64
	maxTime    time.Duration
	testType   perf.TestType
	logger     *logging.Logger
}

// run wires up two loopback-transport workers, brings up a rendezvous
// link between them, and drives a one-way Put loop measured by
// internal/perf (the test type only sets the latency factor), returning
// the final result plus a stats snapshot of the
// initiating side's worker.
func run(cfg runConfig) (perf.Result, metrics.WorkerStats, error) {
	hub := iface.NewHub()
	attr := iface.Attr{
		Caps:      iface.CapPutShort | iface.CapPutBcopy | iface.CapGetBcopy,
		MaxShort:  4096,
		MaxBcopy:  1 << 20,
		MaxZcopy:  1 << 20,
		MaxIOV:    4,
		Bandwidth: 1e9,
		Overhead:  1e-7,
	}
	ifcA := iface.NewLoopback(hub, iface.LoopbackConfig{Name: "lo0", ResourceID: 0, Attr: attr})
	ifcB := iface.NewLoopback(hub, iface.LoopbackConfig{Name: "lo1", ResourceID: 0, Attr: attr})

	workerA, err := meshwire.Create(meshwire.WorkerConfig{
		ThreadMode: meshwire.ThreadSingle,
		Interfaces: []iface.Interface{ifcA},
		Logger:     cfg.logger,
	})
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}
	defer workerA.Destroy()

	workerB, err := meshwire.Create(meshwire.WorkerConfig{
		ThreadMode: meshwire.ThreadSingle,
		Interfaces: []iface.Interface{ifcB},
		Logger:     cfg.logger,
	})
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}
	defer workerB.Destroy()

	bufA, err := ifcA.MemAlloc(cfg.msgSize)
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}
	mkeyA, err := ifcA.MKeyPack(bufA)
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}
	bufB, err := ifcB.MemAlloc(cfg.msgSize)
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}
	mkeyB, err := ifcB.MKeyPack(bufB)
	if err != nil {
		return perf.Result{}, metrics.WorkerStats{}, err
	}

	_, members := rte.NewGroup(2)

	type linkResult struct {
		link *bringup.PeerLink
		err  error
	}
	linkA := make(chan linkResult, 1)
	linkB := make(chan linkResult, 1)
	go func() {
		link, err := bringup.Run(members[0], ifcA, bringup.Config{
			Mode:                bringup.ModeConnectToIface,
			LocalRecvBufferAddr: uint64(bufA.Addr()),
			LocalMKey:           mkeyA,
		})
		linkA <- linkResult{link, err}
	}()
	go func() {
		link, err := bringup.Run(members[1], ifcB, bringup.Config{
			Mode:                bringup.ModeConnectToIface,
			LocalRecvBufferAddr: uint64(bufB.Addr()),
			LocalMKey:           mkeyB,
		})
		linkB <- linkResult{link, err}
	}()

	resA := <-linkA
	resB := <-linkB
	if resA.err != nil {
		return perf.Result{}, metrics.WorkerStats{}, resA.err
	}
	if resB.err != nil {
		return perf.Result{}, metrics.WorkerStats{}, resB.err
	}

	// Only the initiating side (A) drives the timed loop; B simply
	// progresses its interface so completions land.
	link := resA.link

	ctx := &perf.Context{TestType: cfg.testType}
	warmup := perf.Warmup(cfg.warmupIter, cfg.maxIter)
	payload := make([]byte, cfg.msgSize)

	runLoop := func(iterBound uint64, timeBound time.Duration, snapshot bool) perf.Result {
		start := time.Duration(time.Now().UnixNano())
		ctx.Reset(start, timeBound, iterBound)
		for !ctx.Done(time.Duration(time.Now().UnixNano())) {
			if err := link.Endpoint.Put(link.RemoteRecvBuffer, link.RemoteKey, payload); err != nil {
				cfg.logger.Warn("put failed", "error", err)
				continue
			}
			workerB.Progress()
			workerA.Progress()
			now := time.Duration(time.Now().UnixNano())
			ctx.Update(now, 1, cfg.msgSize)
			if snapshot {
				ctx.Snapshot()
			}
		}
		return ctx.CalcResult()
	}

	runLoop(warmup, 0, false)
	result := runLoop(cfg.maxIter, cfg.maxTime, true)

	stats := metrics.WorkerStats{
		ActiveEndpoints:     workerA.ActiveEndpoints(),
		StubEndpoints:       workerA.StubEndpoints(),
		OutstandingRequests: workerA.OutstandingRequests(),
	}
	return result, stats, nil
}

func printResult(r perf.Result) {
	fmt.Printf("%-28s %15s %15s %15s\n", "metric", "typical", "moment avg", "total avg")
	fmt.Printf("%-28s %15.3f %15.3f %15.3f (usec)\n", "latency",
		r.LatencyTypical*1e6, r.LatencyMomentAverage*1e6, r.LatencyTotalAverage*1e6)
	fmt.Printf("%-28s %15.3f %15.3f %15.3f (MB/s)\n", "bandwidth",
		r.BandwidthTypical/1e6, r.BandwidthMomentAverage/1e6, r.BandwidthTotalAverage/1e6)
	fmt.Printf("%-28s %15.3f %15.3f %15.3f (msg/s)\n", "message rate",
		r.MsgRateTypical, r.MsgRateMomentAverage, r.MsgRateTotalAverage)
	fmt.Printf("iterations: %d, bytes: %d, elapsed: %s\n", r.Iters, r.Bytes, r.ElapsedTime)
}
