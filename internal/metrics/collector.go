// Package metrics exposes the statistics engine's last computed result
// and a handful of worker gauges as a prometheus.Collector, layered next
// to (never inside) the core statistics engine of internal/perf so that
// package stays dependency-free.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/meshwire/meshwire/internal/perf"
)

// WorkerStats is the snapshot of worker-level gauges a Collector exposes
// alongside the statistics engine's result triad.
type WorkerStats struct {
	ActiveEndpoints     int
	StubEndpoints       int
	OutstandingRequests int
}

type metric struct {
	desc    *prometheus.Desc
	value   func(res perf.Result, stats WorkerStats) float64
	valType prometheus.ValueType
}

// Collector publishes meshwire's last perf.Result and WorkerStats as
// prometheus metrics, following the teacher pack's Describe/Collect
// pattern (prometheus.Desc plus prometheus.MustNewConstMetric per
// scrape, no stored counter vectors).
type Collector struct {
	mu      sync.Mutex
	result  perf.Result
	stats   WorkerStats
	metrics []metric
}

// NewCollector builds a Collector with constLabels applied to every
// exported metric (mirroring NewTCPInfoCollector's constLabels
// parameter).
func NewCollector(constLabels prometheus.Labels) *Collector {
	c := &Collector{}
	c.metrics = []metric{
		{
			desc:    prometheus.NewDesc("meshwire_latency_typical_seconds", "Median latency over the timing window.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.LatencyTypical },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_latency_moment_average_seconds", "Most recent reporting-interval average latency.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.LatencyMomentAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_latency_total_average_seconds", "Cumulative average latency since run start.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.LatencyTotalAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_bandwidth_moment_average_bytes_per_second", "Most recent reporting-interval average bandwidth.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.BandwidthMomentAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_bandwidth_total_average_bytes_per_second", "Cumulative average bandwidth since run start.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.BandwidthTotalAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_msgrate_moment_average_per_second", "Most recent reporting-interval average message rate.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.MsgRateMomentAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_msgrate_total_average_per_second", "Cumulative average message rate since run start.", nil, constLabels),
			value:   func(r perf.Result, _ WorkerStats) float64 { return r.MsgRateTotalAverage },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_worker_active_endpoints", "Endpoints currently reachable through the worker's endpoint hash.", nil, constLabels),
			value:   func(_ perf.Result, s WorkerStats) float64 { return float64(s.ActiveEndpoints) },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_worker_stub_endpoints", "Endpoints awaiting wireup completion.", nil, constLabels),
			value:   func(_ perf.Result, s WorkerStats) float64 { return float64(s.StubEndpoints) },
			valType: prometheus.GaugeValue,
		},
		{
			desc:    prometheus.NewDesc("meshwire_worker_outstanding_requests", "Requests currently checked out of the request pool.", nil, constLabels),
			value:   func(_ perf.Result, s WorkerStats) float64 { return float64(s.OutstandingRequests) },
			valType: prometheus.GaugeValue,
		},
	}
	return c
}

// Update replaces the most recently observed result and worker stats;
// the next Collect call publishes these values.
func (c *Collector) Update(result perf.Result, stats WorkerStats) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.result = result
	c.stats = stats
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(out chan<- prometheus.Metric) {
	c.mu.Lock()
	result, stats := c.result, c.stats
	c.mu.Unlock()

	for _, m := range c.metrics {
		out <- prometheus.MustNewConstMetric(m.desc, m.valType, m.value(result, stats))
	}
}
