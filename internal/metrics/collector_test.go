package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshwire/meshwire/internal/perf"
)

func collectAll(t *testing.T, c *Collector) map[string]float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 64)
	c.Collect(ch)
	close(ch)

	out := make(map[string]float64)
	for m := range ch {
		var pb dto.Metric
		require.NoError(t, m.Write(&pb))
		out[m.Desc().String()] = pb.GetGauge().GetValue()
	}
	return out
}

func TestDescribeEmitsOneDescPerMetric(t *testing.T) {
	c := NewCollector(nil)
	descs := make(chan *prometheus.Desc, 64)
	c.Describe(descs)
	close(descs)
	count := 0
	for range descs {
		count++
	}
	assert.Equal(t, len(c.metrics), count)
}

func TestCollectPublishesLastUpdate(t *testing.T) {
	c := NewCollector(nil)
	c.Update(perf.Result{LatencyTypical: 1.5, BandwidthTotalAverage: 200e6}, WorkerStats{ActiveEndpoints: 3, OutstandingRequests: 7})

	values := collectAll(t, c)
	var foundLatency, foundBandwidth, foundEndpoints bool
	for desc, v := range values {
		switch {
		case contains(desc, "meshwire_latency_typical_seconds"):
			assert.Equal(t, 1.5, v)
			foundLatency = true
		case contains(desc, "meshwire_bandwidth_total_average_bytes_per_second"):
			assert.Equal(t, 200e6, v)
			foundBandwidth = true
		case contains(desc, "meshwire_worker_active_endpoints"):
			assert.Equal(t, 3.0, v)
			foundEndpoints = true
		}
	}
	assert.True(t, foundLatency)
	assert.True(t, foundBandwidth)
	assert.True(t, foundEndpoints)
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
