package health

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "framebridge"

// Metrics exposes Stats and pipeline state to Prometheus on a dedicated
// registry. Values are read at scrape time.
type Metrics struct {
	registry *prometheus.Registry
}

// NewMetrics registers collectors backed by m's counters.
func NewMetrics(m *Monitor) *Metrics {
	reg := prometheus.NewRegistry()
	s := m.stats

	counter := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, f))
	}
	gauge := func(name, help string, f func() float64) {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, f))
	}

	counter("packets_received_total", "Chunk datagrams received.", func() float64 { return float64(s.packets.Load()) })
	counter("bytes_received_total", "Chunk datagram bytes received.", func() float64 { return float64(s.bytes.Load()) })
	counter("malformed_packets_total", "Datagrams rejected by header validation.", func() float64 { return float64(s.malformed.Load()) })
	counter("chunks_dropped_inbox_total", "Chunks dropped because the assembler inbox was full.", func() float64 { return float64(s.inboxDropped.Load()) })
	counter("chunks_dropped_stale_total", "Chunks rejected at or behind the watermark.", func() float64 { return float64(s.staleChunks.Load()) })
	counter("frames_completed_total", "Frames fully reassembled.", func() float64 { return float64(s.completed.Load()) })
	counter("frames_fed_total", "Frames written to the encoder.", func() float64 { return float64(s.fed.Load()) })
	counter("bytes_fed_total", "Bytes written to the encoder.", func() float64 { return float64(s.bytesFed.Load()) })
	counter("encoder_restarts_total", "Encoder process relaunches.", func() float64 { return float64(s.restarts.Load()) })

	drops := prometheus.NewDesc(
		prometheus.BuildFQName(namespace, "", "frames_dropped_total"),
		"Frames dropped, by reason.",
		[]string{"reason"}, nil,
	)
	reg.MustRegister(&dropCollector{desc: drops, stats: s})

	gauge("incomplete_frames", "Partial frames currently tracked.", func() float64 { return float64(s.incomplete.Load()) })
	gauge("queue_depth", "Frames waiting in the output queue.", func() float64 { return float64(s.queueDepth.Load()) })
	gauge("watermark", "Highest frame ID completed or dropped, -1 before the first.", func() float64 { return float64(s.watermark.Load()) })
	gauge("success_rate", "Rolling frame success rate.", func() float64 {
		rate, _ := s.SuccessRate()
		return rate
	})
	gauge("encoder_running", "1 while an encoder process is alive.", func() float64 { return boolFloat(s.running.Load()) })
	gauge("state", "Pipeline state: 0 starting, 1 streaming, 2 degraded, 3 stopped.", func() float64 { return float64(m.State()) })

	return &Metrics{registry: reg}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

type dropCollector struct {
	desc  *prometheus.Desc
	stats *Stats
}

func (c *dropCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *dropCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range []struct {
		reason string
		v      int64
	}{
		{"timeout", c.stats.droppedTime.Load()},
		{"stale", c.stats.droppedStale.Load()},
		{"queue_full", c.stats.droppedQueue.Load()},
		{"invalid", c.stats.droppedBad.Load()},
		{"encoder", c.stats.droppedEncode.Load()},
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(d.v), d.reason)
	}
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
