package dispatcher

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts dispatcher activity. It implements prometheus.Collector and
// may be shared by several dispatchers.
type Metrics struct {
	queued     atomic.Uint64
	rejected   atomic.Uint64
	processed  atomic.Uint64
	delivered  atomic.Uint64
	batches    atomic.Uint64
	streams    atomic.Uint64
	queueDepth atomic.Int64

	mu       sync.Mutex
	failures map[string]uint64

	descs map[string]*prometheus.Desc
}

// NewMetrics creates an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		failures: make(map[string]uint64),
		descs: map[string]*prometheus.Desc{
			"queued":    prometheus.NewDesc("packetlens_dispatcher_queued_packets_total", "Packets accepted by Analyze", nil, nil),
			"rejected":  prometheus.NewDesc("packetlens_dispatcher_rejected_packets_total", "Packets rejected because the queue was full", nil, nil),
			"processed": prometheus.NewDesc("packetlens_dispatcher_processed_packets_total", "Packets run through the dissector chain", nil, nil),
			"delivered": prometheus.NewDesc("packetlens_dispatcher_delivered_packets_total", "Packets handed to the packet callback", nil, nil),
			"batches":   prometheus.NewDesc("packetlens_dispatcher_batches_total", "Packet callback invocations", nil, nil),
			"streams":   prometheus.NewDesc("packetlens_dispatcher_streams_flushed_total", "Streams handed to the stream callback", nil, nil),
			"depth":     prometheus.NewDesc("packetlens_dispatcher_queue_depth", "Packets waiting for a worker", nil, nil),
			"failures":  prometheus.NewDesc("packetlens_dissector_failures_total", "Dissector invocations that returned an error or panicked", []string{"dissector"}, nil),
		},
	}
}

func (m *Metrics) failed(name string) {
	m.mu.Lock()
	m.failures[name]++
	m.mu.Unlock()
}

// Failures returns the failure count per dissector name.
func (m *Metrics) Failures() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.failures))
	for k, v := range m.failures {
		out[k] = v
	}
	return out
}

// FailureCount returns the total number of dissector failures.
func (m *Metrics) FailureCount() uint64 {
	var total uint64
	for _, v := range m.Failures() {
		total += v
	}
	return total
}

func (m *Metrics) Processed() uint64 { return m.processed.Load() }
func (m *Metrics) Delivered() uint64 { return m.delivered.Load() }

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range m.descs {
		ch <- desc
	}
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(m.descs["queued"], prometheus.CounterValue, float64(m.queued.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["rejected"], prometheus.CounterValue, float64(m.rejected.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["processed"], prometheus.CounterValue, float64(m.processed.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["delivered"], prometheus.CounterValue, float64(m.delivered.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["batches"], prometheus.CounterValue, float64(m.batches.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["streams"], prometheus.CounterValue, float64(m.streams.Load()))
	ch <- prometheus.MustNewConstMetric(m.descs["depth"], prometheus.GaugeValue, float64(m.queueDepth.Load()))

	failures := m.Failures()
	names := make([]string, 0, len(failures))
	for name := range failures {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ch <- prometheus.MustNewConstMetric(m.descs["failures"], prometheus.CounterValue, float64(failures[name]), name)
	}
}
