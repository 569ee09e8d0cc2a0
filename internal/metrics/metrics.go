package metrics

import (
	"codeberg.org/mutker/telemetryd/internal/batch"
	"codeberg.org/mutker/telemetryd/internal/resilience"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "telemetryd"

// Metrics bundles the prometheus collectors of the pipeline.
type Metrics struct {
	PacketsGenerated prometheus.Counter
	PacketsDropped   prometheus.Counter
	PacketsSkipped   prometheus.Counter
	BatchesCreated   *prometheus.CounterVec
	BatchBytes       prometheus.Histogram
	BatchesDelivered *prometheus.CounterVec
	BatchesDropped   *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	SendRetries      *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
	BufferedBatches  *prometheus.GaugeVec
	BufferedBytes    *prometheus.GaugeVec
	DeliveredPackets *prometheus.CounterVec
}

func New(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		PacketsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_generated_total",
			Help:      "Total number of telemetry packets produced.",
		}),
		PacketsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_dropped_total",
			Help:      "Total number of packets rejected by a full submission channel.",
		}),
		PacketsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_skipped_total",
			Help:      "Total number of packets that could not be encoded.",
		}),
		BatchesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_created_total",
			Help:      "Total number of batches sealed, by payload encoding.",
		}, []string{"encoding"}),
		BatchBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_payload_bytes",
			Help:      "Payload size of sealed batches in bytes.",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 8),
		}),
		BatchesDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_delivered_total",
			Help:      "Total number of batches delivered, by target.",
		}, []string{"target"}),
		DeliveredPackets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_delivered_total",
			Help:      "Total number of packets delivered, by target.",
		}, []string{"target"}),
		BatchesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_dropped_total",
			Help:      "Total number of batches lost to offline buffer overflow, by target.",
		}, []string{"target"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Total number of failed sends after retries, by target and failure class.",
		}, []string{"target", "class"}),
		SendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_retries_total",
			Help:      "Total number of send retries, by target.",
		}, []string{"target"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_state",
			Help:      "Circuit breaker state by target: 0 closed, 1 open, 2 half-open.",
		}, []string{"target"}),
		BufferedBatches: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_buffer_batches",
			Help:      "Batches waiting in the offline buffer, by target.",
		}, []string{"target"}),
		BufferedBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offline_buffer_bytes",
			Help:      "Payload bytes waiting in the offline buffer, by target.",
		}, []string{"target"}),
	}

	registry.MustRegister(
		m.PacketsGenerated,
		m.PacketsDropped,
		m.PacketsSkipped,
		m.BatchesCreated,
		m.BatchBytes,
		m.BatchesDelivered,
		m.DeliveredPackets,
		m.BatchesDropped,
		m.SendFailures,
		m.SendRetries,
		m.BreakerState,
		m.BufferedBatches,
		m.BufferedBytes,
	)

	return m
}

func (m *Metrics) PacketGenerated() { m.PacketsGenerated.Inc() }
func (m *Metrics) PacketDropped()   { m.PacketsDropped.Inc() }
func (m *Metrics) PacketSkipped()   { m.PacketsSkipped.Inc() }

func (m *Metrics) BatchCreated(b *batch.Batch) {
	m.BatchesCreated.WithLabelValues(b.Encoding.String()).Inc()
	m.BatchBytes.Observe(float64(b.Size()))
}

func (m *Metrics) BatchDelivered(target string, b *batch.Batch) {
	m.BatchesDelivered.WithLabelValues(target).Inc()
	m.DeliveredPackets.WithLabelValues(target).Add(float64(b.PacketCount))
}

func (m *Metrics) BatchDropped(target string, count int) {
	m.BatchesDropped.WithLabelValues(target).Add(float64(count))
}

func (m *Metrics) SendFailed(target, class string) {
	m.SendFailures.WithLabelValues(target, class).Inc()
}

func (m *Metrics) SendRetried(target string) {
	m.SendRetries.WithLabelValues(target).Inc()
}

func (m *Metrics) StateChanged(target string, _, to resilience.State) {
	m.BreakerState.WithLabelValues(target).Set(float64(to))
}

func (m *Metrics) BufferDepth(target string, batches, bytes int) {
	m.BufferedBatches.WithLabelValues(target).Set(float64(batches))
	m.BufferedBytes.WithLabelValues(target).Set(float64(bytes))
}
