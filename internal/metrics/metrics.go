// Package metrics holds the Prometheus collectors of the bridge.
// Every method is safe on a nil *Metrics, so callers never branch on "metrics enabled".
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "saj_bridge"

// Operation and result label values.
const (
	OpRead  = "read"
	OpWrite = "write"

	ResultOK        = "ok"
	ResultTimeout   = "timeout"
	ResultTransport = "transport_error"
	ResultError     = "error"

	ResponseMatched = "matched"
	ResponseUnknown = "unknown"
	ResponseInvalid = "decode_error"
)

type Metrics struct {
	framesPublished    *prometheus.CounterVec
	responses          *prometheus.CounterVec
	checksumMismatches prometheus.Counter
	operations         *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	pending            prometheus.Gauge
	pollCycles         *prometheus.CounterVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_published_total",
			Help:      "Request frames published to the inverter, per operation.",
		}, []string{"op"}),
		responses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "responses_received_total",
			Help:      "Response frames received, by correlation result.",
		}, []string{"result"}),
		checksumMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checksum_mismatches_total",
			Help:      "Response frames delivered despite a CRC mismatch.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Logical register operations, by result.",
		}, []string{"op", "result"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Wall time of logical register operations.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"op"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_requests",
			Help:      "Request ids currently awaiting a response.",
		}),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Dataset poll cycles, by result.",
		}, []string{"dataset", "result"}),
	}

	reg.MustRegister(
		m.framesPublished,
		m.responses,
		m.checksumMismatches,
		m.operations,
		m.operationDuration,
		m.pending,
		m.pollCycles,
	)
	return m
}

// Handler serves the given gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FramePublished(op string) {
	if m == nil {
		return
	}
	m.framesPublished.WithLabelValues(op).Inc()
}

func (m *Metrics) Response(result string) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(result).Inc()
}

func (m *Metrics) ChecksumMismatch() {
	if m == nil {
		return
	}
	m.checksumMismatches.Inc()
}

func (m *Metrics) Operation(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, result).Inc()
	m.operationDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

func (m *Metrics) PollCycle(dataset, result string) {
	if m == nil {
		return
	}
	m.pollCycles.WithLabelValues(dataset, result).Inc()
}
