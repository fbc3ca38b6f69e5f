package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "onionctl"

// Metrics holds every collector onionctl records into.
type Metrics struct {
	registry *prometheus.Registry

	operationsStarted  *prometheus.CounterVec
	operationsResolved *prometheus.CounterVec
	operationDuration  *prometheus.HistogramVec
	pendingOperations  prometheus.Gauge

	bandwidthBytes   *prometheus.CounterVec
	bandwidthBuckets prometheus.Counter
	trackedWindows   prometheus.Gauge

	attachDecisions *prometheus.CounterVec

	drainRequests          prometheus.Counter
	drainActiveConnections prometheus.Gauge
	drainDraining          prometheus.Gauge
}

// New creates the collectors and registers them with a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		operationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "operations_started_total",
			Help:      "Operations registered with the correlator",
		}, []string{"kind"}),

		operationsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "operations_resolved_total",
			Help:      "Operations resolved, by outcome and by what resolved them",
		}, []string{"kind", "outcome", "source"}),

		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "operation_duration_seconds",
			Help:      "Time from registration to resolution",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"kind"}),

		pendingOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "correlator",
			Name:      "pending_operations",
			Help:      "Operations waiting for an outcome",
		}),

		bandwidthBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bandwidth",
			Name:      "bytes_total",
			Help:      "Bytes reported by bandwidth samples",
		}, []string{"direction"}),

		bandwidthBuckets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bandwidth",
			Name:      "buckets_compacted_total",
			Help:      "Live samples compacted into history buckets",
		}),

		trackedWindows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bandwidth",
			Name:      "tracked_windows",
			Help:      "Streams and connections with a live bandwidth window",
		}),

		attachDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "attach",
			Name:      "decisions_total",
			Help:      "Stream attachment decisions",
		}, []string{"policy", "result"}),

		drainRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "requests_total",
			Help:      "Requests accepted by the drain limiter",
		}),

		drainActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "active_connections",
			Help:      "Open connections tracked by the drain limiter",
		}),

		drainDraining: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "drain",
			Name:      "draining",
			Help:      "1 while the server is draining",
		}),
	}

	m.registry.MustRegister(
		m.operationsStarted,
		m.operationsResolved,
		m.operationDuration,
		m.pendingOperations,
		m.bandwidthBytes,
		m.bandwidthBuckets,
		m.trackedWindows,
		m.attachDecisions,
		m.drainRequests,
		m.drainActiveConnections,
		m.drainDraining,
	)
	return m
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OperationStarted counts a newly registered operation.
func (m *Metrics) OperationStarted(kind string) {
	if m == nil {
		return
	}
	m.operationsStarted.WithLabelValues(kind).Inc()
	m.pendingOperations.Inc()
}

// OperationResolved counts a resolved operation. source is "event",
// "reply" or "connection".
func (m *Metrics) OperationResolved(kind, outcome, source string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsResolved.WithLabelValues(kind, outcome, source).Inc()
	m.operationDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	m.pendingOperations.Dec()
}

// OperationReleased accounts for an operation abandoned by its waiter.
func (m *Metrics) OperationReleased() {
	if m == nil {
		return
	}
	m.pendingOperations.Dec()
}

// BandwidthSample adds the byte counts of one sample.
func (m *Metrics) BandwidthSample(read, written int64) {
	if m == nil {
		return
	}
	m.bandwidthBytes.WithLabelValues("read").Add(float64(read))
	m.bandwidthBytes.WithLabelValues("written").Add(float64(written))
}

// BucketCompacted counts one history bucket.
func (m *Metrics) BucketCompacted() {
	if m == nil {
		return
	}
	m.bandwidthBuckets.Inc()
}

// SetTrackedWindows reports the number of live bandwidth windows.
func (m *Metrics) SetTrackedWindows(n int) {
	if m == nil {
		return
	}
	m.trackedWindows.Set(float64(n))
}

// AttachDecision counts one policy decision. result is "attached",
// "declined" or "error".
func (m *Metrics) AttachDecision(policy, result string) {
	if m == nil {
		return
	}
	m.attachDecisions.WithLabelValues(policy, result).Inc()
}

// DrainRequest counts one accepted request.
func (m *Metrics) DrainRequest() {
	if m == nil {
		return
	}
	m.drainRequests.Inc()
}

// SetActiveConnections reports the drain limiter's connection count.
func (m *Metrics) SetActiveConnections(n int) {
	if m == nil {
		return
	}
	m.drainActiveConnections.Set(float64(n))
}

// SetDraining flags whether the server is draining.
func (m *Metrics) SetDraining(draining bool) {
	if m == nil {
		return
	}
	v := 0.0
	if draining {
		v = 1
	}
	m.drainDraining.Set(v)
}
