package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all keystored metrics. Each instance carries its own
// registry so tests can create as many as they like.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	serviceOpsTotal   *prometheus.CounterVec
	serviceOpDuration *prometheus.HistogramVec
	serviceOpFailures *prometheus.CounterVec
	liveOperations    prometheus.GaugeFunc
	entropyBytesMixed prometheus.Counter
}

// New creates a metrics instance. liveOperations feeds the live-operations
// gauge; pass nil to skip it.
func New(liveOperations func() int) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		gatherer: registry,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystored_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystored_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		serviceOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystored_service_operations_total",
				Help: "Total number of keystore service operations",
			},
			[]string{"operation"},
		),
		serviceOpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keystored_service_operation_duration_seconds",
				Help:    "Keystore service operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		serviceOpFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keystored_service_operation_failures_total",
				Help: "Keystore service operations that returned a non-success code",
			},
			[]string{"operation", "code"},
		),
		entropyBytesMixed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "keystored_entropy_bytes_mixed_total",
				Help: "Caller-supplied entropy bytes mixed into the RNG pool",
			},
		),
	}

	if liveOperations != nil {
		m.liveOperations = factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "keystored_live_operations",
				Help: "Operations currently held open by clients",
			},
			func() float64 { return float64(liveOperations()) },
		)
	}

	return m
}

// RecordHTTPRequest records one served HTTP request. Route is the mux
// route template rather than the raw path, keeping label cardinality
// bounded no matter what key names clients send.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordServiceOp records one keystore operation and its outcome code.
func (m *Metrics) RecordServiceOp(operation string, code int32, duration time.Duration) {
	m.serviceOpsTotal.WithLabelValues(operation).Inc()
	m.serviceOpDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if code != 0 && code != 1 {
		m.serviceOpFailures.WithLabelValues(operation, strconv.FormatInt(int64(code), 10)).Inc()
	}
}

// RecordEntropy records caller-supplied entropy volume.
func (m *Metrics) RecordEntropy(bytes int) {
	m.entropyBytesMixed.Add(float64(bytes))
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry backing this instance.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.gatherer
}
