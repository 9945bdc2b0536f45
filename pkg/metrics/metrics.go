// Package metrics records ESIA client activity.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives client events. Implementations must be safe for concurrent use.
type Recorder interface {
	// RecordTokenExchange observes one token endpoint round trip for the given
	// grant kind (auth_code, refresh, credential).
	RecordTokenExchange(kind string, success bool, duration time.Duration)
	// RecordTokenRefresh counts refresh attempts made by the request dispatcher.
	RecordTokenRefresh(success bool)
	// RecordRequest observes one authenticated resource call.
	RecordRequest(method string, statusCode int, duration time.Duration)
	// RecordSignature counts sign and verify operations.
	RecordSignature(operation string, success bool)
	// RecordCallback counts callback outcomes in the hosting adapters.
	RecordCallback(result string)
}

var _ Recorder = (*Metrics)(nil)

// Metrics is the Prometheus-backed Recorder.
type Metrics struct {
	TokenExchangesTotal   *prometheus.CounterVec
	TokenExchangeDuration *prometheus.HistogramVec
	TokenRefreshesTotal   *prometheus.CounterVec
	RequestsTotal         *prometheus.CounterVec
	RequestDuration       *prometheus.HistogramVec
	SignatureOpsTotal     *prometheus.CounterVec
	CallbacksTotal        *prometheus.CounterVec
}

var (
	defaultMetrics *Metrics
	once           sync.Once
)

// Init returns a Recorder registered with the default Prometheus registerer
// when enabled, or a Noop otherwise. Registration happens once per process.
func Init(enabled bool) Recorder {
	if !enabled {
		return NewNoop()
	}

	once.Do(func() {
		defaultMetrics = New(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TokenExchangesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esia_token_exchanges_total",
				Help: "Total number of token endpoint exchanges",
			},
			[]string{"kind", "result"},
		),
		TokenExchangeDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "esia_token_exchange_duration_seconds",
				Help:    "Token endpoint round trip latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		TokenRefreshesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esia_token_refreshes_total",
				Help: "Total number of access token refreshes",
			},
			[]string{"result"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esia_requests_total",
				Help: "Total number of authenticated resource requests",
			},
			[]string{"method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "esia_request_duration_seconds",
				Help:    "Authenticated resource request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SignatureOpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esia_signature_operations_total",
				Help: "Total number of sign and verify operations",
			},
			[]string{"operation", "result"},
		),
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "esia_callbacks_total",
				Help: "Total number of sign-in callbacks by outcome",
			},
			[]string{"result"},
		),
	}
}

func (m *Metrics) RecordTokenExchange(kind string, success bool, duration time.Duration) {
	m.TokenExchangesTotal.WithLabelValues(kind, result(success)).Inc()
	m.TokenExchangeDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

func (m *Metrics) RecordTokenRefresh(success bool) {
	m.TokenRefreshesTotal.WithLabelValues(result(success)).Inc()
}

func (m *Metrics) RecordRequest(method string, statusCode int, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(statusCode)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

func (m *Metrics) RecordSignature(operation string, success bool) {
	m.SignatureOpsTotal.WithLabelValues(operation, result(success)).Inc()
}

func (m *Metrics) RecordCallback(outcome string) {
	m.CallbacksTotal.WithLabelValues(outcome).Inc()
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
