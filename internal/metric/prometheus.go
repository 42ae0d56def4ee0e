package metric

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type prometheusMetrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestLatencyMs *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	CircuitOpenTotal *prometheus.CounterVec
	CircuitOpenState *prometheus.GaugeVec
}

func NewPrometheus() Metrics {
	m := &prometheusMetrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prx_requests_total",
				Help: "Total requests processed by prx",
			},
			[]string{"route", "status"},
		),
		RequestLatencyMs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "prx_request_latency_ms",
				Help:    "Request latency in milliseconds for prx",
				Buckets: prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"route"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prx_upstream_errors_total",
				Help: "Upstream errors grouped by route/upstream/stage",
			},
			[]string{"route", "upstream", "stage"},
		),
		CircuitOpenTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "prx_circuit_breaker_open_total",
				Help: "Number of times an upstream circuit opened",
			},
			[]string{"route", "upstream"},
		),
		CircuitOpenState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "prx_upstream_circuit_open",
				Help: "Current circuit breaker state (1=open, 0=closed)",
			},
			[]string{"route", "upstream"},
		),
	}

	prometheus.MustRegister(
		m.RequestsTotal,
		m.RequestLatencyMs,
		m.UpstreamErrors,
		m.CircuitOpenTotal,
		m.CircuitOpenState,
	)

	return m
}

func (m *prometheusMetrics) ObserveRequest(route string, status int, latency time.Duration) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.RequestLatencyMs.WithLabelValues(route).Observe(float64(latency.Milliseconds()))
}

func (m *prometheusMetrics) IncUpstreamError(route, upstream, stage string) {
	m.UpstreamErrors.WithLabelValues(route, upstream, stage).Inc()
}

func (m *prometheusMetrics) MarkCircuitOpen(route, upstream string) {
	m.CircuitOpenTotal.WithLabelValues(route, upstream).Inc()
	m.CircuitOpenState.WithLabelValues(route, upstream).Set(1)
}

func (m *prometheusMetrics) SetCircuitState(route, upstream string, open bool) {
	v := 0.0
	if open {
		v = 1
	}
	m.CircuitOpenState.WithLabelValues(route, upstream).Set(v)
}
