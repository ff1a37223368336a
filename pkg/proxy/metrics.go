package proxy

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus metrics.
type Metrics struct {
	flowsTotal       *prometheus.CounterVec
	flowDuration     *prometheus.HistogramVec
	upstreamErrors   *prometheus.CounterVec
	upstreamStatuses *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the gateway metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		flowsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_flows_total",
				Help: "Total number of flows by direction and hook action",
			},
			[]string{"direction", "action"},
		),

		flowDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_flow_duration_seconds",
				Help:    "End to end flow latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"moderated"},
		),

		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_errors_total",
				Help: "Total number of failed upstream exchanges",
			},
			[]string{"reason"},
		),

		upstreamStatuses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_responses_total",
				Help: "Total number of upstream responses by status code",
			},
			[]string{"status_code"},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.flowsTotal,
		m.flowDuration,
		m.upstreamErrors,
		m.upstreamStatuses,
	)

	return m
}

// RecordFlow counts one hook outcome.
func (m *Metrics) RecordFlow(direction, action string) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(direction, action).Inc()
}

// ObserveFlow records the latency of a whole exchange.
func (m *Metrics) ObserveFlow(moderated bool, d time.Duration) {
	if m == nil {
		return
	}
	m.flowDuration.WithLabelValues(strconv.FormatBool(moderated)).Observe(d.Seconds())
}

// RecordUpstreamError counts a failed upstream exchange.
func (m *Metrics) RecordUpstreamError(reason string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(reason).Inc()
}

// RecordUpstreamStatus counts an upstream response status.
func (m *Metrics) RecordUpstreamStatus(code int) {
	if m == nil {
		return
	}
	m.upstreamStatuses.WithLabelValues(strconv.Itoa(code)).Inc()
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
