// Package metricsx holds the Prometheus metrics of the session client.
// Every method is safe on a nil *Metrics so components can run unmetered.
package metricsx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the session client.
type Metrics struct {
	RefreshTotal       *prometheus.CounterVec
	GatewayRequests    *prometheus.CounterVec
	GatewayRetries     *prometheus.CounterVec
	GatewayDuration    *prometheus.HistogramVec
	SessionTransitions *prometheus.CounterVec
	LoginFailures      prometheus.Counter
	Lockouts           prometheus.Counter
	SessionStatus      *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_refresh_total",
				Help: "Network refresh calls by trigger and result.",
			},
			[]string{"trigger", "result"},
		),
		GatewayRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Outbound requests by method and status code.",
			},
			[]string{"method", "code"},
		),
		GatewayRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_retries_total",
				Help: "Retries of transient failures by method.",
			},
			[]string{"method"},
		),
		GatewayDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Outbound request duration by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		SessionTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "session_transitions_total",
				Help: "Session state machine transitions.",
			},
			[]string{"from", "to", "event"},
		),
		LoginFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_login_failures_total",
				Help: "Rejected login attempts.",
			},
		),
		Lockouts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "session_lockouts_total",
				Help: "Times the client locked further login attempts.",
			},
		),
		SessionStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "session_status",
				Help: "1 for the current session status, 0 otherwise.",
			},
			[]string{"status"},
		),
		registry: reg,
	}

	reg.MustRegister(m.RefreshTotal)
	reg.MustRegister(m.GatewayRequests)
	reg.MustRegister(m.GatewayRetries)
	reg.MustRegister(m.GatewayDuration)
	reg.MustRegister(m.SessionTransitions)
	reg.MustRegister(m.LoginFailures)
	reg.MustRegister(m.Lockouts)
	reg.MustRegister(m.SessionStatus)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRefresh counts one network refresh.
func (m *Metrics) RecordRefresh(trigger, result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(trigger, result).Inc()
}

// RecordRequest counts one outbound response (or -1 for transport errors)
// and its duration.
func (m *Metrics) RecordRequest(method string, code int, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.GatewayDuration.WithLabelValues(method).Observe(d.Seconds())
}

// RecordRetry counts one retry.
func (m *Metrics) RecordRetry(method string) {
	if m == nil {
		return
	}
	m.GatewayRetries.WithLabelValues(method).Inc()
}

// RecordTransition counts a state change and flips the status gauge.
func (m *Metrics) RecordTransition(from, to, event string) {
	if m == nil {
		return
	}
	m.SessionTransitions.WithLabelValues(from, to, event).Inc()
	m.SessionStatus.WithLabelValues(from).Set(0)
	m.SessionStatus.WithLabelValues(to).Set(1)
}

// RecordLoginFailure counts a rejected login; locked reports whether it
// tipped the client into lockout.
func (m *Metrics) RecordLoginFailure(locked bool) {
	if m == nil {
		return
	}
	m.LoginFailures.Inc()
	if locked {
		m.Lockouts.Inc()
	}
}
