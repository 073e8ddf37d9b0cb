// Package metrics provides standardized Prometheus metrics for the
// load balancer dispatch engine.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "avanlb"
	subsystem = "dispatch"
)

// Health status gauge values.
const (
	HealthValueUnhealthy = 0
	HealthValueSuspect   = 1
	HealthValueHealthy   = 2
)

// Metrics holds all dispatch-level Prometheus metrics.
type Metrics struct {
	ConnectionsAcceptedTotal prometheus.Counter
	ConnectionsRejectedTotal *prometheus.CounterVec
	ActiveConnections        prometheus.Gauge

	SelectionsTotal        *prometheus.CounterVec
	RequestsTotal          *prometheus.CounterVec
	RequestFailuresTotal   *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	RotationsTotal         prometheus.Counter

	PeerHealthStatus        *prometheus.GaugeVec
	PeerConsecutiveFailures *prometheus.GaugeVec
	PeerActiveConnections   *prometheus.GaugeVec
	HealthChecksTotal       *prometheus.CounterVec
	HealthCheckSeconds      *prometheus.HistogramVec

	RateLimitRejectionsTotal *prometheus.CounterVec
}

var (
	instance *Metrics
	once     sync.Once
)

// Get returns the process-wide metrics instance, registering it with
// the default registry on first use.
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		ConnectionsAcceptedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_accepted_total",
			Help:      "Total number of client connections accepted",
		}),
		ConnectionsRejectedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connections_rejected_total",
			Help:      "Total number of client connections rejected",
		}, []string{"reason"}),
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_connections",
			Help:      "Number of client connections currently open",
		}),
		SelectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "selections_total",
			Help:      "Total number of scheduler selections per peer",
		}, []string{"peer"}),
		RequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "requests_total",
			Help:      "Total number of proxied requests per peer and result",
		}, []string{"peer", "result"}),
		RequestFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_failures_total",
			Help:      "Total number of request failures per peer and kind",
		}, []string{"peer", "kind"}),
		RequestDurationSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "request_duration_seconds",
			Help:      "Duration of proxied requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"peer"}),
		RotationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rotations_total",
			Help:      "Total number of connections closed after reaching the request quota",
		}),
		PeerHealthStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_health_status",
			Help:      "Peer health state (2=healthy, 1=suspect, 0=unhealthy)",
		}, []string{"peer"}),
		PeerConsecutiveFailures: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_consecutive_failures",
			Help:      "Current consecutive failure streak per peer",
		}, []string{"peer"}),
		PeerActiveConnections: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "peer_active_connections",
			Help:      "Connections currently routed to each peer",
		}, []string{"peer"}),
		HealthChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_checks_total",
			Help:      "Total number of health probes per peer and result",
		}, []string{"peer", "result"}),
		HealthCheckSeconds: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "health_check_duration_seconds",
			Help:      "Duration of health probes",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5},
		}, []string{"peer"}),
		RateLimitRejectionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rate_limit_rejections_total",
			Help:      "Total number of rate limit rejections by key type",
		}, []string{"key_type"}),
	}
}

// RecordHealthCheck records one probe outcome.
func (m *Metrics) RecordHealthCheck(peer, result string, d time.Duration) {
	m.HealthChecksTotal.WithLabelValues(peer, result).Inc()
	m.HealthCheckSeconds.WithLabelValues(peer).Observe(d.Seconds())
}

// RecordHealthState records a peer's health gauge value.
func (m *Metrics) RecordHealthState(peer string, value float64, failures int) {
	m.PeerHealthStatus.WithLabelValues(peer).Set(value)
	m.PeerConsecutiveFailures.WithLabelValues(peer).Set(float64(failures))
}
