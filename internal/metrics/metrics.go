// Package metrics exposes Prometheus collectors for the supervisor and
// worker runtime: request counts/latencies, lifecycle transitions, and
// migration outcomes.
//
// Grounded on mattcburns-shoal-provision/internal/provisioner/metrics: same
// CounterVec/HistogramVec shape registered against a private
// *prometheus.Registry and served via promhttp.HandlerFor, generalised from
// package-level globals to an instance type so a process running multiple
// Supervisors in tests doesn't collide on global registration.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for one supervisor's worker pool.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	lifecycleErrors  *prometheus.CounterVec
	workerRestarts   prometheus.Counter
	inFlightRequests prometheus.Gauge
	migrations       *prometheus.CounterVec
}

// New constructs a fresh, independently-registered Metrics instance.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shovel",
			Subsystem: "supervisor",
			Name:      "requests_total",
			Help:      "Total fetch requests dispatched to workers, by outcome.",
		}, []string{"outcome"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shovel",
			Subsystem: "supervisor",
			Name:      "request_duration_seconds",
			Help:      "Duration of a dispatched fetch request from supervisor's perspective.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"outcome"}),
		lifecycleErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shovel",
			Subsystem: "worker",
			Name:      "lifecycle_errors_total",
			Help:      "Install/activate failures, by error kind.",
		}, []string{"phase", "kind"}),
		workerRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shovel",
			Subsystem: "supervisor",
			Name:      "worker_restarts_total",
			Help:      "Total worker restarts performed after WorkerLost.",
		}),
		inFlightRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shovel",
			Subsystem: "supervisor",
			Name:      "in_flight_requests",
			Help:      "Requests currently dispatched to a worker awaiting response.",
		}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shovel",
			Subsystem: "database",
			Name:      "migrations_total",
			Help:      "Database migrations attempted, by outcome.",
		}, []string{"database", "outcome"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.lifecycleErrors,
		m.workerRestarts,
		m.inFlightRequests,
		m.migrations,
	)
	return m
}

// Handler returns an http.Handler serving this instance's metrics in
// Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed dispatch.
func (m *Metrics) ObserveRequest(outcome string, d time.Duration) {
	m.requestsTotal.WithLabelValues(outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncInFlight/DecInFlight track the supervisor's current in-flight count.
func (m *Metrics) IncInFlight() { m.inFlightRequests.Inc() }
func (m *Metrics) DecInFlight() { m.inFlightRequests.Dec() }

// ObserveLifecycleError records an install/activate failure.
func (m *Metrics) ObserveLifecycleError(phase, kind string) {
	m.lifecycleErrors.WithLabelValues(phase, kind).Inc()
}

// IncWorkerRestart records an automatic worker restart.
func (m *Metrics) IncWorkerRestart() { m.workerRestarts.Inc() }

// ObserveMigration records a database migration attempt outcome ("ok" or
// "failed").
func (m *Metrics) ObserveMigration(database, outcome string) {
	m.migrations.WithLabelValues(database, outcome).Inc()
}
