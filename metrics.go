package fluent

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultMetricsNamespace prefixes every metric name.
const DefaultMetricsNamespace = "fluent"

// Metrics holds the Prometheus collectors for registration and pipeline activity.
// Each Metrics owns a private registry so independent applications (and tests)
// never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	Registrations      *prometheus.CounterVec
	Conflicts          *prometheus.CounterVec
	MiddlewareSkipped  *prometheus.CounterVec
	MiddlewareFailures *prometheus.CounterVec
	ConditionPanics    *prometheus.CounterVec
	ModuleInitDuration *prometheus.HistogramVec
}

// NewMetrics creates collectors under namespace and registers them on a new registry.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registrations_total",
				Help:      "Registrations processed, by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		Conflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "registration_conflicts_total",
				Help:      "Registrations that hit an existing key, by kind and conflict mode",
			},
			[]string{"kind", "mode"},
		),
		MiddlewareSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "middleware_skipped_total",
				Help:      "Requests that bypassed a middleware because its condition was false",
			},
			[]string{"middleware"},
		),
		MiddlewareFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "middleware_failures_total",
				Help:      "Middleware failures, by reason",
			},
			[]string{"middleware", "reason"},
		),
		ConditionPanics: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "middleware_condition_panics_total",
				Help:      "Middleware conditions that panicked and were treated as false",
			},
			[]string{"middleware"},
		),
		ModuleInitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_initialize_duration_seconds",
				Help:      "Lifecycle module Initialize duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"module", "status"},
		),
	}

	registry.MustRegister(
		m.Registrations,
		m.Conflicts,
		m.MiddlewareSkipped,
		m.MiddlewareFailures,
		m.ConditionPanics,
		m.ModuleInitDuration,
	)
	return m
}

// Registry returns the Prometheus registry holding these collectors, for use
// with promhttp.HandlerFor.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) observeRegistration(kind string, outcome ConflictOutcome) {
	m.Registrations.WithLabelValues(kind, string(outcome)).Inc()
}

func (m *Metrics) observeConflict(kind string, mode ConflictMode) {
	m.Conflicts.WithLabelValues(kind, string(mode)).Inc()
}

func (m *Metrics) observeSkip(middleware string) {
	if m == nil {
		return
	}
	m.MiddlewareSkipped.WithLabelValues(middleware).Inc()
}

func (m *Metrics) observeFailure(middleware, reason string) {
	if m == nil {
		return
	}
	m.MiddlewareFailures.WithLabelValues(middleware, reason).Inc()
}

func (m *Metrics) observeConditionPanic(middleware string) {
	if m == nil {
		return
	}
	m.ConditionPanics.WithLabelValues(middleware).Inc()
}

func (m *Metrics) observeInit(module string, started time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ModuleInitDuration.WithLabelValues(module, status).Observe(time.Since(started).Seconds())
}
