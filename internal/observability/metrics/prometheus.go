// Package metrics provides Prometheus metrics for the prescription lifecycle engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	PrescriptionsCreated   prometheus.Counter
	PrescriptionsDispensed prometheus.Counter
	PrescriptionsCancelled prometheus.Counter
	PrescriptionsExpired   prometheus.Counter
	Validations            *prometheus.CounterVec
	DispenseRejections     *prometheus.CounterVec
	RegistrySyncs          *prometheus.CounterVec
	Conflicts              *prometheus.CounterVec
	OperationDuration      *prometheus.HistogramVec
	OutboxPending          prometheus.Gauge
	CircuitBreakerState    *prometheus.GaugeVec
}

// New creates all metrics and registers them with reg. A nil reg uses the
// default Prometheus registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		PrescriptionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_created_total",
			Help: "Total prescriptions created",
		}),
		PrescriptionsDispensed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_dispensed_total",
			Help: "Total prescriptions dispensed",
		}),
		PrescriptionsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_cancelled_total",
			Help: "Total prescriptions cancelled",
		}),
		PrescriptionsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescriptions_expired_total",
			Help: "Total prescriptions transitioned to EXPIRED",
		}),
		Validations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_validations_total",
			Help: "Validation runs by outcome",
		}, []string{"result"}),
		DispenseRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_dispense_rejections_total",
			Help: "Rejected dispense attempts by reason",
		}, []string{"reason"}),
		RegistrySyncs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_registry_syncs_total",
			Help: "External registry submissions by outcome",
		}, []string{"outcome"}),
		Conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prescription_conflicts_total",
			Help: "Compare-and-swap conflicts by operation",
		}, []string{"operation"}),
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "prescription_operation_duration_seconds",
			Help:    "Lifecycle operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"operation"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending audit outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.PrescriptionsCreated,
		m.PrescriptionsDispensed,
		m.PrescriptionsCancelled,
		m.PrescriptionsExpired,
		m.Validations,
		m.DispenseRejections,
		m.RegistrySyncs,
		m.Conflicts,
		m.OperationDuration,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// ObserveOperation records the duration of a lifecycle operation
func (m *Metrics) ObserveOperation(op string, start time.Time) {
	if m == nil {
		return
	}
	m.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Created counts a created prescription
func (m *Metrics) Created() {
	if m != nil {
		m.PrescriptionsCreated.Inc()
	}
}

// Validated counts a validation run
func (m *Metrics) Validated(valid bool) {
	if m == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	m.Validations.WithLabelValues(result).Inc()
}

// Dispensed counts a successful dispense
func (m *Metrics) Dispensed() {
	if m != nil {
		m.PrescriptionsDispensed.Inc()
	}
}

// DispenseRejected counts a rejected dispense attempt
func (m *Metrics) DispenseRejected(reason string) {
	if m != nil {
		m.DispenseRejections.WithLabelValues(reason).Inc()
	}
}

// Cancelled counts a cancellation
func (m *Metrics) Cancelled() {
	if m != nil {
		m.PrescriptionsCancelled.Inc()
	}
}

// Expired counts a lazy EXPIRED transition
func (m *Metrics) Expired() {
	if m != nil {
		m.PrescriptionsExpired.Inc()
	}
}

// Synced counts a registry submission
func (m *Metrics) Synced(ok bool) {
	if m == nil {
		return
	}
	outcome := "failure"
	if ok {
		outcome = "success"
	}
	m.RegistrySyncs.WithLabelValues(outcome).Inc()
}

// Conflict counts a CAS failure
func (m *Metrics) Conflict(op string) {
	if m != nil {
		m.Conflicts.WithLabelValues(op).Inc()
	}
}

// SetBreakerState publishes a breaker state (0=closed, 1=open, 2=half-open)
func (m *Metrics) SetBreakerState(name string, state float64) {
	if m != nil {
		m.CircuitBreakerState.WithLabelValues(name).Set(state)
	}
}

// SetOutboxPending publishes the number of unrelayed outbox entries
func (m *Metrics) SetOutboxPending(n int64) {
	if m != nil {
		m.OutboxPending.Set(float64(n))
	}
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns an HTTP handler serving the given gatherer
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
