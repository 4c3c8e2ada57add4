package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Created()
	m.Validated(true)
	m.Dispensed()
	m.DispenseRejected("expired")
	m.Cancelled()
	m.Expired()
	m.Synced(false)
	m.Conflict("dispense")
	m.SetBreakerState("registry", 1)
	m.ObserveOperation("create", time.Now())
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Created()
	m.Created()
	m.Validated(true)
	m.Validated(false)
	m.Validated(false)
	m.Conflict("dispense")

	if got := testutil.ToFloat64(m.PrescriptionsCreated); got != 2 {
		t.Errorf("created = %v", got)
	}
	if got := testutil.ToFloat64(m.Validations.WithLabelValues("invalid")); got != 2 {
		t.Errorf("invalid validations = %v", got)
	}
	if got := testutil.ToFloat64(m.Conflicts.WithLabelValues("dispense")); got != 1 {
		t.Errorf("conflicts = %v", got)
	}
}
