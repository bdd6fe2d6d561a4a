package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func newTestMetrics(t *testing.T) (*PrometheusMetrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := NewPrometheusMetrics(reg)
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	return m, reg
}

func TestPrometheus_AccessChecks(t *testing.T) {
	m, _ := newTestMetrics(t)

	t.Run("counts decisions per module", func(t *testing.T) {
		m.RecordAccessCheck("MOD-1", true)
		m.RecordAccessCheck("MOD-1", true)
		m.RecordAccessCheck("MOD-1", false)

		if val := getCounterValue(t, m.AccessChecks, "MOD-1", "allowed"); val != 2 {
			t.Errorf("expected 2 allowed, got %f", val)
		}
		if val := getCounterValue(t, m.AccessChecks, "MOD-1", "denied"); val != 1 {
			t.Errorf("expected 1 denied, got %f", val)
		}
	})

	t.Run("cache hits and misses", func(t *testing.T) {
		m.RecordAccessCacheLookup(true)
		m.RecordAccessCacheLookup(false)
		m.RecordAccessCacheLookup(false)

		if val := getCounterValue(t, m.AccessCacheLookups, "miss"); val != 2 {
			t.Errorf("expected 2 misses, got %f", val)
		}
	})
}

func TestPrometheus_LicenseOperations(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLicenseOperation("activate", nil)
	m.RecordLicenseOperation("activate", errors.New("boom"))
	m.RecordQuotaWarning("MOD-3")
	m.RecordGrantsExpired(4)
	m.RecordGrantsExpired(0)

	if val := getCounterValue(t, m.LicenseOperations, "activate", "success"); val != 1 {
		t.Errorf("expected 1 success, got %f", val)
	}
	if val := getCounterValue(t, m.LicenseOperations, "activate", "failure"); val != 1 {
		t.Errorf("expected 1 failure, got %f", val)
	}
	if val := getCounterValue(t, m.QuotaWarnings, "MOD-3"); val != 1 {
		t.Errorf("expected 1 quota warning, got %f", val)
	}

	var dm dto.Metric
	if err := m.GrantsExpired.Write(&dm); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	if dm.GetCounter().GetValue() != 4 {
		t.Errorf("expected 4 expired grants, got %f", dm.GetCounter().GetValue())
	}
}

func TestPrometheus_LedgerAppends(t *testing.T) {
	m, _ := newTestMetrics(t)

	m.RecordLedgerAppend(100*time.Millisecond, nil)
	m.RecordLedgerAppend(300*time.Millisecond, nil)
	m.RecordLedgerAppend(time.Second, errors.New("disk full"))

	count, sum := getHistogramValues(t, m.LedgerAppendDuration, "success")
	if count != 2 {
		t.Errorf("expected count 2, got %d", count)
	}
	if sum < 0.39 || sum > 0.41 {
		t.Errorf("expected sum 0.4, got %f", sum)
	}
	if val := getCounterValue(t, m.LedgerAppends, "failure"); val != 1 {
		t.Errorf("expected 1 failure, got %f", val)
	}

	m.RecordLedgerVerification("INTACT")
	m.RecordSuspicious("bulk_delete")
	m.RecordAnchor(nil)
	if val := getCounterValue(t, m.LedgerVerifications, "INTACT"); val != 1 {
		t.Errorf("expected 1 verification, got %f", val)
	}
}

func TestPrometheus_ConnectionStats(t *testing.T) {
	m, reg := newTestMetrics(t)

	if err := m.RegisterConnectionStats(func() (int, int) { return 3, 7 }); err != nil {
		t.Fatalf("RegisterConnectionStats() error: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	values := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if g := metric.GetGauge(); g != nil {
				values[f.GetName()] = g.GetValue()
			}
		}
	}
	if values["custodia_tenant_connections_open"] != 3 {
		t.Errorf("expected 3 open connections, got %f", values["custodia_tenant_connections_open"])
	}
	if values["custodia_tenant_connections_in_flight"] != 7 {
		t.Errorf("expected 7 in flight, got %f", values["custodia_tenant_connections_in_flight"])
	}
}

func TestPrometheus_NilIsNoop(t *testing.T) {
	var m *PrometheusMetrics
	m.RecordAccessCheck("MOD-1", true)
	m.RecordLedgerAppend(time.Second, nil)
	m.RecordTenantResolution("resolved")
	if err := m.RegisterConnectionStats(func() (int, int) { return 0, 0 }); err != nil {
		t.Errorf("expected nil error, got %v", err)
	}
}

func TestPrometheus_Registration(t *testing.T) {
	t.Run("creates metrics successfully", func(t *testing.T) {
		m, _ := newTestMetrics(t)
		if m.AccessChecks == nil {
			t.Error("AccessChecks should not be nil")
		}
		if m.LedgerAppendDuration == nil {
			t.Error("LedgerAppendDuration should not be nil")
		}
	})

	t.Run("fails on duplicate registration", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		_, err := NewPrometheusMetrics(reg)
		if err != nil {
			t.Fatalf("first registration failed: %v", err)
		}
		_, err = NewPrometheusMetrics(reg)
		if err == nil {
			t.Fatal("expected error on duplicate registration")
		}
	})
}

// Helper functions for extracting Prometheus metric values.

func getCounterValue(t *testing.T, counter *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	var m dto.Metric
	if err := counter.WithLabelValues(labels...).(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func getHistogramValues(t *testing.T, hist *prometheus.HistogramVec, label string) (uint64, float64) {
	t.Helper()
	observer := hist.WithLabelValues(label)
	var m dto.Metric
	if err := observer.(prometheus.Metric).Write(&m); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return m.GetHistogram().GetSampleCount(), m.GetHistogram().GetSampleSum()
}
