// Package metrics provides Prometheus metrics for Custodia.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "custodia"

// PrometheusMetrics holds the application's Prometheus collectors. A nil
// *PrometheusMetrics is valid and records nothing.
type PrometheusMetrics struct {
	TenantResolutions    *prometheus.CounterVec
	AccessChecks         *prometheus.CounterVec
	AccessCacheLookups   *prometheus.CounterVec
	LicenseOperations    *prometheus.CounterVec
	QuotaWarnings        *prometheus.CounterVec
	GrantsExpired        prometheus.Counter
	LedgerAppends        *prometheus.CounterVec
	LedgerAppendDuration *prometheus.HistogramVec
	LedgerVerifications  *prometheus.CounterVec
	LedgerSuspicious     *prometheus.CounterVec
	AnchorsPublished     *prometheus.CounterVec

	reg prometheus.Registerer
}

// NewPrometheusMetrics creates and registers all collectors with reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		reg: reg,
		TenantResolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tenant_resolutions_total",
			Help:      "Tenant resolution attempts by outcome.",
		}, []string{"outcome"}),
		AccessChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_checks_total",
			Help:      "Module access checks by module and decision.",
		}, []string{"module", "decision"}),
		AccessCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "access_cache_lookups_total",
			Help:      "Access cache lookups by result.",
		}, []string{"result"}),
		LicenseOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "license_operations_total",
			Help:      "License lifecycle operations by operation and result.",
		}, []string{"operation", "result"}),
		QuotaWarnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quota_warnings_total",
			Help:      "Usage updates that crossed a grant ceiling.",
		}, []string{"module"}),
		GrantsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grants_expired_total",
			Help:      "Module grants deactivated by the expiry sweep.",
		}),
		LedgerAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_appends_total",
			Help:      "Audit ledger appends by result.",
		}, []string{"result"}),
		LedgerAppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ledger_append_duration_seconds",
			Help:      "Duration of audit ledger appends including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		LedgerVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_verifications_total",
			Help:      "Audit chain verifications by resulting status.",
		}, []string{"status"}),
		LedgerSuspicious: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_suspicious_records_total",
			Help:      "Audit records flagged by the suspicion policy, by action.",
		}, []string{"action"}),
		AnchorsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anchors_published_total",
			Help:      "Chain head checkpoints written to external storage by result.",
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.TenantResolutions,
		m.AccessChecks,
		m.AccessCacheLookups,
		m.LicenseOperations,
		m.QuotaWarnings,
		m.GrantsExpired,
		m.LedgerAppends,
		m.LedgerAppendDuration,
		m.LedgerVerifications,
		m.LedgerSuspicious,
		m.AnchorsPublished,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ConnectionStats reports the state of the tenant connection cache.
type ConnectionStats func() (open, inFlight int)

// RegisterConnectionStats exposes the connection cache through gauges that
// are evaluated at scrape time.
func (m *PrometheusMetrics) RegisterConnectionStats(stats ConnectionStats) error {
	if m == nil {
		return nil
	}
	open := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_connections_open",
		Help:      "Cached tenant partition connections.",
	}, func() float64 {
		o, _ := stats()
		return float64(o)
	})
	inFlight := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "tenant_connections_in_flight",
		Help:      "Outstanding leases on tenant partition connections.",
	}, func() float64 {
		_, f := stats()
		return float64(f)
	})
	if err := m.reg.Register(open); err != nil {
		return err
	}
	return m.reg.Register(inFlight)
}

// RecordTenantResolution counts a tenant resolution outcome.
func (m *PrometheusMetrics) RecordTenantResolution(outcome string) {
	if m == nil {
		return
	}
	m.TenantResolutions.WithLabelValues(outcome).Inc()
}

// RecordAccessCheck counts an access decision.
func (m *PrometheusMetrics) RecordAccessCheck(module string, allowed bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	m.AccessChecks.WithLabelValues(module, decision).Inc()
}

// RecordAccessCacheLookup counts an access cache hit or miss.
func (m *PrometheusMetrics) RecordAccessCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.AccessCacheLookups.WithLabelValues(result).Inc()
}

// RecordLicenseOperation counts a license operation; err decides the result label.
func (m *PrometheusMetrics) RecordLicenseOperation(operation string, err error) {
	if m == nil {
		return
	}
	m.LicenseOperations.WithLabelValues(operation, resultLabel(err)).Inc()
}

// RecordQuotaWarning counts a crossed usage ceiling.
func (m *PrometheusMetrics) RecordQuotaWarning(module string) {
	if m == nil {
		return
	}
	m.QuotaWarnings.WithLabelValues(module).Inc()
}

// RecordGrantsExpired adds grants deactivated by the expiry sweep.
func (m *PrometheusMetrics) RecordGrantsExpired(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.GrantsExpired.Add(float64(n))
}

// RecordLedgerAppend counts an append and observes its duration.
func (m *PrometheusMetrics) RecordLedgerAppend(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := resultLabel(err)
	m.LedgerAppends.WithLabelValues(result).Inc()
	m.LedgerAppendDuration.WithLabelValues(result).Observe(d.Seconds())
}

// RecordLedgerVerification counts a verification by its status.
func (m *PrometheusMetrics) RecordLedgerVerification(status string) {
	if m == nil {
		return
	}
	m.LedgerVerifications.WithLabelValues(status).Inc()
}

// RecordSuspicious counts a record flagged by the suspicion policy.
func (m *PrometheusMetrics) RecordSuspicious(action string) {
	if m == nil {
		return
	}
	m.LedgerSuspicious.WithLabelValues(action).Inc()
}

// RecordAnchor counts a chain head checkpoint write.
func (m *PrometheusMetrics) RecordAnchor(err error) {
	if m == nil {
		return
	}
	m.AnchorsPublished.WithLabelValues(resultLabel(err)).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
