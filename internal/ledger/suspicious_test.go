package ledger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday.
var midweek = time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)

func record(action string, at time.Time, detail map[string]any) *models.AuditRecord {
	return &models.AuditRecord{TenantID: "acme", ActorID: "u", Action: action, ResourceType: "document", Timestamp: at, Detail: detail}
}

func TestSuspicionPolicy_Default(t *testing.T) {
	p := DefaultSuspicionPolicy()
	noon := midweek.Add(12 * time.Hour)
	night := midweek.Add(23 * time.Hour)
	saturday := midweek.AddDate(0, 0, 3).Add(12 * time.Hour)

	tests := []struct {
		name string
		rec  *models.AuditRecord
		want []string
	}{
		{"routine update", record("document.update", noon, nil), nil},
		{"denied action", record("BULK_DELETE", noon, nil), []string{ReasonDeniedAction}},
		{"namespaced denied action", record("records.purge", noon, nil), []string{ReasonDeniedAction}},
		{"delete in business hours", record("document.delete", noon, nil), nil},
		{"delete at night", record("document.delete", night, nil), []string{ReasonAfterHours}},
		{"delete on weekend", record("document.delete", saturday, nil), []string{ReasonAfterHours}},
		{"read at night", record("document.read", night, nil), nil},
		{"large affected count", record("document.update", noon, map[string]any{"affected_count": float64(5000)}), []string{ReasonLargeAffectCount}},
		{"string affected count", record("document.update", noon, map[string]any{"count": "1200"}), []string{ReasonLargeAffectCount}},
		{"small affected count", record("document.update", noon, map[string]any{"affected_count": 3}), nil},
		{"everything", record("bulk_delete", night, map[string]any{"affected": 10000}), []string{ReasonDeniedAction, ReasonLargeAffectCount}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Evaluate(tt.rec))
		})
	}
}

func TestParseSuspicionPolicy(t *testing.T) {
	p, err := ParseSuspicionPolicy([]byte(`
denied_actions: ["export_all"]
business_hours:
  time_zone: America/Santiago
  start_hour: 22
  end_hour: 6
  weekdays: false
affected_count_threshold: 10
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"export_all"}, p.DeniedActions)
	assert.NotEmpty(t, p.DestructiveActions, "unset fields keep defaults")
	assert.Equal(t, []string{ReasonDeniedAction}, p.Evaluate(record("EXPORT_ALL", midweek.Add(5*time.Hour), nil)))
	assert.Nil(t, p.Evaluate(record("bulk_delete", midweek.Add(5*time.Hour), nil)))

	loc, err := time.LoadLocation("America/Santiago")
	require.NoError(t, err)
	inWindow := time.Date(2026, 4, 15, 23, 0, 0, 0, loc)
	outside := time.Date(2026, 4, 15, 12, 0, 0, 0, loc)
	assert.Nil(t, p.Evaluate(record("document.delete", inWindow, nil)))
	assert.Equal(t, []string{ReasonAfterHours}, p.Evaluate(record("document.delete", outside, nil)))

	assert.Equal(t, []string{ReasonLargeAffectCount}, p.Evaluate(record("document.update", outside, map[string]any{"count": 10})))
}

func TestParseSuspicionPolicy_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"bad yaml":    "denied_actions: [",
		"bad zone":    "business_hours: {time_zone: Mars/Olympus}",
		"bad hours":   "business_hours: {start_hour: 25}",
		"bad pattern": `denied_actions: ["[unclosed"]`,
		"wrong type":  "affected_count_threshold: lots",
	} {
		_, err := ParseSuspicionPolicy([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadSuspicionPolicy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("affected_count_threshold: 50\n"), 0600))

	p, err := LoadSuspicionPolicy(path)
	require.NoError(t, err)
	assert.Equal(t, float64(50), p.AffectedCountThreshold)

	_, err = LoadSuspicionPolicy(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLedger_SuspiciousRecordsAreAppended(t *testing.T) {
	f := newLedgerFixture(t, "acme")

	rec, err := f.ledger.Append(context.Background(), Entry{
		TenantID:     "acme",
		ActorID:      "admin",
		Action:       "bulk_delete",
		ResourceType: "document",
		Detail:       map[string]any{"affected_count": 25000},
	})
	require.NoError(t, err)
	assert.True(t, f.ledger.DetectSuspicious(rec))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.LedgerSuspicious.WithLabelValues("bulk_delete")))

	_, total, err := f.ledger.List(context.Background(), "acme", models.AuditFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
}
