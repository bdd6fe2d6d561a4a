package ledger

import (
	"testing"
	"time"

	"github.com/custodia-cl/custodia/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestComputeHash(t *testing.T) {
	rec := &models.AuditRecord{
		ID:           uuid.New(),
		TenantID:     "acme",
		ActorID:      "user-1",
		Action:       "document.update",
		ResourceType: "document",
		ResourceID:   "doc-1",
		Timestamp:    time.Date(2026, 2, 3, 4, 5, 6, 789123456, time.UTC),
	}
	base := ComputeHash(rec, GenesisHash)
	assert.Len(t, base, 64)
	assert.NotEqual(t, GenesisHash, base)

	t.Run("deterministic", func(t *testing.T) {
		assert.Equal(t, base, ComputeHash(rec, GenesisHash))
	})

	t.Run("sub-microsecond and zone are ignored", func(t *testing.T) {
		same := *rec
		same.Timestamp = time.Date(2026, 2, 3, 4, 5, 6, 789123999, time.UTC).In(time.FixedZone("X", 3600))
		assert.Equal(t, base, ComputeHash(&same, GenesisHash))
	})

	t.Run("detail and result are not hashed", func(t *testing.T) {
		same := *rec
		same.Detail = map[string]any{"x": 1}
		same.Result = models.AuditResultDenied
		assert.Equal(t, base, ComputeHash(&same, GenesisHash))
	})

	mutations := map[string]func(r *models.AuditRecord){
		"tenant":        func(r *models.AuditRecord) { r.TenantID = "beta" },
		"actor":         func(r *models.AuditRecord) { r.ActorID = "user-2" },
		"action":        func(r *models.AuditRecord) { r.Action = "document.delete" },
		"resource type": func(r *models.AuditRecord) { r.ResourceType = "folder" },
		"resource id":   func(r *models.AuditRecord) { r.ResourceID = "doc-2" },
		"timestamp":     func(r *models.AuditRecord) { r.Timestamp = r.Timestamp.Add(time.Microsecond) },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			changed := *rec
			mutate(&changed)
			assert.NotEqual(t, base, ComputeHash(&changed, GenesisHash))
		})
	}

	t.Run("previous hash", func(t *testing.T) {
		assert.NotEqual(t, base, ComputeHash(rec, base))
	})
}
