package ledger

import (
	"encoding/json"
	"time"

	"github.com/custodia-cl/custodia/internal/crypto"
	"github.com/custodia-cl/custodia/internal/models"
)

// GenesisHash is the previous hash of the first record of every chain. It can
// never collide with a SHA-256 hex digest.
const GenesisHash = "GENESIS"

// hashedFields is the canonical form bound into a record's hash. Field order
// is fixed by the struct.
type hashedFields struct {
	TenantID     string `json:"tenant_id"`
	ActorID      string `json:"actor_id"`
	Action       string `json:"action"`
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
	Timestamp    string `json:"timestamp"`
}

// ComputeHash returns the chain hash of rec linked to prev.
func ComputeHash(rec *models.AuditRecord, prev string) string {
	canonical, _ := json.Marshal(hashedFields{
		TenantID:     rec.TenantID,
		ActorID:      rec.ActorID,
		Action:       rec.Action,
		ResourceType: rec.ResourceType,
		ResourceID:   rec.ResourceID,
		Timestamp:    canonicalTime(rec.Timestamp),
	})
	return crypto.HashHex(canonical, []byte(prev))
}

func canonicalTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(time.RFC3339Nano)
}
