package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditResult represents the outcome of an audited action.
type AuditResult string

const (
	// AuditResultSuccess indicates the action completed successfully.
	AuditResultSuccess AuditResult = "success"
	// AuditResultFailure indicates the action failed.
	AuditResultFailure AuditResult = "failure"
	// AuditResultDenied indicates the action was rejected before it ran.
	AuditResultDenied AuditResult = "denied"
)

// AuditRecord is one link of a tenant's tamper-evident audit chain.
// Records are never updated or deleted once written.
type AuditRecord struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Seq          int64          `json:"seq"`
	ActorID      string         `json:"actor_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	Result       AuditResult    `json:"result"`
	Timestamp    time.Time      `json:"timestamp"`
	Detail       map[string]any `json:"detail,omitempty"`
	ThisHash     string         `json:"this_hash"`
	PreviousHash string         `json:"previous_hash"`
}

// AuditFilter narrows a listing of audit records.
type AuditFilter struct {
	Action       string
	ActorID      string
	ResourceType string
	ResourceID   string
	Start        *time.Time
	End          *time.Time
	Limit        int
	Offset       int
}

// VerificationStatus summarizes the integrity of a verified range.
type VerificationStatus string

const (
	// VerificationIntact means every record in range verified.
	VerificationIntact VerificationStatus = "INTACT"
	// VerificationMinorIssues means a small share of records failed.
	VerificationMinorIssues VerificationStatus = "MINOR_ISSUES"
	// VerificationCompromised means the range cannot be trusted.
	VerificationCompromised VerificationStatus = "COMPROMISED"
)

// CorruptionReason explains why a record failed verification.
type CorruptionReason string

const (
	// CorruptionHashMismatch means the record's content no longer matches its hash.
	CorruptionHashMismatch CorruptionReason = "HASH_MISMATCH"
	// CorruptionChainDiscontinuity means the previous_hash link is broken.
	CorruptionChainDiscontinuity CorruptionReason = "CHAIN_DISCONTINUITY"
)

// CorruptedRecord describes one failed record.
type CorruptedRecord struct {
	RecordID     uuid.UUID        `json:"record_id"`
	Seq          int64            `json:"seq"`
	Timestamp    time.Time        `json:"timestamp"`
	Reason       CorruptionReason `json:"reason"`
	ExpectedHash string           `json:"expected_hash"`
	StoredHash   string           `json:"stored_hash"`
}

// VerificationResult is the outcome of verifying a range of a tenant chain.
type VerificationResult struct {
	TenantID         string             `json:"tenant_id"`
	From             time.Time          `json:"from"`
	To               time.Time          `json:"to"`
	Status           VerificationStatus `json:"status"`
	VerifiedCount    int                `json:"verified_count"`
	CorruptedCount   int                `json:"corrupted_count"`
	CorruptedRecords []CorruptedRecord  `json:"corrupted_records"`
	VerifiedAt       time.Time          `json:"verified_at"`
}

// ChainHead is the latest link of a tenant chain, used for external anchoring.
type ChainHead struct {
	TenantID  string    `json:"tenant_id"`
	Seq       int64     `json:"seq"`
	ThisHash  string    `json:"this_hash"`
	Timestamp time.Time `json:"timestamp"`
}
