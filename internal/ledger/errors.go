// Package ledger implements the per-tenant tamper-evident audit chain.
//
// Every record's hash covers its identifying fields and the hash of its
// predecessor, so altering or removing any historical record breaks
// verification of every record after it.
package ledger

import "errors"

var (
	// ErrLedgerWriteFailed means an audit record could not be persisted. When
	// it follows a performed action, the action has no audit trail and the
	// failure must be escalated.
	ErrLedgerWriteFailed = errors.New("ledger write failed")
	// ErrInvalidEntry means the entry is missing required fields.
	ErrInvalidEntry = errors.New("invalid audit entry")
	// ErrInvalidQuery means a listing or verification range is malformed.
	ErrInvalidQuery = errors.New("invalid audit query")
)
