package domain

import "time"

// LocalCacheRecord mirrors a subset of the authoritative progress record on
// one device, plus a write-ahead outbox of mutations not yet confirmed by
// the server. It is never authoritative; cross-device consistency flows
// only through the server-side ledgers.
type LocalCacheRecord struct {
	UserID      string         `json:"user_id"`
	Record      ProgressRecord `json:"record"`
	LastUpdated time.Time      `json:"last_updated"`
	Outbox      []PendingOp    `json:"outbox,omitempty"`
}

// PendingOp is one queued mutation awaiting server confirmation.
type PendingOp struct {
	ID        string    `json:"id"`
	Operation Operation `json:"operation"`
	QueuedAt  time.Time `json:"queued_at"`
}
