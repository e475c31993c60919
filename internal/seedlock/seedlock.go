// Package seedlock provides the advisory mutual-exclusion record used to pick
// a single client to seed an empty replicated document body from its legacy
// snapshot.
//
// The lock is optimistic, not linearizable: acquisition is a read-check-write
// against a shared key, so two holders can both observe "no lock" inside a
// narrow race window and both proceed. The seeding protocol treats that as a
// tolerated, low-probability degraded outcome, never an error. Locks are
// never released; staleness past the TTL is the release mechanism.
package seedlock

import (
	"context"
	"time"
)

// DefaultTTL is the staleness window after which a lock record is ignored.
const DefaultTTL = 4 * time.Second

// Record is a stored lock.
type Record struct {
	DocumentID string    `json:"document_id"`
	HolderID   string    `json:"holder_id"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Locker coordinates which client performs a one-time seed.
type Locker interface {
	// TryAcquire writes a fresh lock record and returns true when no live
	// record exists for the document, when the existing record is stale, or
	// when the caller already holds it. Otherwise it returns false without
	// writing.
	TryAcquire(ctx context.Context, documentID, holderID string) (bool, error)
}

// grantable is the shared acquisition rule.
func grantable(existing *Record, holderID string, ttl time.Duration, now time.Time) bool {
	if existing == nil {
		return true
	}
	if existing.HolderID == holderID {
		return true
	}
	return now.Sub(existing.AcquiredAt) > ttl
}
