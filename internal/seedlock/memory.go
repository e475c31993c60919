package seedlock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is the same-process locker used when the relay is disabled
// and in tests. Same acquisition contract as the Redis locker.
type MemoryLocker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	records map[string]Record
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLocker{
		ttl:     ttl,
		now:     time.Now,
		records: make(map[string]Record),
	}
}

// SetClock overrides the time source. Test hook.
func (l *MemoryLocker) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// TryAcquire implements Locker.
func (l *MemoryLocker) TryAcquire(_ context.Context, documentID, holderID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	var existing *Record
	if rec, ok := l.records[documentID]; ok {
		existing = &rec
	}
	if !grantable(existing, holderID, l.ttl, now) {
		return false, nil
	}
	l.records[documentID] = Record{DocumentID: documentID, HolderID: holderID, AcquiredAt: now}
	return true, nil
}
