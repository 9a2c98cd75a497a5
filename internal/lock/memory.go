package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock is an in-process lease with the same semantics as RedisLock.
// It only serializes workers inside one process.
type MemoryLock struct {
	mu      sync.Mutex
	opts    Options
	now     func() time.Time
	owner   string
	expires time.Time
	fence   int64
}

func NewMemoryLock(opts Options) *MemoryLock {
	return &MemoryLock{opts: opts.withDefaults(), now: time.Now}
}

func (l *MemoryLock) Acquire(ctx context.Context, timeout time.Duration) (Lease, bool, error) {
	return pollAcquire(ctx, timeout, l.opts.RetryInterval, l.try)
}

func (l *MemoryLock) try(ctx context.Context, owner string) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.heldLocked(now) {
		return Lease{}, false, nil
	}

	l.fence = max(l.fence+1, fenceFloor(now))
	l.owner = owner
	l.expires = now.Add(l.opts.TTL)

	return Lease{Owner: owner, Token: l.fence, ExpiresAt: l.expires}, true, nil
}

func (l *MemoryLock) heldLocked(now time.Time) bool {
	return l.owner != "" && now.Before(l.expires)
}

func (l *MemoryLock) Release(ctx context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if lease.Owner != "" && l.owner == lease.Owner {
		l.owner = ""
		l.expires = time.Time{}
	}
	return nil
}

func (l *MemoryLock) Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.owner != lease.Owner || !l.heldLocked(now) {
		return lease, ErrLeaseLost
	}

	l.expires = now.Add(ttl)
	lease.ExpiresAt = l.expires
	return lease, nil
}

func (l *MemoryLock) IsHeld(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.heldLocked(l.now()), nil
}
