// Package lock provides the exclusive lease that serializes access to the
// generation backend.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrLeaseLost is returned by Extend when the caller no longer owns the lock
var ErrLeaseLost = errors.New("lock lease lost")

// Lease is proof of ownership. Token increases with every successful acquire
// and is carried into job store writes as a fencing token.
type Lease struct {
	Owner     string
	Token     int64
	ExpiresAt time.Time
}

// Lock is the execution lock contract
type Lock interface {
	// Acquire waits up to timeout for the lock. ok is false when the lock
	// never became free; the lock state is untouched in that case.
	Acquire(ctx context.Context, timeout time.Duration) (lease Lease, ok bool, err error)
	// Release frees the lock if lease still owns it. Releasing a lease that
	// is expired or held by someone else is a no-op.
	Release(ctx context.Context, lease Lease) error
	// Extend renews the lease TTL
	Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error)
	IsHeld(ctx context.Context) (bool, error)
}

// Options configures a lock driver
type Options struct {
	Key           string
	TTL           time.Duration
	RetryInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Key == "" {
		o.Key = "edit_jobs:gpu_lock"
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 200 * time.Millisecond
	}
	return o
}

// fenceFloor is the lowest token an acquire at now may return. Job records
// keep the last token that wrote them, so a fresh counter must not start
// below tokens issued before a restart.
func fenceFloor(now time.Time) int64 {
	return now.UnixMicro()
}

type tryFunc func(ctx context.Context, owner string) (Lease, bool, error)

// pollAcquire tries once, then again every interval until timeout elapses
func pollAcquire(ctx context.Context, timeout, interval time.Duration, try tryFunc) (Lease, bool, error) {
	owner := uuid.NewString()
	deadline := time.Now().Add(timeout)

	for {
		lease, ok, err := try(ctx, owner)
		if err != nil || ok {
			return lease, ok, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Lease{}, false, nil
		}

		wait := interval
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Lease{}, false, ctx.Err()
		case <-timer.C:
		}
	}
}
