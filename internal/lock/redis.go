package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// KEYS: lock, fence counter. ARGV: owner, ttl ms, fence floor.
var acquireScript = redis.NewScript(`
if redis.call('SET', KEYS[1], ARGV[1], 'NX', 'PX', ARGV[2]) then
  local token = redis.call('INCR', KEYS[2])
  if token < tonumber(ARGV[3]) then
    redis.call('SET', KEYS[2], ARGV[3])
    return tonumber(ARGV[3])
  end
  return token
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a TTL lease on a single Redis key plus a fencing counter
type RedisLock struct {
	rdb      *redis.Client
	opts     Options
	fenceKey string
	logger   *slog.Logger
}

// NewRedisLock creates a lock on opts.Key
func NewRedisLock(rdb *redis.Client, opts Options, logger *slog.Logger) *RedisLock {
	opts = opts.withDefaults()
	return &RedisLock{
		rdb:      rdb,
		opts:     opts,
		fenceKey: opts.Key + ":fence",
		logger:   logger,
	}
}

func (l *RedisLock) Acquire(ctx context.Context, timeout time.Duration) (Lease, bool, error) {
	return pollAcquire(ctx, timeout, l.opts.RetryInterval, l.try)
}

func (l *RedisLock) try(ctx context.Context, owner string) (Lease, bool, error) {
	token, err := acquireScript.Run(ctx, l.rdb,
		[]string{l.opts.Key, l.fenceKey},
		owner, l.opts.TTL.Milliseconds(), fenceFloor(time.Now()),
	).Int64()
	if err != nil {
		return Lease{}, false, fmt.Errorf("failed to acquire lock %s: %w", l.opts.Key, err)
	}
	if token == 0 {
		return Lease{}, false, nil
	}

	l.logger.Debug("Lock acquired",
		slog.String("key", l.opts.Key),
		slog.String("owner", owner),
		slog.Int64("token", token),
	)

	return Lease{
		Owner:     owner,
		Token:     token,
		ExpiresAt: time.Now().Add(l.opts.TTL),
	}, true, nil
}

func (l *RedisLock) Release(ctx context.Context, lease Lease) error {
	if lease.Owner == "" {
		return nil
	}

	n, err := releaseScript.Run(ctx, l.rdb, []string{l.opts.Key}, lease.Owner).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.opts.Key, err)
	}
	if n == 0 {
		l.logger.Debug("Lock already released or taken over",
			slog.String("key", l.opts.Key),
			slog.String("owner", lease.Owner),
		)
	}
	return nil
}

func (l *RedisLock) Extend(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.opts.Key}, lease.Owner, ttl.Milliseconds()).Int()
	if err != nil {
		return lease, fmt.Errorf("failed to extend lock %s: %w", l.opts.Key, err)
	}
	if n == 0 {
		return lease, ErrLeaseLost
	}

	lease.ExpiresAt = time.Now().Add(ttl)
	return lease, nil
}

func (l *RedisLock) IsHeld(ctx context.Context) (bool, error) {
	n, err := l.rdb.Exists(ctx, l.opts.Key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to inspect lock %s: %w", l.opts.Key, err)
	}
	return n == 1, nil
}
