package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/cuongbtq/editqueue/internal/domain"
)

// KEYS: list, items hash, leases zset. ARGV: lease deadline (unix ms).
var dequeueScript = redis.NewScript(`
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local payload = redis.call('HGET', KEYS[2], id)
  if payload then
    redis.call('ZADD', KEYS[3], ARGV[1], id)
    return {id, payload}
  end
end
`)

// KEYS: list, items hash, leases zset. ARGV: now (unix ms).
var reclaimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
local n = 0
for i = #ids, 1, -1 do
  local id = ids[i]
  redis.call('ZREM', KEYS[3], id)
  if redis.call('HEXISTS', KEYS[2], id) == 1 then
    redis.call('RPUSH', KEYS[1], id)
    n = n + 1
  end
end
return n
`)

// KEYS: leases zset. ARGV: new deadline (unix ms), id.
var extendScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  redis.call('ZADD', KEYS[1], ARGV[1], ARGV[2])
  return 1
end
return 0
`)

// RedisQueue keeps pending ids in a list (LPUSH tail, RPOP head), payloads in
// a hash and in-flight lease deadlines in a sorted set.
type RedisQueue struct {
	rdb    *redis.Client
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	listKey   string
	itemsKey  string
	leasesKey string
}

// NewRedisQueue creates a Redis-backed queue on opts.Channel
func NewRedisQueue(rdb *redis.Client, opts Options, logger *slog.Logger) *RedisQueue {
	opts = opts.withDefaults()
	return &RedisQueue{
		rdb:       rdb,
		opts:      opts,
		logger:    logger,
		now:       time.Now,
		listKey:   opts.Channel,
		itemsKey:  opts.Channel + ":items",
		leasesKey: opts.Channel + ":leases",
	}
}

func (q *RedisQueue) keys() []string {
	return []string{q.listKey, q.itemsKey, q.leasesKey}
}

// Enqueue appends item to the tail
func (q *RedisQueue) Enqueue(ctx context.Context, item domain.QueueItem) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	id := uuid.NewString()
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.itemsKey, id, payload)
		pipe.LPush(ctx, q.listKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", item.JobID, err)
	}

	q.logger.Debug("Item enqueued",
		slog.String("job_id", item.JobID),
		slog.String("delivery_id", id),
		slog.Int("retry_count", item.RetryCount),
	)
	return nil
}

// Dequeue takes the head item under a lease. It never blocks.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	deadline := q.now().Add(q.opts.VisibilityTimeout).UnixMilli()

	res, err := dequeueScript.Run(ctx, q.rdb, q.keys(), deadline).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("failed to dequeue: unexpected reply of %d elements", len(res))
	}

	id := res[0]
	d := newDelivery(id, domain.QueueItem{}, func(ctx context.Context) error {
		return q.ack(ctx, id)
	})

	if err := json.Unmarshal([]byte(res[1]), &d.Item); err != nil {
		if ackErr := d.Ack(ctx); ackErr != nil {
			q.logger.Error("Failed to drop malformed item",
				slog.String("delivery_id", id),
				slog.Any("error", ackErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}

	return d, nil
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, q.itemsKey, id)
		pipe.ZRem(ctx, q.leasesKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack delivery %s: %w", id, err)
	}
	return nil
}

// Peek returns up to limit items from the head without removing them
func (q *RedisQueue) Peek(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	if limit <= 0 {
		return []domain.QueueItem{}, nil
	}

	ids, err := q.rdb.LRange(ctx, q.listKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to peek queue: %w", err)
	}
	if len(ids) == 0 {
		return []domain.QueueItem{}, nil
	}

	// head is the rightmost element
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}

	payloads, err := q.rdb.HMGet(ctx, q.itemsKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load queue items: %w", err)
	}

	items := make([]domain.QueueItem, 0, len(payloads))
	for i, p := range payloads {
		s, ok := p.(string)
		if !ok {
			continue
		}
		var item domain.QueueItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			q.logger.Warn("Skipping malformed queue item",
				slog.String("delivery_id", ids[i]),
				slog.Any("error", err),
			)
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Extend pushes the lease deadline of an in-flight delivery to now+ttl
func (q *RedisQueue) Extend(ctx context.Context, d *Delivery, ttl time.Duration) error {
	deadline := q.now().Add(ttl).UnixMilli()

	n, err := extendScript.Run(ctx, q.rdb, []string{q.leasesKey}, deadline, d.ID).Int()
	if err != nil {
		return fmt.Errorf("failed to extend delivery %s: %w", d.ID, err)
	}
	if n == 0 {
		return ErrLeaseExpired
	}
	return nil
}

// Reclaim moves every expired in-flight item back to the head of the queue
func (q *RedisQueue) Reclaim(ctx context.Context) (int, error) {
	n, err := reclaimScript.Run(ctx, q.rdb, q.keys(), q.now().UnixMilli()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired deliveries: %w", err)
	}
	if n > 0 {
		q.logger.Warn("Reclaimed expired deliveries",
			slog.Int("count", n),
			slog.String("channel", q.opts.Channel),
		)
	}
	return n, nil
}
