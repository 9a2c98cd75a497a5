package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/editqueue/internal/domain"
)

type memoryEntry struct {
	id   string
	item domain.QueueItem
}

type memoryLease struct {
	entry    memoryEntry
	deadline time.Time
}

// MemoryQueue is an in-process queue with the same lease semantics as the
// Redis driver. It does not survive a restart.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     Options
	now      func() time.Time
	pending  []memoryEntry // index 0 is the head
	inflight map[string]memoryLease
}

// NewMemoryQueue creates an empty in-process queue
func NewMemoryQueue(opts Options) *MemoryQueue {
	return &MemoryQueue{
		opts:     opts.withDefaults(),
		now:      time.Now,
		inflight: make(map[string]memoryLease),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, item domain.QueueItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.pending = append(q.pending, memoryEntry{id: uuid.NewString(), item: cloneItem(item)})
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return nil, ErrEmpty
	}

	entry := q.pending[0]
	q.pending = q.pending[1:]
	q.inflight[entry.id] = memoryLease{entry: entry, deadline: q.now().Add(q.opts.VisibilityTimeout)}

	id := entry.id
	return newDelivery(id, cloneItem(entry.item), func(context.Context) error {
		q.ack(id)
		return nil
	}), nil
}

func (q *MemoryQueue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.inflight, id)
	for i, e := range q.pending {
		if e.id == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
}

func (q *MemoryQueue) Peek(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if limit > len(q.pending) {
		limit = len(q.pending)
	}
	if limit < 0 {
		limit = 0
	}

	items := make([]domain.QueueItem, 0, limit)
	for _, e := range q.pending[:limit] {
		items = append(items, cloneItem(e.item))
	}
	return items, nil
}

func (q *MemoryQueue) Extend(ctx context.Context, d *Delivery, ttl time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	lease, ok := q.inflight[d.ID]
	if !ok {
		return ErrLeaseExpired
	}
	lease.deadline = q.now().Add(ttl)
	q.inflight[d.ID] = lease
	return nil
}

func (q *MemoryQueue) Reclaim(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var expired []memoryLease
	for id, lease := range q.inflight {
		if !lease.deadline.After(now) {
			expired = append(expired, lease)
			delete(q.inflight, id)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}

	// earliest deadline ends up at the head
	slices.SortFunc(expired, func(a, b memoryLease) int {
		return a.deadline.Compare(b.deadline)
	})

	head := make([]memoryEntry, 0, len(expired)+len(q.pending))
	for _, l := range expired {
		head = append(head, l.entry)
	}
	q.pending = append(head, q.pending...)
	return len(expired), nil
}

// Len returns the number of pending items
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func cloneItem(item domain.QueueItem) domain.QueueItem {
	artifacts := make([]string, len(item.Artifacts))
	copy(artifacts, item.Artifacts)
	item.Artifacts = artifacts
	return item
}
