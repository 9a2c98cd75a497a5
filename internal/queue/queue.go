// Package queue is the leased work queue between intake and the workers.
//
// Dequeue hands an item out under a visibility timeout. The item stays in an
// in-flight set until the delivery is acknowledged; Reclaim puts items whose
// lease ran out back at the head of the queue so a crashed worker never loses
// a job.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cuongbtq/editqueue/internal/domain"
)

var (
	// ErrEmpty is returned by Dequeue when nothing is waiting
	ErrEmpty = errors.New("queue is empty")

	// ErrLeaseExpired is returned by Extend when the delivery is no longer in flight
	ErrLeaseExpired = errors.New("delivery lease expired")

	// ErrMalformedItem is returned by Dequeue for a payload that could not be
	// decoded. The payload has already been dropped.
	ErrMalformedItem = errors.New("malformed queue item")
)

// Queue is the work queue contract shared by all drivers
type Queue interface {
	Enqueue(ctx context.Context, item domain.QueueItem) error
	Dequeue(ctx context.Context) (*Delivery, error)
	Peek(ctx context.Context, limit int) ([]domain.QueueItem, error)
	Extend(ctx context.Context, d *Delivery, ttl time.Duration) error
	Reclaim(ctx context.Context) (int, error)
}

// Delivery is one leased hand-off of an item to a worker
type Delivery struct {
	ID   string
	Item domain.QueueItem

	once  sync.Once
	ack   func(ctx context.Context) error
	acked error
}

func newDelivery(id string, item domain.QueueItem, ack func(ctx context.Context) error) *Delivery {
	return &Delivery{ID: id, Item: item, ack: ack}
}

// Ack removes the delivery from the in-flight set. Calling it again is a no-op.
func (d *Delivery) Ack(ctx context.Context) error {
	d.once.Do(func() {
		if d.ack != nil {
			d.acked = d.ack(ctx)
		}
	})
	return d.acked
}

// Options configures a queue driver
type Options struct {
	Channel           string
	VisibilityTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Channel == "" {
		o.Channel = "edit_jobs"
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 2 * time.Minute
	}
	return o
}
