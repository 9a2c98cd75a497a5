package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/editqueue/internal/domain"
	"github.com/cuongbtq/editqueue/shared/rabbitmq"
)

// RabbitMQQueue runs the queue on a durable RabbitMQ queue. Unacknowledged
// deliveries are held by the broker and redelivered when the channel closes,
// so Extend and Reclaim have nothing to do.
type RabbitMQQueue struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitMQQueue wraps a connected client
func NewRabbitMQQueue(client *rabbitmq.Client, logger *slog.Logger) *RabbitMQQueue {
	return &RabbitMQQueue{client: client, logger: logger}
}

func (q *RabbitMQQueue) Enqueue(ctx context.Context, item domain.QueueItem) error {
	body, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal queue item: %w", err)
	}

	if err := q.client.PublishWithRetry(ctx, body, "application/json"); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", item.JobID, err)
	}
	return nil
}

func (q *RabbitMQQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	msg, ok, err := q.client.Get()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrEmpty
	}

	var item domain.QueueItem
	if err := json.Unmarshal(msg.Body, &item); err != nil {
		if rejErr := msg.Reject(false); rejErr != nil {
			q.logger.Error("Failed to reject malformed message",
				slog.Any("error", rejErr),
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedItem, err)
	}

	return newDelivery(deliveryID(msg), item, func(context.Context) error {
		if err := msg.Ack(false); err != nil {
			return fmt.Errorf("failed to ack message: %w", err)
		}
		return nil
	}), nil
}

// Peek pulls up to limit messages and returns all of them to the queue
func (q *RabbitMQQueue) Peek(ctx context.Context, limit int) ([]domain.QueueItem, error) {
	items := make([]domain.QueueItem, 0, limit)
	var last *amqp.Delivery

	for i := 0; i < limit; i++ {
		msg, ok, err := q.client.Get()
		if err != nil {
			q.requeue(last)
			return nil, err
		}
		if !ok {
			break
		}
		last = &msg

		var item domain.QueueItem
		if err := json.Unmarshal(msg.Body, &item); err != nil {
			continue
		}
		items = append(items, item)
	}

	q.requeue(last)
	return items, nil
}

func (q *RabbitMQQueue) requeue(last *amqp.Delivery) {
	if last == nil {
		return
	}
	if err := last.Nack(true, true); err != nil {
		q.logger.Error("Failed to return peeked messages",
			slog.Any("error", err),
		)
	}
}

func (q *RabbitMQQueue) Extend(ctx context.Context, d *Delivery, ttl time.Duration) error {
	if !q.client.IsConnected() {
		return errors.Join(ErrLeaseExpired, errors.New("rabbitmq channel closed"))
	}
	return nil
}

func (q *RabbitMQQueue) Reclaim(ctx context.Context) (int, error) {
	return 0, nil
}

func deliveryID(msg amqp.Delivery) string {
	if msg.MessageId != "" {
		return msg.MessageId
	}
	return fmt.Sprintf("%s#%d", msg.RoutingKey, msg.DeliveryTag)
}
