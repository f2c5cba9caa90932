package queue

import (
	"context"
	"sync/atomic"
	"time"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

const brokerPublishTimeout = 5 * time.Second

// Publisher is the producer side of the broker bridge
type Publisher interface {
	PublishNotification(ctx context.Context, item *models.NotificationItem, ttl time.Duration) error
}

// BrokerQueue accepts notifications like EmailQueue but hands them to the
// broker, leaving delivery to the process that consumes the inbound queue.
type BrokerQueue struct {
	publisher Publisher
	ttl       time.Duration
	now       func() time.Time

	published atomic.Int64
	failed    atomic.Int64
}

func NewBrokerQueue(publisher Publisher, ttl time.Duration) *BrokerQueue {
	return &BrokerQueue{publisher: publisher, ttl: ttl, now: time.Now}
}

func (b *BrokerQueue) Enqueue(item *models.NotificationItem) error {
	if item == nil {
		return errors.Wrap(errors.ErrInvalidArgument, "notification item is nil")
	}
	prepare(item, b.now())

	ctx, cancel := context.WithTimeout(context.Background(), brokerPublishTimeout)
	defer cancel()

	if err := b.publisher.PublishNotification(ctx, item, b.ttl); err != nil {
		b.failed.Add(1)
		return err
	}
	b.published.Add(1)
	return nil
}

// Stats reports published items as enqueued and failed publishes as dropped
func (b *BrokerQueue) Stats() Stats {
	return Stats{
		Enqueued: b.published.Load(),
		Dropped:  b.failed.Load(),
	}
}
