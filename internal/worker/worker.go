package worker

import (
	"context"
	"encoding/json"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
	"jobnotifier/internal/queue"
)

// Processor moves notifications published to RabbitMQ into the local
// email queue.
type Processor struct {
	manager *queue.Manager
	queue   Enqueuer
	log     *zap.SugaredLogger
}

func NewProcessor(manager *queue.Manager, q Enqueuer, log *zap.SugaredLogger) *Processor {
	return &Processor{
		manager: manager,
		queue:   q,
		log:     log.Named("processor"),
	}
}

func (p *Processor) Start(ctx context.Context) error {
	if err := p.manager.StartConsumer(ctx, p.handleMessage); err != nil {
		return errors.Wrap(err, "failed to start consumer")
	}

	p.log.Infow("processor started")
	return nil
}

// handleMessage logs and acks malformed bodies. A rejected enqueue is
// returned so the broker requeues the message.
func (p *Processor) handleMessage(ctx context.Context, delivery amqp091.Delivery) error {
	var item models.NotificationItem
	if err := json.Unmarshal(delivery.Body, &item); err != nil {
		p.log.Errorw("discarding malformed notification", "message_id", delivery.MessageId, "error", err)
		return nil
	}

	if item.Recipient == "" {
		p.log.Errorw("discarding notification without recipient", "id", item.ID, "message_id", delivery.MessageId)
		return nil
	}

	// Broker messages start a fresh retry cycle here
	item.RetryCount = 0
	item.NextRetryAt = nil

	if err := p.queue.Enqueue(&item); err != nil {
		p.log.Warnw("could not enqueue notification, leaving it on the broker", "id", item.ID, "error", err)
		return err
	}

	p.log.Debugw("notification received", "id", item.ID, "recipient", item.Recipient, "priority", item.Priority.Normalize())
	return nil
}
