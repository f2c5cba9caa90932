package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wb-go/wbf/rabbitmq"
	"github.com/wb-go/wbf/retry"
	"go.uber.org/zap"

	"jobnotifier/internal/config"
	"jobnotifier/internal/errors"
	"jobnotifier/internal/models"
)

const (
	Exchange = "notifications"

	InboundQueue      = "notifications.inbound"
	InboundRoutingKey = "inbound"

	DeadQueue      = "notifications.dead"
	DeadRoutingKey = "dead"
)

// Manager bridges the in-process queue to RabbitMQ: other services publish
// notifications to the inbound queue, and dropped items are published to the
// dead queue.
type Manager struct {
	cfg       config.AMQPConfig
	log       *zap.SugaredLogger
	client    *rabbitmq.RabbitClient
	publisher *rabbitmq.Publisher
	consumer  *rabbitmq.Consumer
}

func NewManager(cfg config.AMQPConfig, log *zap.SugaredLogger) (*Manager, error) {
	clientCfg := rabbitmq.ClientConfig{
		URL:       cfg.URL,
		Heartbeat: 10 * time.Second,
		ReconnectStrat: retry.Strategy{
			Attempts: 10,
			Delay:    2 * time.Second,
			Backoff:  2,
		},
		ProducingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
		ConsumingStrat: retry.Strategy{
			Attempts: 3,
			Delay:    100 * time.Millisecond,
			Backoff:  2,
		},
	}

	client, err := rabbitmq.NewClient(clientCfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create RabbitMQ client")
	}

	if err := setupExchangesAndQueues(client); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "failed to setup exchanges and queues")
	}

	log = log.Named("amqp")
	log.Infow("RabbitMQ manager initialized", "exchange", Exchange, "inbound", InboundQueue, "dead", DeadQueue)

	return &Manager{
		cfg:       cfg,
		log:       log,
		client:    client,
		publisher: rabbitmq.NewPublisher(client, Exchange, "application/json"),
	}, nil
}

func setupExchangesAndQueues(client *rabbitmq.RabbitClient) error {
	if err := client.DeclareExchange(Exchange, "direct", true, false, false, nil); err != nil {
		return errors.Wrap(err, "failed to declare exchange")
	}

	if err := client.DeclareQueue(InboundQueue, Exchange, InboundRoutingKey, true, false, true, nil); err != nil {
		return errors.Wrap(err, "failed to declare inbound queue")
	}

	if err := client.DeclareQueue(DeadQueue, Exchange, DeadRoutingKey, true, false, true, nil); err != nil {
		return errors.Wrap(err, "failed to declare dead letter queue")
	}

	return nil
}

// PublishNotification hands an item to whichever process consumes the
// inbound queue. A positive ttl lets the broker discard it if nobody picks
// it up in time.
func (m *Manager) PublishNotification(ctx context.Context, item *models.NotificationItem, ttl time.Duration) error {
	if item == nil {
		return errors.Wrap(errors.ErrInvalidArgument, "notification item is nil")
	}

	body, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "failed to marshal notification")
	}

	var opts []rabbitmq.PublishOption
	if ttl > 0 {
		opts = append(opts, rabbitmq.WithExpiration(ttl))
	}

	if err := m.publisher.Publish(ctx, body, InboundRoutingKey, opts...); err != nil {
		return errors.Wrapf(err, "failed to publish notification %s", item.ID)
	}

	m.log.Debugw("published notification", "id", item.ID, "routing_key", InboundRoutingKey, "ttl", ttl)
	return nil
}

// StoreDeadLetter publishes a dropped item to the dead queue
func (m *Manager) StoreDeadLetter(ctx context.Context, item models.NotificationItem, reason string) error {
	body, err := json.Marshal(models.DeadLetter{Item: item, Reason: reason, DroppedAt: time.Now().UTC()})
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter")
	}

	if err := m.publisher.Publish(ctx, body, DeadRoutingKey); err != nil {
		return errors.Wrapf(err, "failed to publish dead letter %s", item.ID)
	}
	return nil
}

// StartConsumer consumes the inbound queue in the background until ctx is done.
func (m *Manager) StartConsumer(ctx context.Context, handler rabbitmq.MessageHandler) error {
	workers := m.cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	consumerCfg := rabbitmq.ConsumerConfig{
		Queue:         InboundQueue,
		ConsumerTag:   "jobnotifier-inbound",
		AutoAck:       false,
		Workers:       workers,
		PrefetchCount: 10,
		Ask: rabbitmq.AskConfig{
			Multiple: false,
		},
		Nack: rabbitmq.NackConfig{
			Multiple: false,
			Requeue:  true,
		},
		Args: nil,
	}

	m.consumer = rabbitmq.NewConsumer(m.client, consumerCfg, handler)

	go func() {
		if err := m.consumer.Start(ctx); err != nil {
			m.log.Errorw("consumer stopped with error", "error", err)
		}
	}()

	m.log.Infow("consumer started", "queue", InboundQueue, "workers", workers)
	return nil
}

func (m *Manager) Close() error {
	if m.client != nil {
		return m.client.Close()
	}
	return nil
}
