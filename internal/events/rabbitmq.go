package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jogardn/restro-orders/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const (
	NotificationExchange = "notifications"
	NotificationQueue    = "notifications.email"
)

type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitSender publishes notifications to a fanout exchange.
type RabbitSender struct {
	conn     *amqp.Connection
	ch       publisher
	exchange string
	logger   *logrus.Logger
	mu       sync.Mutex
}

func NewRabbitSender(url, exchange string, logger *logrus.Logger) (*RabbitSender, error) {
	if exchange == "" {
		exchange = NotificationExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	return &RabbitSender{
		conn:     conn,
		ch:       ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

func (s *RabbitSender) Send(ctx context.Context, msg notify.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	// Channels are not safe for concurrent publishing.
	s.mu.Lock()
	err = s.ch.PublishWithContext(ctx, s.exchange, "", false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.CreatedAt,
		Type:         msg.Template,
		Body:         body,
	})
	s.mu.Unlock()
	if err != nil {
		s.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to publish notification to RabbitMQ")
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"exchange":   s.exchange,
		"message_id": msg.ID,
		"order_id":   msg.OrderID,
	}).Info("Notification published to RabbitMQ")
	return nil
}

func (s *RabbitSender) Close() error {
	if s.conn == nil || s.conn.IsClosed() {
		return nil
	}
	return s.conn.Close()
}

// RabbitConsumer delivers notifications from a durable queue bound to the
// notification exchange. Messages that fail for good are rejected without
// requeue, which routes them to the queue's dead letter exchange.
type RabbitConsumer struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	sender   notify.Sender
	policy   RetryPolicy
	sleep    sleepFunc
	metrics  counters
	logger   *logrus.Logger
	wg       sync.WaitGroup
	prefetch int
}

type RabbitConsumerConfig struct {
	URL      string
	Exchange string
	Queue    string
	Prefetch int
	Policy   RetryPolicy
}

func NewRabbitConsumer(config RabbitConsumerConfig, sender notify.Sender, logger *logrus.Logger) (*RabbitConsumer, error) {
	if config.Exchange == "" {
		config.Exchange = NotificationExchange
	}
	if config.Queue == "" {
		config.Queue = NotificationQueue
	}
	if config.Prefetch <= 0 {
		config.Prefetch = 10
	}

	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, config.Exchange, config.Queue); err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(config.Prefetch, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	c := newRabbitConsumer(sender, config.Policy, logger)
	c.conn = conn
	c.ch = ch
	c.queue = config.Queue
	c.prefetch = config.Prefetch
	return c, nil
}

func newRabbitConsumer(sender notify.Sender, policy RetryPolicy, logger *logrus.Logger) *RabbitConsumer {
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RabbitConsumer{
		sender: sender,
		policy: policy,
		sleep:  sleepContext,
		logger: logger,
	}
}

// declareTopology sets up exchange -> queue, plus <exchange>.dlx -> <queue>.dlq
// for rejected messages.
func declareTopology(ch *amqp.Channel, exchange, queue string) error {
	dlx := exchange + ".dlx"
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}
	if err := ch.ExchangeDeclare(dlx, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", dlx, err)
	}
	if _, err := ch.QueueDeclare(queue+".dlq", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dead letter queue: %w", err)
	}
	if err := ch.QueueBind(queue+".dlq", "", dlx, false, nil); err != nil {
		return fmt.Errorf("failed to bind dead letter queue: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": dlx,
	}); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, "", exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}
	return nil
}

// Start consumes until ctx is cancelled, handling up to prefetch messages
// at a time, and waits for in-flight deliveries before returning.
func (c *RabbitConsumer) Start(ctx context.Context) error {
	deliveries, err := c.ch.ConsumeWithContext(ctx, c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume from %s: %w", c.queue, err)
	}
	c.logger.WithField("queue", c.queue).Info("RabbitMQ consumer started")

	slots := make(chan struct{}, c.prefetch)
	defer c.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("RabbitMQ consumer context cancelled")
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			slots <- struct{}{}
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				defer func() { <-slots }()
				c.handle(ctx, d)
			}(d)
		}
	}
}

func (c *RabbitConsumer) handle(ctx context.Context, d amqp.Delivery) {
	c.metrics.processed.Add(1)
	log := c.logger.WithFields(logrus.Fields{
		"delivery_tag": d.DeliveryTag,
		"message_id":   d.MessageId,
		"redelivered":  d.Redelivered,
	})

	var msg notify.Message
	err := json.Unmarshal(d.Body, &msg)
	if err != nil {
		err = fmt.Errorf("%w: %v", errDecode, err)
	} else {
		err = deliverWithRetry(ctx, c.sender, msg, c.policy, c.sleep, &c.metrics, c.logger)
	}

	switch {
	case err == nil:
		c.metrics.succeeded.Add(1)
		if ackErr := d.Ack(false); ackErr != nil {
			log.WithError(ackErr).Error("Failed to ack message")
		}
	case ctx.Err() != nil:
		if nackErr := d.Nack(false, true); nackErr != nil {
			log.WithError(nackErr).Error("Failed to requeue message")
		}
	default:
		c.metrics.failed.Add(1)
		c.metrics.dlq.Add(1)
		log.WithError(err).Error("Failed to deliver notification, dead-lettering")
		if nackErr := d.Nack(false, false); nackErr != nil {
			log.WithError(nackErr).Error("Failed to nack message")
		}
	}
}

func (c *RabbitConsumer) Metrics() ConsumerMetrics {
	return c.metrics.snapshot()
}

func (c *RabbitConsumer) Close() error {
	c.wg.Wait()
	if c.conn == nil || c.conn.IsClosed() {
		return nil
	}
	return c.conn.Close()
}
