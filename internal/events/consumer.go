package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jogardn/restro-orders/internal/notify"
	"github.com/sirupsen/logrus"
)

// KafkaConsumer reads notifications from Kafka and delivers them, retrying
// transient failures and parking the rest on a dead letter topic.
type KafkaConsumer struct {
	group     sarama.ConsumerGroup
	processor *processor
	topics    []string
	logger    *logrus.Logger
}

type processor struct {
	sender   notify.Sender
	dlq      sarama.SyncProducer
	dlqTopic string
	policy   RetryPolicy
	sleep    sleepFunc
	metrics  counters
	logger   *logrus.Logger
}

type KafkaConsumerConfig struct {
	Brokers  []string
	GroupID  string
	Topic    string
	DLQTopic string
	Policy   RetryPolicy
}

func NewKafkaConsumer(config KafkaConsumerConfig, sender notify.Sender, logger *logrus.Logger) (*KafkaConsumer, error) {
	group, err := sarama.NewConsumerGroup(config.Brokers, config.GroupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := NewSyncProducer(config.Brokers)
	if err != nil {
		group.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	topic := config.Topic
	if topic == "" {
		topic = NotificationTopic
	}
	return &KafkaConsumer{
		group:     group,
		processor: newProcessor(sender, producer, config.DLQTopic, config.Policy, logger),
		topics:    []string{topic},
		logger:    logger,
	}, nil
}

func newProcessor(sender notify.Sender, dlq sarama.SyncProducer, dlqTopic string, policy RetryPolicy, logger *logrus.Logger) *processor {
	if dlqTopic == "" {
		dlqTopic = NotificationDLQTopic
	}
	if policy.MaxRetries <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &processor{
		sender:   sender,
		dlq:      dlq,
		dlqTopic: dlqTopic,
		policy:   policy,
		sleep:    sleepContext,
		logger:   logger,
	}
}

// Start blocks until ctx is cancelled or the group fails.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	handler := &groupHandler{processor: c.processor, logger: c.logger}
	for {
		if err := c.group.Consume(ctx, c.topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.WithError(err).Error("Error consuming from Kafka")
			return err
		}
		if ctx.Err() != nil {
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		}
	}
}

func (c *KafkaConsumer) Metrics() ConsumerMetrics {
	return c.processor.metrics.snapshot()
}

func (c *KafkaConsumer) Close() error {
	if err := c.processor.dlq.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close DLQ producer")
	}
	return c.group.Close()
}

type groupHandler struct {
	processor *processor
	logger    *logrus.Logger
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			// An unmarked message is redelivered after a rebalance or restart.
			if h.processor.process(session.Context(), message) {
				session.MarkMessage(message, "")
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

// process reports whether the message is finished with, either delivered or
// dead-lettered.
func (p *processor) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	p.metrics.processed.Add(1)
	log := p.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"key":       string(message.Key),
	})
	log.Debug("Processing notification")

	var msg notify.Message
	err := json.Unmarshal(message.Value, &msg)
	if err != nil {
		err = fmt.Errorf("%w: %v", errDecode, err)
	} else {
		err = deliverWithRetry(ctx, p.sender, msg, p.policy, p.sleep, &p.metrics, p.logger)
	}
	if err == nil {
		p.metrics.succeeded.Add(1)
		return true
	}
	if ctx.Err() != nil {
		log.Info("Stopped mid-delivery, leaving message for redelivery")
		return false
	}

	p.metrics.failed.Add(1)
	log.WithError(err).Error("Failed to deliver notification after retries")
	if dlqErr := p.sendToDLQ(message, err); dlqErr != nil {
		log.WithError(dlqErr).Error("Failed to send message to DLQ")
		return false
	}
	p.metrics.dlq.Add(1)
	return true
}

func (p *processor) sendToDLQ(message *sarama.ConsumerMessage, cause error) error {
	dlqMessage, err := deadLetter(message, p.dlqTopic, cause, p.policy.MaxRetries)
	if err != nil {
		return err
	}

	partition, offset, err := p.dlq.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"dlq_topic":     p.dlqTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"error":         cause.Error(),
	}).Warn("Message sent to dead letter queue")
	return nil
}
