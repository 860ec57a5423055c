package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/jogardn/restro-orders/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	NotificationTopic    = "order.notifications"
	NotificationDLQTopic = "order.notifications.dlq"

	headerMessageID = "message_id"
	headerTemplate  = "template"
)

// KafkaSender publishes notifications to a topic instead of delivering them.
// A separate notifier process consumes the topic and does the delivery.
type KafkaSender struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewKafkaSender(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *KafkaSender {
	if topic == "" {
		topic = NotificationTopic
	}
	return &KafkaSender{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Send is keyed by order id so notifications for one order keep their order.
func (s *KafkaSender) Send(ctx context.Context, msg notify.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	partition, offset, err := s.producer.SendMessage(&sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(msg.OrderID.String()),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerMessageID), Value: []byte(msg.ID)},
			{Key: []byte(headerTemplate), Value: []byte(msg.Template)},
		},
	})
	if err != nil {
		s.logger.WithError(err).WithField("message_id", msg.ID).Error("Failed to send notification to Kafka")
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"topic":      s.topic,
		"partition":  partition,
		"offset":     offset,
		"message_id": msg.ID,
		"order_id":   msg.OrderID,
	}).Info("Notification published to Kafka")
	return nil
}

func (s *KafkaSender) Close() error {
	return s.producer.Close()
}
