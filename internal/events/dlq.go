package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

const (
	headerMetadata          = "metadata"
	headerOriginalTopic     = "original_topic"
	headerOriginalPartition = "original_partition"
	headerOriginalOffset    = "original_offset"
	headerFailureTime       = "failure_time"
	headerRetryCount        = "retry_count"
	headerReplayed          = "replayed_from_dlq"
	headerReplayTime        = "replay_time"

	// MaxReplays bounds how often one message may cycle through the DLQ.
	MaxReplays = MaxRetries * 2
)

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

// Metadata travels with a dead-lettered message. RetryCount is the number
// of times the message has been dead-lettered.
type Metadata struct {
	RetryCount    int       `json:"retry_count"`
	Attempts      int       `json:"attempts"`
	FirstFailure  time.Time `json:"first_failure"`
	LastFailure   time.Time `json:"last_failure"`
	OriginalTopic string    `json:"original_topic"`
	ErrorMessage  string    `json:"error_message"`
}

// ParseMetadata reads the DLQ headers of a message. Missing or malformed
// headers leave the zero value in place.
func ParseMetadata(message *sarama.ConsumerMessage) Metadata {
	var metadata Metadata
	for _, header := range message.Headers {
		if header == nil {
			continue
		}
		switch string(header.Key) {
		case headerMetadata:
			var decoded Metadata
			if err := json.Unmarshal(header.Value, &decoded); err == nil {
				retries := metadata.RetryCount
				metadata = decoded
				if retries > metadata.RetryCount {
					metadata.RetryCount = retries
				}
			}
		case headerRetryCount:
			if n, err := strconv.Atoi(string(header.Value)); err == nil && n > metadata.RetryCount {
				metadata.RetryCount = n
			}
		}
	}
	return metadata
}

func deadLetter(message *sarama.ConsumerMessage, topic string, cause error, retries int) (*sarama.ProducerMessage, error) {
	now := time.Now().UTC()
	prior := ParseMetadata(message)
	metadata := Metadata{
		RetryCount:    prior.RetryCount + 1,
		Attempts:      retries + 1,
		FirstFailure:  prior.FirstFailure,
		LastFailure:   now,
		OriginalTopic: message.Topic,
		ErrorMessage:  cause.Error(),
	}
	if metadata.FirstFailure.IsZero() {
		metadata.FirstFailure = now
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}

	return &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerMetadata), Value: metadataBytes},
			{Key: []byte(headerOriginalTopic), Value: []byte(message.Topic)},
			{Key: []byte(headerOriginalPartition), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte(headerOriginalOffset), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte(headerFailureTime), Value: []byte(now.Format(time.RFC3339))},
		},
	}, nil
}

// Replayer puts dead-lettered messages back on their original topic.
type Replayer struct {
	producer sarama.SyncProducer
	logger   *logrus.Logger
}

func NewReplayer(producer sarama.SyncProducer, logger *logrus.Logger) *Replayer {
	return &Replayer{producer: producer, logger: logger}
}

func (r *Replayer) Replay(message *sarama.ConsumerMessage) error {
	metadata := ParseMetadata(message)
	if metadata.RetryCount >= MaxReplays {
		r.logger.WithFields(logrus.Fields{
			"key":         string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}
	if metadata.OriginalTopic == "" {
		return fmt.Errorf("message at offset %d has no original topic", message.Offset)
	}

	var carried []byte
	for _, header := range message.Headers {
		if header != nil && string(header.Key) == headerMetadata {
			carried = header.Value
		}
	}

	replay := &sarama.ProducerMessage{
		Topic: metadata.OriginalTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte(headerRetryCount), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte(headerReplayed), Value: []byte("true")},
			{Key: []byte(headerReplayTime), Value: []byte(time.Now().UTC().Format(time.RFC3339))},
		},
	}
	if carried != nil {
		replay.Headers = append(replay.Headers, sarama.RecordHeader{Key: []byte(headerMetadata), Value: carried})
	}

	partition, offset, err := r.producer.SendMessage(replay)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	r.logger.WithFields(logrus.Fields{
		"replay_topic":     metadata.OriginalTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"key":              string(message.Key),
	}).Info("Message replayed from DLQ")
	return nil
}

// DLQMonitor logs every dead-lettered notification and, when a Replayer is
// set, sends it back for another round of delivery.
type DLQMonitor struct {
	group    sarama.ConsumerGroup
	topic    string
	replayer *Replayer
	logger   *logrus.Logger
}

func NewDLQMonitor(brokers []string, groupID, topic string, replayer *Replayer, logger *logrus.Logger) (*DLQMonitor, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}
	if topic == "" {
		topic = NotificationDLQTopic
	}
	return &DLQMonitor{
		group:    group,
		topic:    topic,
		replayer: replayer,
		logger:   logger,
	}, nil
}

func (m *DLQMonitor) Start(ctx context.Context) error {
	for {
		if err := m.group.Consume(ctx, []string{m.topic}, m); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			m.logger.WithError(err).Error("Error consuming from DLQ")
			return err
		}
		if ctx.Err() != nil {
			m.logger.Info("DLQ monitor context cancelled")
			return nil
		}
	}
}

func (m *DLQMonitor) Close() error {
	return m.group.Close()
}

func (m *DLQMonitor) Setup(sarama.ConsumerGroupSession) error {
	m.logger.Info("DLQ consumer session setup")
	return nil
}

func (m *DLQMonitor) Cleanup(sarama.ConsumerGroupSession) error {
	m.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (m *DLQMonitor) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			m.handle(message)
			session.MarkMessage(message, "")
		case <-session.Context().Done():
			return nil
		}
	}
}

func (m *DLQMonitor) handle(message *sarama.ConsumerMessage) {
	metadata := ParseMetadata(message)
	m.logger.WithFields(logrus.Fields{
		"dlq_offset":     message.Offset,
		"key":            string(message.Key),
		"original_topic": metadata.OriginalTopic,
		"retry_count":    metadata.RetryCount,
		"attempts":       metadata.Attempts,
		"first_failure":  metadata.FirstFailure,
		"last_failure":   metadata.LastFailure,
		"error":          metadata.ErrorMessage,
	}).Warn("Dead-lettered notification")

	if m.replayer == nil {
		return
	}
	if err := m.replayer.Replay(message); err != nil {
		m.logger.WithError(err).WithField("key", string(message.Key)).Error("Failed to replay message")
	}
}
