package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/internal/notify"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func sampleMessage() notify.Message {
	return notify.Message{
		ID:        uuid.NewString(),
		Recipient: "ana@example.com",
		Subject:   "Order Confirmed #ORD1",
		Template:  notify.TemplateOrderConfirmation,
		OrderID:   uuid.New(),
		CreatedAt: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	}
}

func consumerMessage(t *testing.T, msg notify.Message) *sarama.ConsumerMessage {
	t.Helper()
	value, err := json.Marshal(msg)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:     NotificationTopic,
		Partition: 2,
		Offset:    41,
		Key:       []byte(msg.OrderID.String()),
		Value:     value,
	}
}

func header(m *sarama.ProducerMessage, key string) string {
	for _, h := range m.Headers {
		if string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

// scriptedSender fails with the queued errors, then succeeds.
type scriptedSender struct {
	mu    sync.Mutex
	errs  []error
	calls int
	sent  []notify.Message
}

func (s *scriptedSender) Send(ctx context.Context, msg notify.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func newTestProcessor(t *testing.T, sender notify.Sender) (*processor, *mocks.SyncProducer, *[]time.Duration) {
	t.Helper()
	dlq := mocks.NewSyncProducer(t, producerConfig())
	p := newProcessor(sender, dlq, "", DefaultRetryPolicy(), testLogger())
	var delays []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return p, dlq, &delays
}

func TestKafkaSenderPublishesKeyedMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	msg := sampleMessage()
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != NotificationTopic {
			return fmt.Errorf("topic = %s", m.Topic)
		}
		key, _ := m.Key.Encode()
		if string(key) != msg.OrderID.String() {
			return fmt.Errorf("key = %s", key)
		}
		if header(m, headerMessageID) != msg.ID {
			return errors.New("missing message_id header")
		}
		value, _ := m.Value.Encode()
		var decoded notify.Message
		if err := json.Unmarshal(value, &decoded); err != nil {
			return err
		}
		if decoded.Recipient != msg.Recipient {
			return fmt.Errorf("recipient = %s", decoded.Recipient)
		}
		return nil
	})

	sender := NewKafkaSender(producer, "", testLogger())
	require.NoError(t, sender.Send(context.Background(), msg))
	require.NoError(t, sender.Close())
}

func TestKafkaSenderReturnsProducerError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	sender := NewKafkaSender(producer, "custom", testLogger())
	err := sender.Send(context.Background(), sampleMessage())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, sender.Close())
}

func TestKafkaSenderHonoursCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewKafkaSender(producer, "", testLogger()).Send(ctx, sampleMessage())
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, producer.Close())
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, MaxRetryDelay, p.Delay(10))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(errors.New("smtp: connection refused")))
	assert.False(t, IsRetryable(fmt.Errorf("bad address: %w", notify.ErrPermanent)))
	assert.False(t, IsRetryable(fmt.Errorf("%w: eof", errDecode)))
}

func TestProcessorRetriesTransientFailures(t *testing.T) {
	transient := errors.New("smtp timeout")
	sender := &scriptedSender{errs: []error{transient, transient}}
	p, dlq, delays := newTestProcessor(t, sender)

	done := p.process(context.Background(), consumerMessage(t, sampleMessage()))

	assert.True(t, done)
	assert.Equal(t, 3, sender.calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, *delays)
	assert.Equal(t, ConsumerMetrics{Processed: 1, Retries: 2, Succeeded: 1}, p.metrics.snapshot())
	require.NoError(t, dlq.Close())
}

func TestProcessorExhaustedRetriesGoToDLQ(t *testing.T) {
	transient := errors.New("smtp timeout")
	sender := &scriptedSender{errs: []error{transient, transient, transient, transient}}
	p, dlq, _ := newTestProcessor(t, sender)
	message := consumerMessage(t, sampleMessage())

	dlq.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != NotificationDLQTopic {
			return fmt.Errorf("topic = %s", m.Topic)
		}
		var metadata Metadata
		if err := json.Unmarshal([]byte(header(m, headerMetadata)), &metadata); err != nil {
			return err
		}
		if metadata.RetryCount != 1 || metadata.Attempts != MaxRetries+1 {
			return fmt.Errorf("metadata = %+v", metadata)
		}
		if metadata.OriginalTopic != NotificationTopic || metadata.ErrorMessage != "smtp timeout" {
			return fmt.Errorf("metadata = %+v", metadata)
		}
		if header(m, headerOriginalPartition) != "2" || header(m, headerOriginalOffset) != "41" {
			return errors.New("missing original position headers")
		}
		return nil
	})

	assert.True(t, p.process(context.Background(), message))
	assert.Equal(t, MaxRetries+1, sender.calls)
	metrics := p.metrics.snapshot()
	assert.Equal(t, int64(1), metrics.DLQ)
	assert.Equal(t, int64(1), metrics.Failed)
	require.NoError(t, dlq.Close())
}

func TestProcessorPermanentFailureSkipsRetries(t *testing.T) {
	sender := &scriptedSender{errs: []error{fmt.Errorf("mailbox unavailable: %w", notify.ErrPermanent)}}
	p, dlq, delays := newTestProcessor(t, sender)
	dlq.ExpectSendMessageAndSucceed()

	assert.True(t, p.process(context.Background(), consumerMessage(t, sampleMessage())))
	assert.Equal(t, 1, sender.calls)
	assert.Empty(t, *delays)
	require.NoError(t, dlq.Close())
}

func TestProcessorUndecodableMessageGoesToDLQ(t *testing.T) {
	sender := &scriptedSender{}
	p, dlq, _ := newTestProcessor(t, sender)
	dlq.ExpectSendMessageAndSucceed()

	message := &sarama.ConsumerMessage{Topic: NotificationTopic, Value: []byte("{not json")}
	assert.True(t, p.process(context.Background(), message))
	assert.Zero(t, sender.calls)
	require.NoError(t, dlq.Close())
}

func TestProcessorDLQFailureLeavesMessageUnmarked(t *testing.T) {
	sender := &scriptedSender{errs: []error{notify.ErrPermanent}}
	p, dlq, _ := newTestProcessor(t, sender)
	dlq.ExpectSendMessageAndFail(sarama.ErrNotLeaderForPartition)

	assert.False(t, p.process(context.Background(), consumerMessage(t, sampleMessage())))
	assert.Zero(t, p.metrics.snapshot().DLQ)
	require.NoError(t, dlq.Close())
}

func TestProcessorStopsOnCancelledContext(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("smtp timeout")}}
	p, dlq, _ := newTestProcessor(t, sender)
	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	assert.False(t, p.process(ctx, consumerMessage(t, sampleMessage())))
	assert.Equal(t, 1, sender.calls)
	require.NoError(t, dlq.Close())
}

func TestParseMetadata(t *testing.T) {
	first := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(Metadata{RetryCount: 2, FirstFailure: first, OriginalTopic: NotificationTopic})
	require.NoError(t, err)

	metadata := ParseMetadata(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte(headerRetryCount), Value: []byte("3")},
		{Key: []byte(headerMetadata), Value: raw},
	}})
	assert.Equal(t, 3, metadata.RetryCount)
	assert.Equal(t, first, metadata.FirstFailure)
	assert.Equal(t, NotificationTopic, metadata.OriginalTopic)

	assert.Equal(t, Metadata{}, ParseMetadata(&sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{
		{Key: []byte(headerMetadata), Value: []byte("garbage")},
		{Key: []byte(headerRetryCount), Value: []byte("x")},
	}}))
}

func TestDeadLetterKeepsFirstFailure(t *testing.T) {
	first := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)
	raw, err := json.Marshal(Metadata{RetryCount: 1, FirstFailure: first, OriginalTopic: NotificationTopic})
	require.NoError(t, err)
	message := &sarama.ConsumerMessage{
		Topic: NotificationTopic,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(headerRetryCount), Value: []byte("1")},
			{Key: []byte(headerMetadata), Value: raw},
		},
	}

	out, err := deadLetter(message, NotificationDLQTopic, errors.New("boom"), MaxRetries)
	require.NoError(t, err)
	var metadata Metadata
	require.NoError(t, json.Unmarshal([]byte(header(out, headerMetadata)), &metadata))
	assert.Equal(t, 2, metadata.RetryCount)
	assert.Equal(t, first, metadata.FirstFailure)
	assert.Equal(t, "boom", metadata.ErrorMessage)
}

func dlqMessage(t *testing.T, retryCount int) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(Metadata{RetryCount: retryCount, OriginalTopic: NotificationTopic})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{
		Topic:   NotificationDLQTopic,
		Key:     []byte("order-1"),
		Value:   []byte(`{"id":"m1"}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(headerMetadata), Value: raw}},
	}
}

func TestReplayerSendsBackToOriginalTopic(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(m *sarama.ProducerMessage) error {
		if m.Topic != NotificationTopic {
			return fmt.Errorf("topic = %s", m.Topic)
		}
		if header(m, headerRetryCount) != "2" || header(m, headerReplayed) != "true" {
			return errors.New("missing replay headers")
		}
		if header(m, headerMetadata) == "" {
			return errors.New("metadata not carried over")
		}
		return nil
	})

	require.NoError(t, NewReplayer(producer, testLogger()).Replay(dlqMessage(t, 2)))
	require.NoError(t, producer.Close())
}

func TestReplayerRefusesAfterLimit(t *testing.T) {
	producer := mocks.NewSyncProducer(t, producerConfig())

	err := NewReplayer(producer, testLogger()).Replay(dlqMessage(t, MaxReplays))
	assert.ErrorIs(t, err, ErrReplayLimit)
	require.NoError(t, producer.Close())
}

type fakePublisher struct {
	exchange   string
	publishing amqp.Publishing
	err        error
}

func (p *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	p.exchange = exchange
	p.publishing = msg
	return p.err
}

func TestRabbitSenderPublishesPersistentJSON(t *testing.T) {
	pub := &fakePublisher{}
	sender := &RabbitSender{ch: pub, exchange: NotificationExchange, logger: testLogger()}
	msg := sampleMessage()

	require.NoError(t, sender.Send(context.Background(), msg))
	assert.Equal(t, NotificationExchange, pub.exchange)
	assert.Equal(t, amqp.Persistent, pub.publishing.DeliveryMode)
	assert.Equal(t, "application/json", pub.publishing.ContentType)
	assert.Equal(t, msg.ID, pub.publishing.MessageId)

	var decoded notify.Message
	require.NoError(t, json.Unmarshal(pub.publishing.Body, &decoded))
	assert.Equal(t, msg.OrderID, decoded.OrderID)

	pub.err = amqp.ErrClosed
	assert.ErrorIs(t, sender.Send(context.Background(), msg), amqp.ErrClosed)
}

type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.nacked = true
	a.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func delivery(t *testing.T, body []byte) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()
	ack := &fakeAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}, ack
}

func newTestRabbitConsumer(sender notify.Sender) *RabbitConsumer {
	c := newRabbitConsumer(sender, DefaultRetryPolicy(), testLogger())
	c.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return c
}

func TestRabbitConsumerAcksDelivered(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("smtp timeout")}}
	c := newTestRabbitConsumer(sender)
	body, err := json.Marshal(sampleMessage())
	require.NoError(t, err)
	d, ack := delivery(t, body)

	c.handle(context.Background(), d)
	assert.True(t, ack.acked)
	assert.False(t, ack.nacked)
	assert.Equal(t, int64(1), c.Metrics().Retries)
}

func TestRabbitConsumerDeadLettersFailures(t *testing.T) {
	sender := &scriptedSender{errs: []error{notify.ErrPermanent}}
	c := newTestRabbitConsumer(sender)
	body, err := json.Marshal(sampleMessage())
	require.NoError(t, err)

	d, ack := delivery(t, body)
	c.handle(context.Background(), d)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)

	d, ack = delivery(t, []byte("nope"))
	c.handle(context.Background(), d)
	assert.True(t, ack.nacked)
	assert.False(t, ack.requeue)
	assert.Equal(t, int64(2), c.Metrics().DLQ)
}

func TestRabbitConsumerRequeuesOnShutdown(t *testing.T) {
	sender := &scriptedSender{errs: []error{errors.New("smtp timeout")}}
	c := newTestRabbitConsumer(sender)
	body, err := json.Marshal(sampleMessage())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	c.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	d, ack := delivery(t, body)
	c.handle(ctx, d)
	assert.True(t, ack.nacked)
	assert.True(t, ack.requeue)
}
