package notify

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/internal/circuitbreaker"
	"github.com/jogardn/restro-orders/internal/orders"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func sampleOrder() models.Order {
	return models.Order{
		ID:          uuid.New(),
		OrderNumber: "ORDLX3K9ABC123",
		Items: []models.OrderItem{
			{Name: "Burger", Price: 100, Quantity: 2},
			{Name: "Fries", Price: 50, Quantity: 1},
		},
		Total:     325,
		CreatedAt: time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestOrderConfirmation(t *testing.T) {
	msg := OrderConfirmation(sampleOrder(), "ana@example.com", "Ana")

	assert.Equal(t, "ana@example.com", msg.Recipient)
	assert.Equal(t, "Order Confirmed #ORDLX3K9ABC123", msg.Subject)
	assert.Equal(t, Data{
		Name:        "Ana",
		OrderNumber: "ORDLX3K9ABC123",
		Items:       "Burger x2, Fries x1",
		Total:       "325.00",
		ETA:         30,
		OrderDate:   "10 June 2024",
	}, msg.Data)
}

func TestRender(t *testing.T) {
	msg := OrderConfirmation(sampleOrder(), "ana@example.com", "<Ana>")
	html, err := Render(msg)
	require.NoError(t, err)
	assert.Contains(t, html, "#ORDLX3K9ABC123")
	assert.Contains(t, html, "Burger x2, Fries x1")
	assert.Contains(t, html, "&lt;Ana&gt;")

	msg.Template = "missing"
	_, err = Render(msg)
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestMailerSend(t *testing.T) {
	m, err := NewMailer(MailerConfig{Host: "smtp.local", Port: 2525, From: "Orders <orders@example.com>"}, testLogger())
	require.NoError(t, err)

	var gotAddr, gotFrom string
	var gotTo []string
	var gotBody []byte
	m.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotBody = addr, from, to, msg
		return nil
	}

	require.NoError(t, m.Send(context.Background(), OrderConfirmation(sampleOrder(), "ana@example.com", "Ana")))
	assert.Equal(t, "smtp.local:2525", gotAddr)
	assert.Equal(t, "orders@example.com", gotFrom)
	assert.Equal(t, []string{"ana@example.com"}, gotTo)
	assert.True(t, strings.HasPrefix(string(gotBody), "From: \"Orders\" <orders@example.com>\r\n"))
	assert.Contains(t, string(gotBody), "Content-Type: text/html")

	err = m.Send(context.Background(), OrderConfirmation(sampleOrder(), "not an address", "Ana"))
	assert.ErrorIs(t, err, ErrPermanent)
}

func TestNewMailerRejectsBadSender(t *testing.T) {
	_, err := NewMailer(MailerConfig{Host: "smtp.local", Port: 25, From: "nope"}, testLogger())
	assert.Error(t, err)
}

type collectingSender struct {
	mu   sync.Mutex
	msgs []Message
	sent chan struct{}
}

func newCollectingSender() *collectingSender {
	return &collectingSender{sent: make(chan struct{}, 100)}
}

func (s *collectingSender) Send(ctx context.Context, msg Message) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, msg)
	s.mu.Unlock()
	s.sent <- struct{}{}
	return nil
}

func createdEvent(email string) orders.Event {
	return orders.Event{
		Type:      orders.OrderCreated,
		Order:     sampleOrder(),
		Principal: models.Principal{UserID: uuid.New(), Email: email, Name: "Ana", Role: models.RoleCustomer},
		At:        time.Now(),
	}
}

func TestDispatcherSendsOnlyConfirmations(t *testing.T) {
	sender := newCollectingSender()
	d := NewDispatcher(sender, nil, Options{Workers: 2, QueueSize: 10}, testLogger())
	d.Start()

	d.OnOrderEvent(createdEvent("ana@example.com"))
	d.OnOrderEvent(createdEvent(""))
	status := createdEvent("ana@example.com")
	status.Type = orders.OrderStatusChanged
	d.OnOrderEvent(status)

	require.NoError(t, d.Close(context.Background()))
	require.Len(t, sender.msgs, 1)
	assert.Equal(t, "ana@example.com", sender.msgs[0].Recipient)

	assert.False(t, d.Enqueue(Message{ID: "late"}))
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	blocking := SenderFunc(func(ctx context.Context, msg Message) error {
		started <- struct{}{}
		<-release
		return nil
	})
	d := NewDispatcher(blocking, nil, Options{Workers: 1, QueueSize: 1}, testLogger())
	d.Start()

	require.True(t, d.Enqueue(Message{ID: "1"}))
	<-started
	require.True(t, d.Enqueue(Message{ID: "2"}))
	assert.False(t, d.Enqueue(Message{ID: "3"}), "queue is full, must not block")

	close(release)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcherFailuresTripBreaker(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	done := make(chan struct{}, 10)
	failing := SenderFunc(func(ctx context.Context, msg Message) error {
		mu.Lock()
		calls++
		mu.Unlock()
		done <- struct{}{}
		return errors.New("smtp down")
	})
	breaker := circuitbreaker.New(circuitbreaker.Config{Name: "smtp", MaxFailures: 2, Cooldown: time.Hour}, testLogger())
	d := NewDispatcher(failing, breaker, Options{Workers: 1, QueueSize: 10}, testLogger())
	d.Start()

	for i := 0; i < 5; i++ {
		d.Enqueue(Message{ID: uuid.NewString()})
	}
	require.NoError(t, d.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	assert.Equal(t, circuitbreaker.StateOpen, breaker.State())
}

func TestGuardedIgnoresPermanentFailures(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{
		Name:        "smtp",
		MaxFailures: 1,
		Cooldown:    time.Hour,
		IsFailure:   IsDeliveryFailure,
	}, testLogger())
	permanent := SenderFunc(func(ctx context.Context, msg Message) error {
		return fmt.Errorf("bad recipient: %w", ErrPermanent)
	})

	err := Guarded(permanent, breaker).Send(context.Background(), Message{})
	assert.ErrorIs(t, err, ErrPermanent)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())

	down := SenderFunc(func(ctx context.Context, msg Message) error { return errors.New("connection refused") })
	guarded := Guarded(down, breaker)
	assert.Error(t, guarded.Send(context.Background(), Message{}))
	assert.ErrorIs(t, guarded.Send(context.Background(), Message{}), circuitbreaker.ErrOpen)
}
