package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/shopspring/decimal"
)

const (
	TemplateOrderConfirmation = "order_confirmation"
	// confirmationETAMinutes is the delivery estimate quoted in the email.
	confirmationETAMinutes = 30
)

// ErrPermanent marks delivery failures that will not succeed on retry.
var ErrPermanent = errors.New("permanent delivery failure")

// Message is one outbound notification. It is the payload carried over
// Kafka and RabbitMQ, so it must stay JSON-serializable.
type Message struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Subject   string    `json:"subject"`
	Template  string    `json:"template"`
	Data      Data      `json:"data"`
	OrderID   uuid.UUID `json:"orderId"`
	CreatedAt time.Time `json:"createdAt"`
}

type Data struct {
	Name        string `json:"name"`
	OrderNumber string `json:"orderNumber"`
	Items       string `json:"items"`
	Total       string `json:"total"`
	ETA         int    `json:"eta"`
	OrderDate   string `json:"orderDate"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// OrderConfirmation builds the customer email for a freshly created order.
func OrderConfirmation(order models.Order, recipient, name string) Message {
	items := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, fmt.Sprintf("%s x%d", item.Name, item.Quantity))
	}
	if name == "" {
		name = "there"
	}

	return Message{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Subject:   "Order Confirmed #" + order.OrderNumber,
		Template:  TemplateOrderConfirmation,
		Data: Data{
			Name:        name,
			OrderNumber: order.OrderNumber,
			Items:       strings.Join(items, ", "),
			Total:       decimal.NewFromFloat(order.Total).StringFixed(2),
			ETA:         confirmationETAMinutes,
			OrderDate:   order.CreatedAt.Format("2 January 2006"),
		},
		OrderID:   order.ID,
		CreatedAt: order.CreatedAt,
	}
}
