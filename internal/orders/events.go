package orders

import (
	"time"

	"github.com/jogardn/restro-orders/pkg/models"
)

type EventType string

const (
	OrderCreated       EventType = "order_created"
	OrderStatusChanged EventType = "order_status_changed"
	OrderAssigned      EventType = "order_assigned"
)

// Event is published after an order change has been committed.
type Event struct {
	Type      EventType        `json:"type"`
	Order     models.Order     `json:"order"`
	Principal models.Principal `json:"-"`
	At        time.Time        `json:"at"`
}

// Listener receives committed order events. OnOrderEvent is called on the
// request goroutine and must not block.
type Listener interface {
	OnOrderEvent(ev Event)
}
