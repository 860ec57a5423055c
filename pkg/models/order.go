package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type OrderType string

const (
	OrderTypeDelivery OrderType = "delivery"
	OrderTypeDineIn   OrderType = "dine-in"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeDelivery || t == OrderTypeDineIn
}

type OrderStatus string

const (
	StatusPending        OrderStatus = "pending"
	StatusConfirmed      OrderStatus = "confirmed"
	StatusPreparing      OrderStatus = "preparing"
	StatusReady          OrderStatus = "ready"
	StatusOutForDelivery OrderStatus = "out-for-delivery"
	StatusDelivered      OrderStatus = "delivered"
	StatusCompleted      OrderStatus = "completed"
	StatusCancelled      OrderStatus = "cancelled"
)

// AllStatuses lists every order status in lifecycle order.
var AllStatuses = []OrderStatus{
	StatusPending,
	StatusConfirmed,
	StatusPreparing,
	StatusReady,
	StatusOutForDelivery,
	StatusDelivered,
	StatusCompleted,
	StatusCancelled,
}

func (s OrderStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

type PaymentMethod string

const (
	PaymentCash   PaymentMethod = "cash"
	PaymentCard   PaymentMethod = "card"
	PaymentOnline PaymentMethod = "online"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentCash || m == PaymentCard || m == PaymentOnline
}

type DeliveryAddress struct {
	Street       string `json:"street"`
	City         string `json:"city"`
	State        string `json:"state"`
	ZipCode      string `json:"zipCode"`
	Phone        string `json:"phone"`
	Instructions string `json:"instructions"`
}

// IsZero reports whether the address carries no usable location.
func (a *DeliveryAddress) IsZero() bool {
	if a == nil {
		return true
	}
	return strings.TrimSpace(a.Street) == "" &&
		strings.TrimSpace(a.City) == "" &&
		strings.TrimSpace(a.State) == "" &&
		strings.TrimSpace(a.ZipCode) == ""
}

// OrderItem is a snapshot of a menu item taken when the order was placed.
type OrderItem struct {
	MenuItemID          uuid.UUID `json:"menuItemId"`
	Name                string    `json:"name"`
	Price               float64   `json:"price"`
	Quantity            int       `json:"quantity"`
	SpecialInstructions string    `json:"specialInstructions"`
}

type StatusEntry struct {
	Status    OrderStatus `json:"status"`
	UpdatedBy uuid.UUID   `json:"updatedBy"`
	Timestamp time.Time   `json:"timestamp"`
	Note      string      `json:"note"`
}

type Order struct {
	ID                    uuid.UUID        `json:"id"`
	OrderNumber           string           `json:"orderNumber"`
	RestaurantID          uuid.UUID        `json:"restaurantId"`
	CustomerID            uuid.UUID        `json:"customerId"`
	AssignedTo            *uuid.UUID       `json:"assignedTo,omitempty"`
	OrderType             OrderType        `json:"orderType"`
	Items                 []OrderItem      `json:"items"`
	DeliveryAddress       *DeliveryAddress `json:"deliveryAddress,omitempty"`
	TableNumber           string           `json:"tableNumber,omitempty"`
	Subtotal              float64          `json:"subtotal"`
	Tax                   float64          `json:"tax"`
	DeliveryFee           float64          `json:"deliveryFee"`
	Total                 float64          `json:"total"`
	Status                OrderStatus      `json:"status"`
	PaymentStatus         PaymentStatus    `json:"paymentStatus"`
	PaymentMethod         PaymentMethod    `json:"paymentMethod,omitempty"`
	Notes                 string           `json:"notes,omitempty"`
	StatusHistory         []StatusEntry    `json:"statusHistory"`
	EstimatedDeliveryTime *time.Time       `json:"estimatedDeliveryTime,omitempty"`
	ActualDeliveryTime    *time.Time       `json:"actualDeliveryTime,omitempty"`
	Active                bool             `json:"isActive"`
	Version               int              `json:"version"`
	CreatedAt             time.Time        `json:"createdAt"`
	UpdatedAt             time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy so callers can mutate it without touching shared state.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	c.StatusHistory = append([]StatusEntry(nil), o.StatusHistory...)
	if o.AssignedTo != nil {
		id := *o.AssignedTo
		c.AssignedTo = &id
	}
	if o.DeliveryAddress != nil {
		addr := *o.DeliveryAddress
		c.DeliveryAddress = &addr
	}
	if o.EstimatedDeliveryTime != nil {
		t := *o.EstimatedDeliveryTime
		c.EstimatedDeliveryTime = &t
	}
	if o.ActualDeliveryTime != nil {
		t := *o.ActualDeliveryTime
		c.ActualDeliveryTime = &t
	}
	return &c
}

type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

type OrderList struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}

type StatusStat struct {
	Status       OrderStatus `json:"_id"`
	Count        int         `json:"count"`
	TotalRevenue float64     `json:"totalRevenue"`
}

type OrderStats struct {
	Stats       []StatusStat `json:"stats"`
	TodayOrders int          `json:"todayOrders"`
}
