package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrVersionConflict      = errors.New("order was modified concurrently")
	ErrDuplicateOrderNumber = errors.New("order number already exists")
	ErrSerialization        = errors.New("transaction could not be serialized")
)

// CatalogReader is the read-only catalog view used while validating an order.
type CatalogReader interface {
	GetRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error)
	// FindActiveMenuItems returns the items among ids that belong to the
	// restaurant and are active. Missing ids are simply absent from the result.
	FindActiveMenuItems(ctx context.Context, restaurantID uuid.UUID, ids []uuid.UUID) ([]models.MenuItem, error)
}

// Tx is the unit of work for order creation. Nothing written through it is
// visible to other callers until the enclosing InTx returns nil.
type Tx interface {
	CatalogReader
	InsertOrder(ctx context.Context, order *models.Order) error
}

// OrderFilter scopes order queries. Nil ids and empty enums mean "any".
type OrderFilter struct {
	RestaurantID *uuid.UUID
	CustomerID   *uuid.UUID
	Status       models.OrderStatus
	OrderType    models.OrderType
	Offset       int
	Limit        int
}

type Store interface {
	// InTx runs fn in a serializable transaction. The transaction is committed
	// when fn returns nil and rolled back on any error or panic.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error)
	// UpdateOrder persists the mutable fields of order and appends entry to its
	// history, provided the stored version still equals expectedVersion.
	UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int, entry models.StatusEntry) error
	ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int, error)
	OrderStats(ctx context.Context, filter OrderFilter, since time.Time) ([]models.StatusStat, int, error)
	Ping(ctx context.Context) error
	Close() error
}

func matches(o *models.Order, f OrderFilter) bool {
	if !o.Active {
		return false
	}
	if f.RestaurantID != nil && o.RestaurantID != *f.RestaurantID {
		return false
	}
	if f.CustomerID != nil && o.CustomerID != *f.CustomerID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.OrderType != "" && o.OrderType != f.OrderType {
		return false
	}
	return true
}
