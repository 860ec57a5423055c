package store

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
)

func TestOrderFilterWhere(t *testing.T) {
	restaurant := uuid.New()
	customer := uuid.New()

	tests := []struct {
		name      string
		filter    OrderFilter
		wantWhere string
		wantArgs  int
	}{
		{"no filters", OrderFilter{}, " WHERE is_active", 0},
		{"restaurant", OrderFilter{RestaurantID: &restaurant}, " WHERE is_active AND restaurant_id = $1", 1},
		{
			"all",
			OrderFilter{RestaurantID: &restaurant, CustomerID: &customer, Status: models.StatusReady, OrderType: models.OrderTypeDelivery},
			" WHERE is_active AND restaurant_id = $1 AND customer_id = $2 AND status = $3 AND order_type = $4",
			4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.filter.where()
			assert.Equal(t, tt.wantWhere, where)
			assert.Len(t, args, tt.wantArgs)
		})
	}
}

func TestTranslate(t *testing.T) {
	dup := &pq.Error{Code: pqUniqueViolation, Constraint: orderNumberConstraint}
	assert.ErrorIs(t, translate(fmt.Errorf("insert: %w", dup)), ErrDuplicateOrderNumber)

	otherUnique := &pq.Error{Code: pqUniqueViolation, Constraint: "order_items_pkey"}
	assert.False(t, errors.Is(translate(otherUnique), ErrDuplicateOrderNumber))

	serial := &pq.Error{Code: pqSerializationFailure}
	assert.ErrorIs(t, translate(serial), ErrSerialization)

	plain := errors.New("plain")
	assert.Equal(t, plain, translate(plain))
}
