package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

type CreateOrderRequest struct {
	RestaurantID    string             `json:"restaurantId"`
	OrderType       string             `json:"orderType"`
	Items           []OrderItemRequest `json:"items"`
	DeliveryAddress *DeliveryAddress   `json:"deliveryAddress,omitempty"`
	TableNumber     TableNumber        `json:"tableNumber,omitempty"`
	PaymentMethod   string             `json:"paymentMethod,omitempty"`
	Notes           string             `json:"notes,omitempty"`
}

type OrderItemRequest struct {
	MenuItemID          string `json:"menuItemId"`
	Quantity            int    `json:"quantity"`
	SpecialInstructions string `json:"specialInstructions,omitempty"`
}

// TableNumber accepts either a JSON string or a JSON number.
type TableNumber string

func (t *TableNumber) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TableNumber(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("tableNumber must be a string or number: %w", err)
	}
	*t = TableNumber(n.String())
	return nil
}

// StatusUpdate is a patch: only fields that are present are applied.
type StatusUpdate struct {
	Status string  `json:"status"`
	Note   *string `json:"note,omitempty"`
}

type AssignRequest struct {
	StaffID string `json:"staffId"`
}
