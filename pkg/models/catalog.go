package models

import (
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryAppetizer Category = "appetizer"
	CategoryMain      Category = "main"
	CategoryDessert   Category = "dessert"
	CategoryBeverage  Category = "beverage"
)

type Table struct {
	TableNumber int `json:"tableNumber"`
	Capacity    int `json:"capacity"`
}

type Restaurant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address"`
	Phone     string    `json:"phone"`
	Cuisine   []string  `json:"cuisine"`
	OwnerID   uuid.UUID `json:"ownerId"`
	Active    bool      `json:"isActive"`
	Tables    []Table   `json:"tables"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type MenuItem struct {
	ID           uuid.UUID `json:"id"`
	RestaurantID uuid.UUID `json:"restaurantId"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	Price        float64   `json:"price"`
	Category     Category  `json:"category,omitempty"`
	ImageURL     string    `json:"imageUrl,omitempty"`
	Available    bool      `json:"isAvailable"`
	Active       bool      `json:"isActive"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
