package models

import "github.com/google/uuid"

type Role string

const (
	RoleCustomer Role = "customer"
	RoleStaff    Role = "staff"
	RoleOwner    Role = "owner"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleStaff || r == RoleOwner || r == RoleAdmin
}

// Principal is the authenticated caller as resolved by the identity provider.
type Principal struct {
	UserID       uuid.UUID  `json:"userId"`
	Email        string     `json:"email,omitempty"`
	Name         string     `json:"name,omitempty"`
	Role         Role       `json:"role"`
	RestaurantID *uuid.UUID `json:"restaurantId,omitempty"`
}

// WorksAt reports whether the principal is affiliated with the given restaurant.
func (p *Principal) WorksAt(restaurantID uuid.UUID) bool {
	return p.RestaurantID != nil && *p.RestaurantID == restaurantID
}
