package orders

import (
	"github.com/jogardn/restro-orders/internal/store"
	"github.com/jogardn/restro-orders/pkg/models"
)

// CanView reports whether p may see o.
func CanView(p *models.Principal, o *models.Order) bool {
	switch p.Role {
	case models.RoleAdmin:
		return true
	case models.RoleOwner, models.RoleStaff:
		return p.WorksAt(o.RestaurantID)
	case models.RoleCustomer:
		return o.CustomerID == p.UserID
	}
	return false
}

// canUpdateStatus checks who may move the order. Customers may only cancel
// their own order while it is still pending.
func canUpdateStatus(p *models.Principal, o *models.Order, next models.OrderStatus) bool {
	switch p.Role {
	case models.RoleAdmin:
		return true
	case models.RoleOwner, models.RoleStaff:
		return p.WorksAt(o.RestaurantID)
	case models.RoleCustomer:
		return o.CustomerID == p.UserID &&
			o.Status == models.StatusPending &&
			next == models.StatusCancelled
	}
	return false
}

func canAssign(p *models.Principal, o *models.Order) bool {
	switch p.Role {
	case models.RoleAdmin:
		return true
	case models.RoleOwner, models.RoleStaff:
		return p.WorksAt(o.RestaurantID)
	}
	return false
}

// scope narrows a query to the orders the principal is allowed to see.
func scope(p *models.Principal) (store.OrderFilter, error) {
	var filter store.OrderFilter
	switch p.Role {
	case models.RoleAdmin:
	case models.RoleOwner, models.RoleStaff:
		if p.RestaurantID == nil {
			return filter, newError(ErrForbidden, "No restaurant associated with this account")
		}
		id := *p.RestaurantID
		filter.RestaurantID = &id
	case models.RoleCustomer:
		id := p.UserID
		filter.CustomerID = &id
	default:
		return filter, newError(ErrForbidden, "Access denied")
	}
	return filter, nil
}
