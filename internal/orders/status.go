package orders

import "github.com/jogardn/restro-orders/pkg/models"

// allowedNext returns the statuses an order may move to from current.
// Every status has a case so a new one cannot slip through unhandled.
func allowedNext(current models.OrderStatus) []models.OrderStatus {
	switch current {
	case models.StatusPending:
		return []models.OrderStatus{models.StatusConfirmed, models.StatusCancelled}
	case models.StatusConfirmed:
		return []models.OrderStatus{models.StatusPreparing, models.StatusCancelled}
	case models.StatusPreparing:
		return []models.OrderStatus{models.StatusReady, models.StatusCancelled}
	case models.StatusReady:
		return []models.OrderStatus{models.StatusOutForDelivery, models.StatusCompleted}
	case models.StatusOutForDelivery:
		return []models.OrderStatus{models.StatusDelivered}
	case models.StatusDelivered:
		return []models.OrderStatus{models.StatusCompleted}
	case models.StatusCompleted, models.StatusCancelled:
		return nil
	default:
		return nil
	}
}

func CanTransition(from, to models.OrderStatus) bool {
	for _, next := range allowedNext(from) {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s models.OrderStatus) bool {
	return len(allowedNext(s)) == 0
}
