package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/internal/store"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	estimatedDeliveryWindow = 30 * time.Minute
	assignmentNote          = "Assigned to staff"
	creationNote            = "Order created"

	// Column limits of the orders schema.
	maxTableNumberLength = 20
	maxItemQuantity      = 1000
)

// Service runs the order workflow: creation, status transitions, assignment
// and scoped reads. Committed changes are announced to listeners.
type Service struct {
	store     store.Store
	listeners []Listener
	logger    *logrus.Logger

	now            func() time.Time
	newOrderNumber func(time.Time) string
}

func NewService(st store.Store, logger *logrus.Logger, listeners ...Listener) *Service {
	return &Service{
		store:          st,
		listeners:      listeners,
		logger:         logger,
		now:            time.Now,
		newOrderNumber: NewOrderNumber,
	}
}

func (s *Service) CreateOrder(ctx context.Context, p *models.Principal, req models.CreateOrderRequest) (*models.Order, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	if strings.TrimSpace(req.RestaurantID) == "" {
		return nil, newError(ErrInvalidInput, "restaurantId is required")
	}
	restaurantID, err := uuid.Parse(req.RestaurantID)
	if err != nil {
		return nil, newError(ErrInvalidInput, "Invalid restaurantId")
	}
	if len(req.Items) == 0 {
		return nil, newError(ErrInvalidInput, "Order must contain at least one item")
	}

	orderType := models.OrderType(req.OrderType)
	if req.OrderType == "" {
		return nil, newError(ErrInvalidInput, "orderType is required")
	}
	if !orderType.Valid() {
		return nil, newError(ErrInvalidInput, "Invalid orderType %q", req.OrderType)
	}
	tableNumber := strings.TrimSpace(string(req.TableNumber))
	switch orderType {
	case models.OrderTypeDelivery:
		if req.DeliveryAddress.IsZero() {
			return nil, newError(ErrInvalidInput, "Delivery address is required for delivery orders")
		}
	case models.OrderTypeDineIn:
		if tableNumber == "" {
			return nil, newError(ErrInvalidInput, "Table number is required for dine-in orders")
		}
		if utf8.RuneCountInString(tableNumber) > maxTableNumberLength {
			return nil, newError(ErrInvalidInput, "Table number must be at most %d characters", maxTableNumberLength)
		}
	}
	for i, item := range req.Items {
		if item.Quantity > maxItemQuantity {
			return nil, newError(ErrInvalidInput, "Item %d quantity must not exceed %d", i+1, maxItemQuantity)
		}
	}

	method := models.PaymentMethod(req.PaymentMethod)
	if method != "" && !method.Valid() {
		return nil, newError(ErrInvalidInput, "Invalid paymentMethod %q", req.PaymentMethod)
	}

	var order *models.Order
	for attempt := 0; ; attempt++ {
		order, err = s.createInTx(ctx, p, restaurantID, orderType, tableNumber, method, req)
		if err == nil {
			break
		}
		retryable := errors.Is(err, store.ErrDuplicateOrderNumber) || errors.Is(err, store.ErrSerialization)
		if !retryable {
			return nil, err
		}
		if attempt > 0 {
			s.logger.WithError(err).WithField("restaurant_id", restaurantID).Warn("Order creation conflicted twice")
			return nil, newError(ErrConflict, "Order could not be created, please retry")
		}
		s.logger.WithError(err).WithField("restaurant_id", restaurantID).Info("Retrying order creation with a new order number")
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":      order.ID,
		"order_number":  order.OrderNumber,
		"restaurant_id": order.RestaurantID,
		"customer_id":   order.CustomerID,
		"total":         order.Total,
		"items_count":   len(order.Items),
	}).Info("Order created")

	s.emit(OrderCreated, order, p)
	return order, nil
}

// createInTx runs the catalog checks, pricing and insert as one unit.
func (s *Service) createInTx(ctx context.Context, p *models.Principal, restaurantID uuid.UUID, orderType models.OrderType,
	tableNumber string, method models.PaymentMethod, req models.CreateOrderRequest) (*models.Order, error) {
	var order *models.Order
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		restaurant, err := tx.GetRestaurant(ctx, restaurantID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && !restaurant.Active) {
			return newError(ErrNotFound, "Restaurant not found")
		}
		if err != nil {
			return fmt.Errorf("failed to load restaurant: %w", err)
		}

		ids := make([]uuid.UUID, len(req.Items))
		for i, item := range req.Items {
			id, err := uuid.Parse(item.MenuItemID)
			if err != nil {
				return newError(ErrInvalidInput, "Item %d has an invalid menuItemId", i+1)
			}
			if item.Quantity <= 0 {
				return newError(ErrInvalidInput, "Item %d must have a quantity greater than zero", i+1)
			}
			ids[i] = id
		}

		unique := dedupe(ids)
		found, err := tx.FindActiveMenuItems(ctx, restaurantID, unique)
		if err != nil {
			return fmt.Errorf("failed to load menu items: %w", err)
		}
		if len(found) == 0 {
			return newError(ErrInvalidInput, "No valid menu items found")
		}
		byID := make(map[uuid.UUID]models.MenuItem, len(found))
		for _, m := range found {
			byID[m.ID] = m
		}
		if len(byID) < len(unique) {
			var missing []string
			for _, id := range unique {
				if _, ok := byID[id]; !ok {
					missing = append(missing, id.String())
				}
			}
			return &Error{
				Kind:    ErrInvalidInput,
				Message: "Some menu items are not available: " + strings.Join(missing, ", "),
				Missing: missing,
			}
		}

		items := make([]models.OrderItem, len(req.Items))
		for i, item := range req.Items {
			menuItem := byID[ids[i]]
			if strings.TrimSpace(menuItem.Name) == "" || menuItem.Price <= 0 {
				return newError(ErrInvalidInput, "Menu item %s has no valid name or price", menuItem.ID)
			}
			items[i] = models.OrderItem{
				MenuItemID:          menuItem.ID,
				Name:                menuItem.Name,
				Price:               menuItem.Price,
				Quantity:            item.Quantity,
				SpecialInstructions: item.SpecialInstructions,
			}
		}

		now := s.now()
		totals := Price(items, orderType)
		if totals.Total > MaxOrderTotal {
			return newError(ErrInvalidInput, "Order total exceeds %.2f", MaxOrderTotal)
		}
		order = &models.Order{
			ID:            uuid.New(),
			OrderNumber:   s.newOrderNumber(now),
			RestaurantID:  restaurantID,
			CustomerID:    p.UserID,
			OrderType:     orderType,
			Items:         items,
			Subtotal:      totals.Subtotal,
			Tax:           totals.Tax,
			DeliveryFee:   totals.DeliveryFee,
			Total:         totals.Total,
			Status:        models.StatusPending,
			PaymentStatus: models.PaymentPending,
			PaymentMethod: method,
			Notes:         req.Notes,
			StatusHistory: []models.StatusEntry{{
				Status:    models.StatusPending,
				UpdatedBy: p.UserID,
				Timestamp: now,
				Note:      creationNote,
			}},
			Active:    true,
			CreatedAt: now,
			UpdatedAt: now,
		}
		switch orderType {
		case models.OrderTypeDelivery:
			addr := *req.DeliveryAddress
			order.DeliveryAddress = &addr
			eta := now.Add(estimatedDeliveryWindow)
			order.EstimatedDeliveryTime = &eta
		case models.OrderTypeDineIn:
			order.TableNumber = tableNumber
		}

		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Service) UpdateStatus(ctx context.Context, p *models.Principal, orderID string, update models.StatusUpdate) (*models.Order, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	next := models.OrderStatus(update.Status)
	if !next.Valid() {
		return nil, newError(ErrInvalidInput, "Invalid status %q", update.Status)
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canUpdateStatus(p, order, next) {
		return nil, newError(ErrForbidden, "You are not allowed to update this order")
	}
	if IsTerminal(order.Status) {
		return nil, newError(ErrInvalidTransition, "Order is already %s", order.Status)
	}
	if !CanTransition(order.Status, next) {
		return nil, newError(ErrInvalidTransition, "Cannot transition order from %s to %s", order.Status, next)
	}

	previous := order.Status
	now := s.now()
	note := ""
	if update.Note != nil {
		note = *update.Note
	}

	order.Status = next
	order.UpdatedAt = now
	if next == models.StatusDelivered {
		order.ActualDeliveryTime = &now
	}
	entry := models.StatusEntry{Status: next, UpdatedBy: p.UserID, Timestamp: now, Note: note}
	if err := s.save(ctx, order, entry); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":     order.ID,
		"order_number": order.OrderNumber,
		"from":         previous,
		"to":           next,
		"updated_by":   p.UserID,
	}).Info("Order status updated")

	s.emit(OrderStatusChanged, order, p)
	return order, nil
}

func (s *Service) AssignOrder(ctx context.Context, p *models.Principal, orderID string, req models.AssignRequest) (*models.Order, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	staffID, err := uuid.Parse(req.StaffID)
	if err != nil {
		return nil, newError(ErrInvalidInput, "Invalid staffId")
	}

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !canAssign(p, order) {
		return nil, newError(ErrForbidden, "You are not allowed to assign this order")
	}

	now := s.now()
	order.AssignedTo = &staffID
	order.UpdatedAt = now
	entry := models.StatusEntry{Status: order.Status, UpdatedBy: p.UserID, Timestamp: now, Note: assignmentNote}
	if err := s.save(ctx, order, entry); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"order_id":    order.ID,
		"assigned_to": staffID,
		"assigned_by": p.UserID,
	}).Info("Order assigned")

	s.emit(OrderAssigned, order, p)
	return order, nil
}

func (s *Service) GetOrder(ctx context.Context, p *models.Principal, orderID string) (*models.Order, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !CanView(p, order) {
		return nil, newError(ErrForbidden, "You are not allowed to view this order")
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, p *models.Principal, q ListQuery) (*models.OrderList, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	filter, err := scope(p)
	if err != nil {
		return nil, err
	}
	if q.Status != "" {
		status := models.OrderStatus(q.Status)
		if !status.Valid() {
			return nil, newError(ErrInvalidInput, "Invalid status %q", q.Status)
		}
		filter.Status = status
	}
	if q.OrderType != "" {
		orderType := models.OrderType(q.OrderType)
		if !orderType.Valid() {
			return nil, newError(ErrInvalidInput, "Invalid orderType %q", q.OrderType)
		}
		filter.OrderType = orderType
	}

	q = q.normalized()
	filter.Offset = (q.Page - 1) * q.Limit
	filter.Limit = q.Limit

	orders, total, err := s.store.ListOrders(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	if orders == nil {
		orders = []models.Order{}
	}

	return &models.OrderList{
		Orders: orders,
		Pagination: models.Pagination{
			Page:  q.Page,
			Limit: q.Limit,
			Total: total,
			Pages: (total + q.Limit - 1) / q.Limit,
		},
	}, nil
}

func (s *Service) Stats(ctx context.Context, p *models.Principal) (*models.OrderStats, error) {
	if p == nil {
		return nil, newError(ErrAuthRequired, "Authentication required")
	}
	filter, err := scope(p)
	if err != nil {
		return nil, err
	}

	now := s.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	stats, today, err := s.store.OrderStats(ctx, filter, midnight)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate order stats: %w", err)
	}
	if stats == nil {
		stats = []models.StatusStat{}
	}
	return &models.OrderStats{Stats: stats, TodayOrders: today}, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID string) (*models.Order, error) {
	id, err := uuid.Parse(orderID)
	if err != nil {
		return nil, newError(ErrInvalidInput, "Invalid order id")
	}
	order, err := s.store.GetOrder(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, newError(ErrNotFound, "Order not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	return order, nil
}

func (s *Service) save(ctx context.Context, order *models.Order, entry models.StatusEntry) error {
	err := s.store.UpdateOrder(ctx, order, order.Version, entry)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrVersionConflict):
		return newError(ErrConflict, "Order was modified by another request, please retry")
	case errors.Is(err, store.ErrNotFound):
		return newError(ErrNotFound, "Order not found")
	default:
		return fmt.Errorf("failed to save order: %w", err)
	}
}

// emit hands a committed change to every listener. A misbehaving listener is
// logged and never reaches the caller.
func (s *Service) emit(t EventType, order *models.Order, p *models.Principal) {
	ev := Event{Type: t, Order: *order.Clone(), Principal: *p, At: s.now()}
	for _, l := range s.listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					s.logger.WithFields(logrus.Fields{
						"event":    t,
						"order_id": order.ID,
						"panic":    r,
					}).Error("Order event listener panicked")
				}
			}()
			l.OnOrderEvent(ev)
		}()
	}
}

func dedupe(ids []uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]bool, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
