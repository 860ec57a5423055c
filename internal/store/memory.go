package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/shopspring/decimal"
)

// Memory is an in-process Store. Transactions hold the write lock for their
// whole duration, which makes them trivially serializable.
type Memory struct {
	mutex       sync.RWMutex
	restaurants map[uuid.UUID]*models.Restaurant
	menuItems   map[uuid.UUID]*models.MenuItem
	orders      map[uuid.UUID]*models.Order
	numbers     map[string]uuid.UUID
}

func NewMemory() *Memory {
	return &Memory{
		restaurants: make(map[uuid.UUID]*models.Restaurant),
		menuItems:   make(map[uuid.UUID]*models.MenuItem),
		orders:      make(map[uuid.UUID]*models.Order),
		numbers:     make(map[string]uuid.UUID),
	}
}

func (m *Memory) PutRestaurant(r models.Restaurant) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.restaurants[r.ID] = &r
}

func (m *Memory) PutMenuItem(item models.MenuItem) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.menuItems[item.ID] = &item
}

// SetMenuItemActive soft-deletes or restores a menu item.
func (m *Memory) SetMenuItemActive(id uuid.UUID, active bool) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	item, ok := m.menuItems[id]
	if !ok {
		return ErrNotFound
	}
	item.Active = active
	return nil
}

func (m *Memory) InTx(ctx context.Context, fn func(tx Tx) error) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	tx := &memoryTx{store: m}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, o := range tx.staged {
		m.orders[o.ID] = o
		m.numbers[o.OrderNumber] = o.ID
	}
	return nil
}

func (m *Memory) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	o, ok := m.orders[id]
	if !ok || !o.Active {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *Memory) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int, entry models.StatusEntry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	current, ok := m.orders[order.ID]
	if !ok || !current.Active {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	updated := current.Clone()
	updated.Status = order.Status
	updated.AssignedTo = order.AssignedTo
	updated.ActualDeliveryTime = order.ActualDeliveryTime
	updated.UpdatedAt = order.UpdatedAt
	updated.StatusHistory = append(updated.StatusHistory, entry)
	updated.Version = expectedVersion + 1
	m.orders[order.ID] = updated

	order.StatusHistory = append([]models.StatusEntry(nil), updated.StatusHistory...)
	order.Version = updated.Version
	return nil
}

func (m *Memory) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	var matched []*models.Order
	for _, o := range m.orders {
		if matches(o, filter) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}

	orders := make([]models.Order, 0, end-start)
	for _, o := range matched[start:end] {
		orders = append(orders, *o.Clone())
	}
	return orders, total, nil
}

func (m *Memory) OrderStats(ctx context.Context, filter OrderFilter, since time.Time) ([]models.StatusStat, int, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	counts := make(map[models.OrderStatus]int)
	revenue := make(map[models.OrderStatus]decimal.Decimal)
	today := 0
	for _, o := range m.orders {
		if !matches(o, filter) {
			continue
		}
		counts[o.Status]++
		revenue[o.Status] = revenue[o.Status].Add(decimal.NewFromFloat(o.Total))
		if !o.CreatedAt.Before(since) {
			today++
		}
	}

	stats := make([]models.StatusStat, 0, len(counts))
	for status, count := range counts {
		stats = append(stats, models.StatusStat{
			Status:       status,
			Count:        count,
			TotalRevenue: revenue[status].Round(2).InexactFloat64(),
		})
	}
	sortStats(stats)
	return stats, today, nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

type memoryTx struct {
	store  *Memory
	staged []*models.Order
}

func (tx *memoryTx) GetRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	r, ok := tx.store.restaurants[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (tx *memoryTx) FindActiveMenuItems(ctx context.Context, restaurantID uuid.UUID, ids []uuid.UUID) ([]models.MenuItem, error) {
	var items []models.MenuItem
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		item, ok := tx.store.menuItems[id]
		if !ok || !item.Active || item.RestaurantID != restaurantID {
			continue
		}
		items = append(items, *item)
	}
	return items, nil
}

func (tx *memoryTx) InsertOrder(ctx context.Context, order *models.Order) error {
	if _, taken := tx.store.numbers[order.OrderNumber]; taken {
		return ErrDuplicateOrderNumber
	}
	for _, staged := range tx.staged {
		if staged.OrderNumber == order.OrderNumber {
			return ErrDuplicateOrderNumber
		}
	}
	tx.staged = append(tx.staged, order.Clone())
	return nil
}

func sortStats(stats []models.StatusStat) {
	rank := make(map[models.OrderStatus]int, len(models.AllStatuses))
	for i, s := range models.AllStatuses {
		rank[s] = i
	}
	sort.Slice(stats, func(i, j int) bool {
		return rank[stats[i].Status] < rank[stats[j].Status]
	})
}
