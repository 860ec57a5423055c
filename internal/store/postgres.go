package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/restro-orders/pkg/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	pqUniqueViolation       = "23505"
	pqSerializationFailure  = "40001"
	orderNumberConstraint   = "orders_order_number_key"
	orderColumns            = `id, order_number, restaurant_id, customer_id, assigned_to, order_type, delivery_address, table_number,
		subtotal, tax, delivery_fee, total, status, payment_status, payment_method, notes,
		estimated_delivery_time, actual_delivery_time, is_active, version, created_at, updated_at`
)

type Postgres struct {
	db     *sql.DB
	logger *logrus.Logger
}

func NewPostgres(db *sql.DB, logger *logrus.Logger) *Postgres {
	return &Postgres{db: db, logger: logger}
}

// OpenPostgres opens the database and waits for it to accept connections.
func OpenPostgres(ctx context.Context, dsn string, attempts int, logger *logrus.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for i := 0; i < attempts; i++ {
		if err = db.PingContext(ctx); err == nil {
			logger.Info("Database connection established")
			return db, nil
		}
		logger.WithError(err).WithField("attempt", i+1).Info("Waiting for database...")
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	db.Close()
	return nil, fmt.Errorf("database not reachable after %d attempts: %w", attempts, err)
}

func (p *Postgres) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		return translate(err)
	}
	if err := sqlTx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

func (p *Postgres) GetOrder(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 AND is_active`, id)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}

	orders := []*models.Order{order}
	if err := p.loadChildren(ctx, orders); err != nil {
		return nil, err
	}
	return order, nil
}

func (p *Postgres) UpdateOrder(ctx context.Context, order *models.Order, expectedVersion int, entry models.StatusEntry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, assigned_to = $2, actual_delivery_time = $3, updated_at = $4, version = version + 1
		WHERE id = $5 AND version = $6 AND is_active`,
		order.Status, nullUUID(order.AssignedTo), nullTime(order.ActualDeliveryTime), order.UpdatedAt,
		order.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1 AND is_active)`, order.ID).Scan(&exists); err != nil {
			return fmt.Errorf("failed to check order: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	if err := insertStatusEntry(ctx, tx, order.ID, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return translate(fmt.Errorf("failed to commit order update: %w", err))
	}

	order.StatusHistory = append(order.StatusHistory, entry)
	order.Version = expectedVersion + 1
	return nil
}

func (p *Postgres) ListOrders(ctx context.Context, filter OrderFilter) ([]models.Order, int, error) {
	where, args := filter.where()

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count orders: %w", err)
	}

	query := `SELECT ` + orderColumns + ` FROM orders` + where + ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var page []*models.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan order: %w", err)
		}
		page = append(page, order)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate orders: %w", err)
	}

	if err := p.loadChildren(ctx, page); err != nil {
		return nil, 0, err
	}

	orders := make([]models.Order, 0, len(page))
	for _, o := range page {
		orders = append(orders, *o)
	}
	return orders, total, nil
}

func (p *Postgres) OrderStats(ctx context.Context, filter OrderFilter, since time.Time) ([]models.StatusStat, int, error) {
	where, args := filter.where()

	rows, err := p.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(total), 0) FROM orders`+where+` GROUP BY status`, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to aggregate orders: %w", err)
	}
	defer rows.Close()

	var stats []models.StatusStat
	for rows.Next() {
		var s models.StatusStat
		if err := rows.Scan(&s.Status, &s.Count, &s.TotalRevenue); err != nil {
			return nil, 0, fmt.Errorf("failed to scan stats: %w", err)
		}
		stats = append(stats, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate stats: %w", err)
	}
	sortStats(stats)

	args = append(args, since)
	var today int
	if err := p.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM orders%s AND created_at >= $%d`, where, len(args)), args...).Scan(&today); err != nil {
		return nil, 0, fmt.Errorf("failed to count today's orders: %w", err)
	}
	return stats, today, nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *Postgres) Close() error {
	return p.db.Close()
}

// loadChildren fills items and status history for a page of orders with one
// query per child table.
func (p *Postgres) loadChildren(ctx context.Context, orders []*models.Order) error {
	if len(orders) == 0 {
		return nil
	}
	byID := make(map[uuid.UUID]*models.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		byID[o.ID] = o
		ids = append(ids, o.ID.String())
	}

	itemRows, err := p.db.QueryContext(ctx, `
		SELECT order_id, menu_item_id, name, price, quantity, special_instructions
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, position`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query order items: %w", err)
	}
	defer itemRows.Close()
	for itemRows.Next() {
		var orderID uuid.UUID
		var item models.OrderItem
		if err := itemRows.Scan(&orderID, &item.MenuItemID, &item.Name, &item.Price, &item.Quantity, &item.SpecialInstructions); err != nil {
			return fmt.Errorf("failed to scan order item: %w", err)
		}
		byID[orderID].Items = append(byID[orderID].Items, item)
	}
	if err := itemRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate order items: %w", err)
	}

	historyRows, err := p.db.QueryContext(ctx, `
		SELECT order_id, status, updated_by, note, created_at
		FROM order_status_history WHERE order_id = ANY($1) ORDER BY order_id, id`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to query status history: %w", err)
	}
	defer historyRows.Close()
	for historyRows.Next() {
		var orderID uuid.UUID
		var entry models.StatusEntry
		if err := historyRows.Scan(&orderID, &entry.Status, &entry.UpdatedBy, &entry.Note, &entry.Timestamp); err != nil {
			return fmt.Errorf("failed to scan status entry: %w", err)
		}
		byID[orderID].StatusHistory = append(byID[orderID].StatusHistory, entry)
	}
	return historyRows.Err()
}

type postgresTx struct {
	tx *sql.Tx
}

func (t *postgresTx) GetRestaurant(ctx context.Context, id uuid.UUID) (*models.Restaurant, error) {
	var r models.Restaurant
	var tables []byte
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, address, phone, cuisine, owner_id, is_active, tables, created_at, updated_at
		FROM restaurants WHERE id = $1`, id).
		Scan(&r.ID, &r.Name, &r.Address, &r.Phone, pq.Array(&r.Cuisine), &r.OwnerID, &r.Active, &tables, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load restaurant: %w", err)
	}
	if len(tables) > 0 {
		if err := json.Unmarshal(tables, &r.Tables); err != nil {
			return nil, fmt.Errorf("failed to decode restaurant tables: %w", err)
		}
	}
	return &r, nil
}

func (t *postgresTx) FindActiveMenuItems(ctx context.Context, restaurantID uuid.UUID, ids []uuid.UUID) ([]models.MenuItem, error) {
	idStrings := make([]string, 0, len(ids))
	for _, id := range ids {
		idStrings = append(idStrings, id.String())
	}

	// FOR SHARE keeps the rows from being deactivated until this transaction ends.
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, restaurant_id, name, description, price, COALESCE(category, ''), image_url,
			is_available, is_active, created_at, updated_at
		FROM menu_items
		WHERE id = ANY($1) AND restaurant_id = $2 AND is_active
		FOR SHARE`, pq.Array(idStrings), restaurantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query menu items: %w", err)
	}
	defer rows.Close()

	var items []models.MenuItem
	for rows.Next() {
		var m models.MenuItem
		if err := rows.Scan(&m.ID, &m.RestaurantID, &m.Name, &m.Description, &m.Price, &m.Category, &m.ImageURL,
			&m.Available, &m.Active, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan menu item: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (t *postgresTx) InsertOrder(ctx context.Context, o *models.Order) error {
	var address []byte
	if o.DeliveryAddress != nil {
		var err error
		if address, err = json.Marshal(o.DeliveryAddress); err != nil {
			return fmt.Errorf("failed to encode delivery address: %w", err)
		}
	}

	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, order_number, restaurant_id, customer_id, assigned_to, order_type, delivery_address,
			table_number, subtotal, tax, delivery_fee, total, status, payment_status, payment_method, notes,
			estimated_delivery_time, actual_delivery_time, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.OrderNumber, o.RestaurantID, o.CustomerID, nullUUID(o.AssignedTo), o.OrderType, nullBytes(address),
		nullString(o.TableNumber), o.Subtotal, o.Tax, o.DeliveryFee, o.Total, o.Status, o.PaymentStatus,
		string(o.PaymentMethod), o.Notes, nullTime(o.EstimatedDeliveryTime), nullTime(o.ActualDeliveryTime),
		o.Active, o.Version, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return translate(err)
	}

	for i, item := range o.Items {
		_, err = t.tx.ExecContext(ctx, `
			INSERT INTO order_items (order_id, position, menu_item_id, name, price, quantity, special_instructions)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, item.MenuItemID, item.Name, item.Price, item.Quantity, item.SpecialInstructions)
		if err != nil {
			return fmt.Errorf("failed to insert order item: %w", err)
		}
	}

	for _, entry := range o.StatusHistory {
		if err := insertStatusEntry(ctx, t.tx, o.ID, entry); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*models.Order, error) {
	var o models.Order
	var assigned uuid.NullUUID
	var address []byte
	var table, method sql.NullString
	var estimated, actual sql.NullTime

	err := row.Scan(&o.ID, &o.OrderNumber, &o.RestaurantID, &o.CustomerID, &assigned, &o.OrderType, &address, &table,
		&o.Subtotal, &o.Tax, &o.DeliveryFee, &o.Total, &o.Status, &o.PaymentStatus, &method, &o.Notes,
		&estimated, &actual, &o.Active, &o.Version, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if assigned.Valid {
		id := assigned.UUID
		o.AssignedTo = &id
	}
	if len(address) > 0 {
		o.DeliveryAddress = &models.DeliveryAddress{}
		if err := json.Unmarshal(address, o.DeliveryAddress); err != nil {
			return nil, fmt.Errorf("failed to decode delivery address: %w", err)
		}
	}
	o.TableNumber = table.String
	o.PaymentMethod = models.PaymentMethod(method.String)
	if estimated.Valid {
		o.EstimatedDeliveryTime = &estimated.Time
	}
	if actual.Valid {
		o.ActualDeliveryTime = &actual.Time
	}
	return &o, nil
}

func insertStatusEntry(ctx context.Context, tx *sql.Tx, orderID uuid.UUID, entry models.StatusEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, updated_by, note, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		orderID, entry.Status, entry.UpdatedBy, entry.Note, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append status history: %w", err)
	}
	return nil
}

func (f OrderFilter) where() (string, []any) {
	clauses := []string{"is_active"}
	var args []any
	add := func(clause string, value any) {
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if f.RestaurantID != nil {
		add("restaurant_id = $%d", *f.RestaurantID)
	}
	if f.CustomerID != nil {
		add("customer_id = $%d", *f.CustomerID)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.OrderType != "" {
		add("order_type = $%d", f.OrderType)
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// translate maps driver errors onto the store's sentinel errors.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == pqUniqueViolation && pqErr.Constraint == orderNumberConstraint:
		return fmt.Errorf("%w: %s", ErrDuplicateOrderNumber, pqErr.Detail)
	case pqErr.Code == pqSerializationFailure:
		return fmt.Errorf("%w: %s", ErrSerialization, pqErr.Message)
	}
	return err
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
