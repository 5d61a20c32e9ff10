package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/foodorder/internal/domain"
)

const (
	opTimeout = 5 * time.Second
)

const orderColumns = `
	id, number, customer_id, address_id, status, pay_status, amount_minor,
	consignee, phone, address, remark, cancel_reason, rejection_reason, version,
	ordered_at, checkout_at, cancelled_at, delivered_at,
	created_at, updated_at, created_by, updated_by`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	return r.inTx(ctx, "create order", func(tx *sql.Tx) error {
		return insertOrder(ctx, tx, order)
	})
}

// CreateAndClearCart записывает заказ и удаляет корзину его клиента в одной транзакции.
func (r *orderRepository) CreateAndClearCart(ctx context.Context, order domain.Order) error {
	return r.inTx(ctx, "checkout", func(tx *sql.Tx) error {
		if err := insertOrder(ctx, tx, order); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM shopping_cart WHERE customer_id = $1`, order.CustomerID); err != nil {
			return fmt.Errorf("clear cart: %w", err)
		}
		return nil
	})
}

// Delete удаляет заказ; позиции уходят каскадом.
func (r *orderRepository) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete order %s: %w", id, err)
	}
	return nil
}

func (r *orderRepository) inTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", op, err)
	}
	return nil
}

func insertOrder(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		order.ID, order.Number, order.CustomerID, order.AddressID,
		string(order.Status), string(order.PayStatus), order.AmountMinor,
		order.Consignee, order.Phone, order.Address, order.Remark,
		order.CancelReason, order.RejectionReason, order.Version,
		order.OrderedAt, nullTime(order.CheckoutAt), nullTime(order.CancelledAt), nullTime(order.DeliveredAt),
		order.CreatedAt, order.UpdatedAt, order.CreatedBy, order.UpdatedBy,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrOrderVersionConflict
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for _, item := range order.Items {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, name, dish_id, setmeal_id, flavor, qty, price_minor, created_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`,
			item.ID, order.ID, item.Name, item.DishID, item.SetmealID, item.Flavor,
			item.Qty, item.PriceMinor, item.CreatedAt,
		); err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.getBy(ctx, "id", id)
}

func (r *orderRepository) GetByNumber(ctx context.Context, number string) (domain.Order, error) {
	return r.getBy(ctx, "number", number)
}

func (r *orderRepository) getBy(ctx context.Context, column, value string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE `+column+` = $1`, value)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items

	return order, nil
}

func (r *orderRepository) ListByStatusBefore(ctx context.Context, status domain.OrderStatus, before time.Time, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = $1
		  AND ordered_at < $2
		ORDER BY ordered_at ASC, id ASC
	`

	var (
		rows *sql.Rows
		err  error
	)

	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+" LIMIT $3", string(status), before, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, string(status), before)
	}
	if err != nil {
		return nil, fmt.Errorf("list orders by status: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	// Позиции подгружаем после закрытия курсора, чтобы не держать два запроса на одном соединении.
	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

func (r *orderRepository) ConditionalUpdate(ctx context.Context, order domain.Order, expectedVersion int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders
		SET status = $1,
		    pay_status = $2,
		    cancel_reason = $3,
		    rejection_reason = $4,
		    checkout_at = $5,
		    cancelled_at = $6,
		    delivered_at = $7,
		    updated_at = $8,
		    updated_by = $9,
		    version = $11 + 1
		WHERE id = $10
		  AND version = $11
	`,
		string(order.Status),
		string(order.PayStatus),
		order.CancelReason,
		order.RejectionReason,
		nullTime(order.CheckoutAt),
		nullTime(order.CancelledAt),
		nullTime(order.DeliveredAt),
		order.UpdatedAt,
		order.UpdatedBy,
		order.ID,
		expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("update order: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	return affected, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, dish_id, setmeal_id, flavor, qty, price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY created_at ASC, id ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("load order items: %w", err)
	}
	defer rows.Close()

	items := make([]domain.OrderItem, 0)
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(
			&item.ID, &item.Name, &item.DishID, &item.SetmealID, &item.Flavor,
			&item.Qty, &item.PriceMinor, &item.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order items: %w", err)
	}

	return items, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                               domain.Order
		status, payStatus                   string
		checkoutAt, cancelledAt, deliveryAt sql.NullTime
	)

	if err := row.Scan(
		&order.ID, &order.Number, &order.CustomerID, &order.AddressID,
		&status, &payStatus, &order.AmountMinor,
		&order.Consignee, &order.Phone, &order.Address, &order.Remark,
		&order.CancelReason, &order.RejectionReason, &order.Version,
		&order.OrderedAt, &checkoutAt, &cancelledAt, &deliveryAt,
		&order.CreatedAt, &order.UpdatedAt, &order.CreatedBy, &order.UpdatedBy,
	); err != nil {
		return domain.Order{}, err
	}

	order.Status = domain.OrderStatus(status)
	order.PayStatus = domain.PayStatus(payStatus)
	order.OrderedAt = order.OrderedAt.UTC()
	order.CheckoutAt = fromNullTime(checkoutAt)
	order.CancelledAt = fromNullTime(cancelledAt)
	order.DeliveredAt = fromNullTime(deliveryAt)

	return order, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func fromNullTime(t sql.NullTime) time.Time {
	if !t.Valid {
		return time.Time{}
	}
	return t.Time.UTC()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var (
	_ domain.OrderRepository    = (*orderRepository)(nil)
	_ domain.CheckoutRepository = (*orderRepository)(nil)
)
