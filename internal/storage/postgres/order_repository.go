package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const orderColumns = `id, payment_ref, status, currency, amount_minor, customer_email,
	shipping_address, created_at, updated_at`

type orderRepository struct {
	db *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{db: store.DB()}
}

// CreatePaid записывает заказ, позиции, списание остатков, подтверждение попытки
// оплаты и outbox-сообщение одной транзакцией. Уникальный индекс по payment_ref
// гарантирует ровно один заказ на платёж при конкурентной записи.
func (r *orderRepository) CreatePaid(ctx context.Context, order domain.Order, msg domain.OutboxMessage) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	address, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return errors.Wrap(err, "marshal shipping address")
	}

	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (payment_ref) DO NOTHING
		`,
			order.ID, order.PaymentRef, string(order.Status), order.Currency, order.AmountMinor,
			order.CustomerEmail, address, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrDuplicateOrder
			}
			return persistenceErr(err, "insert order")
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return persistenceErr(err, "rows affected")
		}
		if affected == 0 {
			return domain.ErrDuplicateOrder
		}

		for _, item := range order.Items {
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (id, order_id, product_id, name, qty, price_minor, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7)
			`,
				item.ID, order.ID, item.ProductID, item.Name, item.Quantity, item.PriceMinor, order.CreatedAt,
			); err != nil {
				return persistenceErr(err, "insert order item")
			}
		}

		// Порядок по product id исключает взаимные блокировки между конкурентными заказами.
		items := append([]domain.OrderItem(nil), order.Items...)
		sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
		for _, item := range items {
			if _, err := tx.ExecContext(ctx, `
				UPDATE products
				SET stock = stock - $2,
				    updated_at = $3
				WHERE id = $1
				  AND track_stock
			`, item.ProductID, item.Quantity, now); err != nil {
				return persistenceErr(err, "decrement stock")
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE payment_attempts
			SET status = 'confirmed',
			    updated_at = $2
			WHERE intent_id = $1
			  AND status <> 'confirmed'
		`, order.PaymentRef, now); err != nil {
			return persistenceErr(err, "confirm payment attempt")
		}

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.AggregateID == "" {
			msg.AggregateID = order.ID
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox_messages (
				id, aggregate_type, aggregate_id, event_type, payload,
				status, attempt_count, created_at, updated_at
			) VALUES ($1,$2,$3,$4,$5,'pending',0,$6,$6)
		`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, now); err != nil {
			return persistenceErr(err, "enqueue outbox message")
		}

		return nil
	})
}

func (r *orderRepository) GetByPaymentRef(ctx context.Context, paymentRef string) (domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref = $1`, paymentRef)
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (r *orderRepository) getOne(ctx context.Context, query, arg string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	order, err := scanOrder(r.db.QueryRowContext(ctx, query, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, persistenceErr(err, "select order")
	}

	items, err := r.loadItems(ctx, order.ID)
	if err != nil {
		return domain.Order{}, err
	}
	order.Items = items
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, email string, limit int) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_email = $1
		ORDER BY created_at DESC, id DESC
	`

	args := []any{domain.NormalizeEmail(email)}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	orders, err := queryAll(ctx, r.db, "orders", scanOrder, query, args...)
	if err != nil {
		return nil, err
	}

	for i := range orders {
		items, err := r.loadItems(ctx, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func (r *orderRepository) loadItems(ctx context.Context, orderID string) ([]domain.OrderItem, error) {
	return queryAll(ctx, r.db, "order items", func(row rowScanner) (domain.OrderItem, error) {
		var item domain.OrderItem
		err := row.Scan(&item.ID, &item.ProductID, &item.Name, &item.Quantity, &item.PriceMinor, &item.CreatedAt)
		return item, err
	}, `
		SELECT id, product_id, name, qty, price_minor, created_at
		FROM order_items
		WHERE order_id = $1
		ORDER BY product_id ASC, id ASC
	`, orderID)
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order   domain.Order
		status  string
		address []byte
	)
	if err := row.Scan(
		&order.ID, &order.PaymentRef, &status, &order.Currency, &order.AmountMinor,
		&order.CustomerEmail, &address, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return domain.Order{}, errors.Wrap(err, "unmarshal shipping address")
	}
	return order, nil
}

var _ domain.OrderRepository = (*orderRepository)(nil)
