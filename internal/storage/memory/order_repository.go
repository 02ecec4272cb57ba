package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRepositoryInMemory struct {
	s *Store
}

// NewOrderRepository создаёт in-memory реализацию OrderRepository поверх общего Store.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{s: store}
}

// CreatePaid выполняет все изменения под одной блокировкой, поэтому конкурентные
// вызовы с одним payment ref создают ровно один заказ.
func (r *orderRepositoryInMemory) CreatePaid(_ context.Context, order domain.Order, msg domain.OutboxMessage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if _, exists := r.s.orderByRef[order.PaymentRef]; exists {
		return domain.ErrDuplicateOrder
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = uuid.NewString()
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	for i := range order.Items {
		if order.Items[i].ID == "" {
			order.Items[i].ID = uuid.NewString()
		}
		order.Items[i].CreatedAt = order.CreatedAt
	}

	// Остатки списываются в порядке product id, как и в PostgreSQL-реализации.
	items := append([]domain.OrderItem(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
	for _, item := range items {
		product, ok := r.s.products[item.ProductID]
		if !ok || !product.TrackStock {
			continue
		}
		product.Stock -= int64(item.Quantity)
		product.UpdatedAt = now
		r.s.products[item.ProductID] = product
	}

	if attempt, ok := r.s.attempts[order.PaymentRef]; ok && attempt.Status != domain.PaymentStatusConfirmed {
		attempt.Status = domain.PaymentStatusConfirmed
		attempt.UpdatedAt = now
		r.s.attempts[order.PaymentRef] = attempt
	}

	if msg.AggregateID == "" {
		msg.AggregateID = order.ID
	}
	r.s.enqueueLocked(msg, now)

	r.s.orders[order.ID] = order.Clone()
	r.s.orderByRef[order.PaymentRef] = order.ID
	return nil
}

func (r *orderRepositoryInMemory) GetByPaymentRef(_ context.Context, paymentRef string) (domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	id, ok := r.s.orderByRef[paymentRef]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return r.s.orders[id].Clone(), nil
}

func (r *orderRepositoryInMemory) Get(_ context.Context, id string) (domain.Order, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	order, ok := r.s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order.Clone(), nil
}

// ListByCustomer возвращает заказы покупателя, отсортированные по убыванию даты создания.
func (r *orderRepositoryInMemory) ListByCustomer(_ context.Context, email string, limit int) ([]domain.Order, error) {
	email = domain.NormalizeEmail(email)

	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	result := make([]domain.Order, 0)
	for _, order := range r.s.orders {
		if strings.EqualFold(order.CustomerEmail, email) {
			result = append(result, order.Clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
