package checkout

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Source: путь, по которому пришло подтверждение оплаты.
type Source string

const (
	SourceSync      Source = "sync"
	SourceWebhook   Source = "webhook"
	SourceReconcile Source = "reconcile"
)

// OrderWriter создаёт ровно один заказ на подтверждённый платёж (Order Writer).
// Повторный вызов с тем же payment ref возвращает уже записанный заказ.
type OrderWriter struct {
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	catalog  domain.CatalogReader
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	now      func() time.Time
}

// NewOrderWriter создаёт Order Writer. catalog используется только для предупреждений о перепродаже.
func NewOrderWriter(orders domain.OrderRepository, timeline domain.TimelineRepository, catalog domain.CatalogReader, m *metrics.CheckoutMetrics, logger *log.Entry) *OrderWriter {
	if logger == nil {
		logger = log.New().WithField("component", "order-writer")
	}
	return &OrderWriter{
		orders:   orders,
		timeline: timeline,
		catalog:  catalog,
		metrics:  m,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Write записывает оплаченный заказ по котировке. created=false означает, что заказ
// уже существовал; ErrDuplicateOrder наружу не выходит.
func (w *OrderWriter) Write(ctx context.Context, paymentRef string, quote domain.PriceQuote, source Source) (domain.Order, bool, error) {
	paymentRef = strings.TrimSpace(paymentRef)
	if paymentRef == "" {
		return domain.Order{}, false, domain.ErrPaymentRefRequired
	}
	logger := w.logger.WithFields(log.Fields{
		"payment_ref": paymentRef,
		"source":      string(source),
	})

	existing, err := w.orders.GetByPaymentRef(ctx, paymentRef)
	switch {
	case err == nil:
		w.metrics.RecordOrderDuplicate(string(source))
		logger.WithField("order_id", existing.ID).Debug("order already exists for payment")
		return existing, false, nil
	case !errors.Is(err, domain.ErrOrderNotFound):
		return domain.Order{}, false, errors.Wrap(err, "lookup order by payment ref")
	}

	order := buildOrder(paymentRef, quote, w.now())
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, false, errors.Wrapf(errs[0], "order for payment %s violates invariants", paymentRef)
	}
	if order.AmountMinor != quote.TotalMinor {
		return domain.Order{}, false, errors.Wrapf(domain.ErrAmountMismatch, "quote total %d, lines %d", quote.TotalMinor, order.AmountMinor)
	}

	msg, err := orderPaidMessage(order, quote)
	if err != nil {
		return domain.Order{}, false, err
	}

	w.warnOversell(ctx, order, logger)

	start := time.Now()
	err = w.orders.CreatePaid(ctx, order, msg)
	w.metrics.RecordWriterDuration(time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrDuplicateOrder) {
			// Конкурентный путь успел первым: возвращаем его заказ.
			winner, getErr := w.orders.GetByPaymentRef(ctx, paymentRef)
			if getErr != nil {
				return domain.Order{}, false, errors.Wrap(getErr, "load concurrently created order")
			}
			w.metrics.RecordOrderDuplicate(string(source))
			logger.WithField("order_id", winner.ID).Info("lost order creation race, returning existing order")
			return winner, false, nil
		}
		logger.WithError(err).Error("failed to persist paid order")
		return domain.Order{}, false, errors.Wrap(err, "create paid order")
	}

	w.metrics.RecordOrderCreated(string(source))
	logger.WithFields(log.Fields{
		"order_id":     order.ID,
		"amount_minor": order.AmountMinor,
		"currency":     order.Currency,
	}).Info("paid order created")

	w.appendTimeline(ctx, domain.TimelineEvent{
		OrderID:  order.ID,
		Type:     domain.TimelineOrderPaid,
		Reason:   string(source),
		Occurred: order.CreatedAt,
	})

	return order, true, nil
}

// AppendTimeline добавляет событие в таймлайн заказа; ошибка только логируется.
func (w *OrderWriter) AppendTimeline(ctx context.Context, event domain.TimelineEvent) {
	w.appendTimeline(ctx, event)
}

func (w *OrderWriter) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if w.timeline == nil {
		return
	}
	if err := w.timeline.Append(ctx, event); err != nil {
		w.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"type":     event.Type,
		}).Warn("failed to append timeline event")
		return
	}
	w.metrics.RecordTimelineEvent()
}

// warnOversell сообщает, если оплаченный заказ уведёт остаток в минус. Заказ всё равно
// записывается: деньги уже списаны.
func (w *OrderWriter) warnOversell(ctx context.Context, order domain.Order, logger *log.Entry) {
	if w.catalog == nil {
		return
	}
	for _, item := range order.Items {
		product, err := w.catalog.GetProduct(ctx, item.ProductID)
		if err != nil {
			continue
		}
		if !product.Available(int64(item.Quantity)) {
			w.metrics.RecordStockOversold()
			logger.WithFields(log.Fields{
				"product_id": item.ProductID,
				"requested":  item.Quantity,
				"available":  product.Stock,
			}).Warn("paid order oversells tracked stock")
		}
	}
}

func buildOrder(paymentRef string, quote domain.PriceQuote, now time.Time) domain.Order {
	items := make([]domain.OrderItem, 0, len(quote.Lines))
	var total int64
	for _, line := range quote.Lines {
		items = append(items, domain.OrderItem{
			ID:         uuid.NewString(),
			ProductID:  line.ProductID,
			Name:       line.Name,
			Quantity:   line.Quantity,
			PriceMinor: line.UnitPriceMinor,
			CreatedAt:  now,
		})
		total += int64(line.Quantity) * line.UnitPriceMinor
	}

	return domain.Order{
		ID:              uuid.NewString(),
		PaymentRef:      paymentRef,
		Status:          domain.OrderStatusPaid,
		Currency:        quote.Currency,
		AmountMinor:     total,
		CustomerEmail:   domain.NormalizeEmail(quote.CustomerEmail),
		ShippingAddress: quote.ShippingAddress,
		Items:           items,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func orderPaidMessage(order domain.Order, quote domain.PriceQuote) (domain.OutboxMessage, error) {
	payload, err := json.Marshal(domain.OrderPaidPayload{
		OrderID:         order.ID,
		PaymentRef:      order.PaymentRef,
		CustomerEmail:   order.CustomerEmail,
		ShippingAddress: order.ShippingAddress,
		Currency:        order.Currency,
		AmountMinor:     order.AmountMinor,
		Items:           quote.Clone().Lines,
		PaidAt:          order.CreatedAt,
	})
	if err != nil {
		return domain.OutboxMessage{}, errors.Wrap(err, "marshal order.paid payload")
	}
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     domain.EventTypeOrderPaid,
		Payload:       payload,
	}, nil
}
