package checkout

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Service связывает компоненты checkout: котировка → intent, и синхронное подтверждение → заказ.
type Service struct {
	validator   *Validator
	coordinator *Coordinator
	writer      *OrderWriter
	attempts    domain.PaymentAttemptRepository
	orders      domain.OrderRepository
	timeline    domain.TimelineRepository
	logger      *log.Entry
}

// NewService собирает сервис из готовых компонентов.
func NewService(
	validator *Validator,
	coordinator *Coordinator,
	writer *OrderWriter,
	attempts domain.PaymentAttemptRepository,
	orders domain.OrderRepository,
	timeline domain.TimelineRepository,
	logger *log.Entry,
) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	return &Service{
		validator:   validator,
		coordinator: coordinator,
		writer:      writer,
		attempts:    attempts,
		orders:      orders,
		timeline:    timeline,
		logger:      logger,
	}
}

// Checkout пересчитывает корзину и создаёт (или переиспользует) intent.
// При StaleCartError провайдер не вызывается.
func (s *Service) Checkout(ctx context.Context, cart domain.CartSnapshot) (IntentResult, error) {
	quote, err := s.validator.Quote(ctx, cart)
	if err != nil {
		return IntentResult{}, err
	}
	return s.coordinator.CreateIntent(ctx, quote)
}

// Confirm: синхронный путь подтверждения. Сходится с webhook-путём на OrderWriter,
// поэтому порядок их выполнения не важен.
func (s *Service) Confirm(ctx context.Context, intentID string) (domain.Order, bool, error) {
	intentID = strings.TrimSpace(intentID)
	if intentID == "" {
		return domain.Order{}, false, domain.NewValidationError(domain.FieldError{Field: "payment_intent_id", Reason: "required"})
	}

	attempt, err := s.attempts.Get(ctx, intentID)
	if err != nil {
		return domain.Order{}, false, err
	}

	if existing, err := s.orders.GetByPaymentRef(ctx, intentID); err == nil {
		return existing, false, nil
	} else if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.Order{}, false, errors.Wrap(err, "lookup order by payment ref")
	}

	intent, err := s.coordinator.GetIntent(ctx, intentID)
	if err != nil {
		return domain.Order{}, false, err
	}

	switch intent.Status {
	case domain.PaymentStatusConfirmed:
		if err := MatchesAttempt(intent.AmountMinor, intent.Currency, attempt); err != nil {
			s.logger.WithError(err).WithFields(log.Fields{
				"intent_id":      intentID,
				"security_event": "amount_mismatch",
			}).Error("confirmed intent does not match local attempt")
			return domain.Order{}, false, err
		}
		return s.WriteConfirmed(ctx, attempt, SourceSync)
	case domain.PaymentStatusFailed:
		if _, err := s.attempts.MarkFailed(ctx, intentID, "provider_failed"); err != nil && !errors.Is(err, domain.ErrInvalidStatusTransition) {
			s.logger.WithError(err).WithField("intent_id", intentID).Warn("failed to mark payment attempt failed")
		}
		return domain.Order{}, false, errors.Wrap(domain.ErrPaymentNotConfirmed, "payment failed")
	default:
		return domain.Order{}, false, errors.Wrap(domain.ErrPaymentNotConfirmed, "payment pending")
	}
}

// WriteConfirmed пишет заказ по подтверждённой попытке оплаты и отмечает позднее
// подтверждение после отказа в таймлайне.
func (s *Service) WriteConfirmed(ctx context.Context, attempt domain.PaymentAttempt, source Source) (domain.Order, bool, error) {
	order, created, err := s.writer.Write(ctx, attempt.IntentID, attempt.Quote, source)
	if err != nil {
		return domain.Order{}, false, err
	}
	if created && attempt.Status == domain.PaymentStatusFailed {
		s.logger.WithFields(log.Fields{
			"intent_id": attempt.IntentID,
			"order_id":  order.ID,
		}).Warn("payment confirmed after local failure")
		s.writer.AppendTimeline(ctx, domain.TimelineEvent{
			OrderID: order.ID,
			Type:    domain.TimelineLateSuccess,
			Reason:  attempt.FailureReason,
		})
	}
	return order, created, nil
}

// OrderView: заказ вместе с таймлайном.
type OrderView struct {
	Order    domain.Order
	Timeline []domain.TimelineEvent
}

// GetOrder возвращает заказ владельца. Чужой заказ неотличим от отсутствующего.
func (s *Service) GetOrder(ctx context.Context, orderID, customerEmail string, admin bool) (OrderView, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return OrderView{}, err
	}
	if !admin && order.CustomerEmail != domain.NormalizeEmail(customerEmail) {
		return OrderView{}, domain.ErrOrderNotFound
	}

	view := OrderView{Order: order}
	if s.timeline != nil {
		events, err := s.timeline.List(ctx, order.ID)
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to load timeline")
		}
		view.Timeline = events
	}
	return view, nil
}

// ListOrders возвращает заказы покупателя, новые первыми.
func (s *Service) ListOrders(ctx context.Context, customerEmail string, limit int) ([]domain.Order, error) {
	return s.orders.ListByCustomer(ctx, customerEmail, limit)
}

// MatchesAttempt проверяет, что провайдер подтвердил ровно ту сумму, что мы запросили.
func MatchesAttempt(amountMinor int64, currency string, attempt domain.PaymentAttempt) error {
	if amountMinor != attempt.AmountMinor || !strings.EqualFold(currency, attempt.Currency) {
		return errors.Wrapf(domain.ErrAmountMismatch,
			"intent %s: provider %d %s, local %d %s",
			attempt.IntentID, amountMinor, currency, attempt.AmountMinor, attempt.Currency)
	}
	return nil
}
