// Package webhook принимает асинхронные уведомления платёжного процессора и сводит их
// к тем же переходам состояния, что и синхронный путь подтверждения.
package webhook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

const (
	defaultEventTTL        = 24 * time.Hour
	defaultProcessingLease = 30 * time.Second
)

// Outcome: результат обработки доставки.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

// ConfirmedWriter пишет заказ по подтверждённой попытке оплаты. Реализуется checkout.Service.
type ConfirmedWriter interface {
	WriteConfirmed(ctx context.Context, attempt domain.PaymentAttempt, source checkout.Source) (domain.Order, bool, error)
}

// Options задаёт параметры Reconciler.
type Options struct {
	Logger *log.Entry
	// EventTTL: сколько хранится запись журнала после обработки.
	EventTTL time.Duration
	// ProcessingLease: через сколько зависшая processing-запись может быть забрана повторно.
	ProcessingLease time.Duration
}

// Option настраивает Reconciler.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithEventTTL задаёт TTL записей журнала.
func WithEventTTL(ttl time.Duration) Option {
	return func(opts *Options) { opts.EventTTL = ttl }
}

// WithProcessingLease задаёт срок аренды processing-записи.
func WithProcessingLease(lease time.Duration) Option {
	return func(opts *Options) { opts.ProcessingLease = lease }
}

// Reconciler принимает доставки webhook процессора и сводит их к заказам.
type Reconciler struct {
	parser   domain.PaymentEventParser
	events   domain.WebhookEventRepository
	attempts domain.PaymentAttemptRepository
	writer   ConfirmedWriter
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
	ttl      time.Duration
	lease    time.Duration
	now      func() time.Time
}

// NewReconciler создаёт обработчик webhook.
func NewReconciler(
	parser domain.PaymentEventParser,
	events domain.WebhookEventRepository,
	attempts domain.PaymentAttemptRepository,
	writer ConfirmedWriter,
	m *metrics.CheckoutMetrics,
	options ...Option,
) *Reconciler {
	opts := Options{EventTTL: defaultEventTTL, ProcessingLease: defaultProcessingLease}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "webhook-reconciler")
	}
	if opts.EventTTL <= 0 {
		opts.EventTTL = defaultEventTTL
	}
	if opts.ProcessingLease <= 0 {
		opts.ProcessingLease = defaultProcessingLease
	}

	return &Reconciler{
		parser:   parser,
		events:   events,
		attempts: attempts,
		writer:   writer,
		metrics:  m,
		logger:   opts.Logger,
		ttl:      opts.EventTTL,
		lease:    opts.ProcessingLease,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Handle проверяет подпись, дедуплицирует событие и применяет его.
// Ошибки ErrEventInProgress и помеченные ErrRetryLater означают «доставь позже».
func (r *Reconciler) Handle(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	event, err := r.parser.ParseEvent(payload, signatureHeader)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidSignature) {
			r.metrics.RecordWebhookEvent("invalid_signature")
			r.logger.WithError(err).WithField("security_event", "webhook_invalid_signature").Warn("rejected webhook with invalid signature")
			return "", err
		}
		r.metrics.RecordWebhookEvent("malformed")
		r.logger.WithError(err).Warn("rejected malformed webhook event")
		return "", err
	}

	logger := r.logger.WithFields(log.Fields{
		"event_id":      event.ID,
		"event_type":    event.ProviderType,
		"intent_id":     event.IntentID,
		"payment_event": string(event.Type),
	})

	now := r.now()
	sum := sha256.Sum256(payload)
	_, err = r.events.Begin(ctx, domain.WebhookEventRecord{
		EventID:     event.ID,
		EventType:   event.ProviderType,
		PayloadHash: hex.EncodeToString(sum[:]),
		TTLAt:       now.Add(r.ttl),
	}, now.Add(-r.lease))
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrEventAlreadyProcessed):
		r.metrics.RecordWebhookEvent(string(OutcomeDuplicate))
		logger.Debug("webhook event already processed")
		return OutcomeDuplicate, nil
	case errors.Is(err, domain.ErrEventInProgress):
		r.metrics.RecordWebhookEvent("in_progress")
		logger.Info("webhook event is being processed by another delivery")
		return "", err
	case errors.Is(err, domain.ErrEventPayloadMismatch):
		r.metrics.RecordWebhookEvent("payload_mismatch")
		logger.WithField("security_event", "webhook_payload_mismatch").Warn("event id replayed with a different payload")
		return "", err
	default:
		logger.WithError(err).Error("failed to record webhook event")
		return "", errors.Wrap(err, "begin webhook event")
	}

	outcome, err := r.apply(ctx, event, logger)
	if err != nil {
		r.metrics.RecordWebhookEvent("failed")
		if markErr := r.events.MarkFailed(ctx, event.ID); markErr != nil {
			logger.WithError(markErr).Error("failed to mark webhook event failed")
		}
		logger.WithError(err).Warn("webhook event processing failed")
		return "", err
	}

	if err := r.events.MarkDone(ctx, event.ID); err != nil {
		// Запись останется processing и будет забрана после аренды; запись заказа идемпотентна.
		logger.WithError(err).Error("failed to mark webhook event done")
	}
	r.metrics.RecordWebhookEvent(string(outcome))
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Outcome, error) {
	switch event.Type {
	case domain.PaymentEventConfirmed:
		return r.applyConfirmed(ctx, event, logger)
	case domain.PaymentEventFailed:
		return r.applyFailed(ctx, event, logger)
	case domain.PaymentEventDeclined:
		return r.applyDeclined(ctx, event, logger)
	default:
		logger.Debug("webhook event type ignored")
		return OutcomeIgnored, nil
	}
}

func (r *Reconciler) applyConfirmed(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Outcome, error) {
	attempt, err := r.loadAttempt(ctx, event, logger)
	if err != nil || attempt == nil {
		return OutcomeIgnored, err
	}

	if err := checkout.MatchesAttempt(event.AmountMinor, event.Currency, *attempt); err != nil {
		logger.WithError(err).WithField("security_event", "amount_mismatch").Error("webhook amount does not match payment attempt")
		return "", err
	}

	order, created, err := r.writer.WriteConfirmed(ctx, *attempt, checkout.SourceWebhook)
	if err != nil {
		return "", err
	}
	logger.WithFields(log.Fields{"order_id": order.ID, "created": created}).Info("webhook confirmed payment")
	return OutcomeProcessed, nil
}

func (r *Reconciler) applyFailed(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Outcome, error) {
	attempt, err := r.loadAttempt(ctx, event, logger)
	if err != nil || attempt == nil {
		return OutcomeIgnored, err
	}

	_, err = r.attempts.MarkFailed(ctx, attempt.IntentID, event.Reason)
	switch {
	case err == nil:
		logger.WithField("reason", event.Reason).Info("payment attempt marked failed")
		return OutcomeProcessed, nil
	case errors.Is(err, domain.ErrInvalidStatusTransition):
		logger.Warn("late payment failure after confirmation ignored")
		return OutcomeIgnored, nil
	default:
		return "", errors.Wrap(err, "mark payment attempt failed")
	}
}

// applyDeclined не меняет статус: покупатель может повторить оплату тем же intent.
// Потерянный webhook об успехе найдёт сверка pending-попыток.
func (r *Reconciler) applyDeclined(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (Outcome, error) {
	attempt, err := r.loadAttempt(ctx, event, logger)
	if err != nil || attempt == nil {
		return OutcomeIgnored, err
	}
	if attempt.Status != domain.PaymentStatusPending {
		logger.WithField("status", string(attempt.Status)).Debug("decline for settled attempt ignored")
		return OutcomeIgnored, nil
	}
	logger.WithField("reason", event.Reason).Info("payment declined, attempt stays pending")
	return OutcomeProcessed, nil
}

// loadAttempt возвращает nil без ошибки для intent, созданных не нами.
func (r *Reconciler) loadAttempt(ctx context.Context, event domain.PaymentEvent, logger *log.Entry) (*domain.PaymentAttempt, error) {
	attempt, err := r.attempts.Get(ctx, event.IntentID)
	if err == nil {
		return &attempt, nil
	}
	if !errors.Is(err, domain.ErrPaymentAttemptNotFound) {
		return nil, errors.Wrap(err, "load payment attempt")
	}
	if event.Metadata[domain.MetadataCheckoutSessionID] == "" {
		logger.Info("webhook for unknown intent without checkout metadata ignored")
		return nil, nil
	}
	// Intent наш, но запись о попытке ещё не закоммичена.
	return nil, errors.Mark(errors.Wrapf(err, "intent %s", event.IntentID), domain.ErrRetryLater)
}
