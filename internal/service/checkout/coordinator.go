package checkout

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	opCreateIntent = "create_intent"
	opGetIntent    = "get_intent"

	// CodeIntentTerminal: провайдер вернул по ключу уже отклонённый intent.
	CodeIntentTerminal = "intent_terminal"
)

// IntentResult: ответ checkout: котировка и данные intent для клиента.
type IntentResult struct {
	IntentID       string
	ClientSecret   string
	IdempotencyKey string
	Status         domain.PaymentStatus
	Quote          domain.PriceQuote
}

// Coordinator создаёт или переиспользует intent у провайдера (Payment Intent Coordinator).
// Автоматических повторов нет: клиент повторяет запрос, и ключ совпадает.
type Coordinator struct {
	provider domain.PaymentProvider
	attempts domain.PaymentAttemptRepository
	timeout  time.Duration
	metrics  *metrics.CheckoutMetrics
	logger   *log.Entry
}

// NewCoordinator создаёт координатор. Провайдер передаётся явно и живёт столько же, сколько процесс.
func NewCoordinator(provider domain.PaymentProvider, attempts domain.PaymentAttemptRepository, cfg Config, m *metrics.CheckoutMetrics, logger *log.Entry) *Coordinator {
	if logger == nil {
		logger = log.New().WithField("component", "intent-coordinator")
	}
	return &Coordinator{
		provider: provider,
		attempts: attempts,
		timeout:  cfg.providerTimeout(),
		metrics:  m,
		logger:   logger,
	}
}

// CreateIntent создаёт intent по котировке и сохраняет локальную запись о попытке оплаты.
func (c *Coordinator) CreateIntent(ctx context.Context, quote domain.PriceQuote) (IntentResult, error) {
	key := IdempotencyKey(quote)
	logger := c.logger.WithFields(log.Fields{
		"checkout_session_id": quote.CheckoutSessionID,
		"idempotency_key":     key,
	})

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	intent, err := c.provider.CreateIntent(callCtx, domain.IntentRequest{
		IdempotencyKey: key,
		AmountMinor:    quote.TotalMinor,
		Currency:       quote.Currency,
		CustomerEmail:  quote.CustomerEmail,
		Metadata: map[string]string{
			domain.MetadataCheckoutSessionID: quote.CheckoutSessionID,
			domain.MetadataIdempotencyKey:    key,
		},
	})
	c.metrics.RecordProviderCall(opCreateIntent, time.Since(start))
	if err != nil {
		providerErr := classifyProviderError(callCtx, opCreateIntent, key, err)
		c.metrics.RecordProviderError(opCreateIntent, providerKind(providerErr))
		logger.WithError(err).WithField("timeout", providerErr.Timeout).Error("payment intent creation failed")
		return IntentResult{IdempotencyKey: key, Quote: quote}, providerErr
	}

	if intent.Status == domain.PaymentStatusFailed {
		c.metrics.RecordProviderError(opCreateIntent, CodeIntentTerminal)
		logger.WithField("intent_id", intent.ID).Warn("idempotency key resolved to a failed intent")
		return IntentResult{IdempotencyKey: key, Quote: quote}, &domain.PaymentProviderError{
			Op:             opCreateIntent,
			Code:           CodeIntentTerminal,
			IdempotencyKey: key,
			Err:            errors.Newf("intent %s is terminal-failed", intent.ID),
		}
	}

	attempt, err := c.attempts.Save(ctx, domain.PaymentAttempt{
		IntentID:          intent.ID,
		IdempotencyKey:    key,
		CheckoutSessionID: quote.CheckoutSessionID,
		CustomerEmail:     quote.CustomerEmail,
		AmountMinor:       quote.TotalMinor,
		Currency:          quote.Currency,
		Status:            domain.PaymentStatusPending,
		Quote:             quote,
	})
	if err != nil {
		logger.WithError(err).WithField("intent_id", intent.ID).Error("failed to record payment attempt")
		return IntentResult{IdempotencyKey: key, Quote: quote}, errors.Wrap(err, "save payment attempt")
	}

	logger.WithFields(log.Fields{
		"intent_id":    intent.ID,
		"amount_minor": quote.TotalMinor,
		"currency":     quote.Currency,
	}).Info("payment intent ready")

	return IntentResult{
		IntentID:       intent.ID,
		ClientSecret:   intent.ClientSecret,
		IdempotencyKey: key,
		Status:         resultStatus(attempt, intent),
		Quote:          quote,
	}, nil
}

// resultStatus: локальный failed после отказа карты не окончателен, пока процессор держит intent открытым.
func resultStatus(attempt domain.PaymentAttempt, intent domain.Intent) domain.PaymentStatus {
	if attempt.Status == domain.PaymentStatusFailed {
		return intent.Status
	}
	return attempt.Status
}

// GetIntent читает intent у провайдера с тем же ограничением по времени.
func (c *Coordinator) GetIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	intent, err := c.provider.GetIntent(callCtx, intentID)
	c.metrics.RecordProviderCall(opGetIntent, time.Since(start))
	if err != nil {
		providerErr := classifyProviderError(callCtx, opGetIntent, "", err)
		c.metrics.RecordProviderError(opGetIntent, providerKind(providerErr))
		return domain.Intent{}, providerErr
	}
	return intent, nil
}

// classifyProviderError приводит ошибку к PaymentProviderError. Таймаут всегда можно повторить
// с тем же ключом: провайдер вернёт тот же intent.
func classifyProviderError(callCtx context.Context, op, key string, err error) *domain.PaymentProviderError {
	var providerErr *domain.PaymentProviderError
	if errors.As(err, &providerErr) {
		copied := *providerErr
		if copied.IdempotencyKey == "" {
			copied.IdempotencyKey = key
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			copied.Timeout = true
			copied.Retryable = true
		}
		return &copied
	}

	timeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
	return &domain.PaymentProviderError{
		Op:             op,
		Retryable:      true,
		Timeout:        timeout,
		IdempotencyKey: key,
		Err:            err,
	}
}

func providerKind(err *domain.PaymentProviderError) string {
	switch {
	case err.Timeout:
		return "timeout"
	case err.Code != "":
		return err.Code
	default:
		return "unavailable"
	}
}
