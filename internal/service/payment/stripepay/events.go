package stripepay

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// DefaultTolerance: допустимый возраст подписи webhook.
const DefaultTolerance = webhook.DefaultTolerance

// Типы событий Stripe, которые меняют состояние оплаты.
const (
	eventIntentSucceeded = "payment_intent.succeeded"
	eventIntentFailed    = "payment_intent.payment_failed"
	eventIntentCanceled  = "payment_intent.canceled"
)

// EventParser проверяет заголовок Stripe-Signature и разбирает payment_intent.* события.
type EventParser struct {
	secret    string
	tolerance time.Duration
}

var _ domain.PaymentEventParser = (*EventParser)(nil)

// NewEventParser создаёт парсер с общим секретом endpoint'а.
func NewEventParser(secret string, tolerance time.Duration) (*EventParser, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("webhook secret is required")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &EventParser{secret: secret, tolerance: tolerance}, nil
}

// ParseEvent сначала проверяет подпись и только потом читает тело.
func (p *EventParser) ParseEvent(payload []byte, signatureHeader string) (domain.PaymentEvent, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, p.secret, p.tolerance); err != nil {
		return domain.PaymentEvent{}, &domain.InvalidSignatureError{Reason: signatureReason(err), Err: err}
	}

	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.PaymentEvent{}, domain.NewValidationError(domain.FieldError{Field: "body", Reason: "malformed event"})
	}
	if event.ID == "" {
		return domain.PaymentEvent{}, domain.NewValidationError(domain.FieldError{Field: "id", Reason: "required"})
	}

	result := domain.PaymentEvent{
		ID:           event.ID,
		Type:         domain.PaymentEventIgnored,
		ProviderType: string(event.Type),
	}

	switch string(event.Type) {
	case eventIntentSucceeded:
		result.Type = domain.PaymentEventConfirmed
	case eventIntentFailed:
		// После payment_failed intent остаётся в requires_payment_method.
		result.Type = domain.PaymentEventDeclined
	case eventIntentCanceled:
		result.Type = domain.PaymentEventFailed
	default:
		return result, nil
	}

	if event.Data == nil || len(event.Data.Raw) == 0 {
		return domain.PaymentEvent{}, domain.NewValidationError(domain.FieldError{Field: "data.object", Reason: "required"})
	}
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil || pi.ID == "" {
		return domain.PaymentEvent{}, domain.NewValidationError(domain.FieldError{Field: "data.object", Reason: "not a payment intent"})
	}

	result.IntentID = pi.ID
	result.AmountMinor = pi.Amount
	result.Currency = strings.ToUpper(string(pi.Currency))
	result.Metadata = pi.Metadata
	if result.Type != domain.PaymentEventConfirmed {
		result.Reason = string(pi.CancellationReason)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Code != "" {
			result.Reason = string(pi.LastPaymentError.Code)
		}
		if result.Reason == "" {
			result.Reason = string(event.Type)
		}
	}
	return result, nil
}

func signatureReason(err error) string {
	switch {
	case errors.Is(err, webhook.ErrNotSigned):
		return "missing signature header"
	case errors.Is(err, webhook.ErrInvalidHeader):
		return "malformed signature header"
	case errors.Is(err, webhook.ErrTooOld):
		return "timestamp outside tolerance"
	default:
		return "signature mismatch"
	}
}
