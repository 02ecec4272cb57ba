package domain

import "time"

// PaymentStatus описывает жизненный цикл payment intent: pending → {confirmed, failed}.
type PaymentStatus string

const (
	// PaymentStatusPending — intent создан, оплата ещё не подтверждена.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusConfirmed — провайдер подтвердил списание.
	PaymentStatusConfirmed PaymentStatus = "confirmed"
	// PaymentStatusFailed — провайдер отклонил или отменил intent.
	PaymentStatusFailed PaymentStatus = "failed"
)

// Metadata keys, которые мы кладём в intent у провайдера.
const (
	MetadataCheckoutSessionID = "checkout_session_id"
	MetadataIdempotencyKey    = "idempotency_key"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentStatusPending, PaymentStatusConfirmed, PaymentStatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal сообщает, что статус больше не меняется.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusConfirmed || s == PaymentStatusFailed
}

// CanTransitionTo проверяет допустимость перехода.
// failed → confirmed разрешён: подтверждённое списание всегда должно получить заказ.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	switch s {
	case PaymentStatusPending:
		return next == PaymentStatusConfirmed || next == PaymentStatusFailed
	case PaymentStatusFailed:
		return next == PaymentStatusConfirmed
	default:
		return false
	}
}

// IntentRequest — параметры создания intent у провайдера.
type IntentRequest struct {
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	CustomerEmail  string
	Metadata       map[string]string
}

// Intent — представление intent на стороне провайдера.
type Intent struct {
	ID           string
	ClientSecret string
	Status       PaymentStatus
	AmountMinor  int64
	Currency     string
	Metadata     map[string]string
}

// PaymentAttempt — локальная запись об intent вместе с исходным quote.
// Нужна webhook-пути, чтобы записать заказ без участия клиента.
type PaymentAttempt struct {
	IntentID          string
	IdempotencyKey    string
	CheckoutSessionID string
	CustomerEmail     string
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	FailureReason     string
	Quote             PriceQuote
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
