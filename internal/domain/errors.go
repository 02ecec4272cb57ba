package domain

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

var (
	// Ошибка отсутствующего email покупателя.
	ErrCustomerRequired = errors.New("customer email is required")
	// Ошибка отсутствующего кода валюты.
	ErrCurrencyRequired = errors.New("currency is required")
	// Ошибка отсутствующей ссылки на подтверждённый платёж.
	ErrPaymentRefRequired = errors.New("payment reference is required")
	// Ошибка отсутствия хотя бы одного товара.
	ErrItemsRequired = errors.New("order must contain at least one item")
	// Ошибка отрицательной суммы заказа.
	ErrAmountNegative = errors.New("amount_minor must be non-negative")
	// Ошибка при некорректном количестве товара (<= 0).
	ErrItemQtyInvalid = errors.New("item qty must be greater than zero")
	// Ошибка, если цена позиции отрицательная.
	ErrItemPriceInvalid = errors.New("item price must be non-negative")
	// Ошибка несоответствия суммы заказа и сумм позиций.
	ErrAmountMismatch = errors.New("order amount does not match items sum")

	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateOrder — заказ с таким payment ref уже существует. Наружу не выходит.
	ErrDuplicateOrder = errors.New("order already exists for payment reference")
	// ErrProductNotFound — товара нет в каталоге.
	ErrProductNotFound = errors.New("product not found")
	// ErrPaymentAttemptNotFound — локальной записи об intent нет.
	ErrPaymentAttemptNotFound = errors.New("payment attempt not found")
	// ErrPaymentNotConfirmed — провайдер ещё не подтвердил (или отклонил) платёж.
	ErrPaymentNotConfirmed = errors.New("payment is not confirmed")
	// ErrInvalidStatusTransition — попытка изменить терминальный статус.
	ErrInvalidStatusTransition = errors.New("invalid payment status transition")
	// ErrEventAlreadyProcessed — событие с таким id уже обработано.
	ErrEventAlreadyProcessed = errors.New("webhook event already processed")
	// ErrEventInProgress — событие обрабатывается другой доставкой.
	ErrEventInProgress = errors.New("webhook event is being processed")
	// ErrEventPayloadMismatch — тот же event id пришёл с другим телом.
	ErrEventPayloadMismatch = errors.New("webhook event payload mismatch")
	// ErrEventIDRequired — у события нет id.
	ErrEventIDRequired = errors.New("webhook event id is required")
	// ErrOutboxPublish — ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")

	// ErrStaleCart — цены корзины разошлись с каталогом.
	ErrStaleCart = errors.New("stale cart")
	// ErrOutOfStock — запрошено больше, чем есть на складе.
	ErrOutOfStock = errors.New("out of stock")
	// ErrPaymentProvider — сбой платёжного провайдера.
	ErrPaymentProvider = errors.New("payment provider error")
	// ErrInvalidSignature — подпись webhook не прошла проверку.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrPersistence — хранилище недоступно; запрос нужно повторить.
	ErrPersistence = errors.New("persistence error")
	// ErrValidation — структурная ошибка входных данных.
	ErrValidation = errors.New("validation failed")
	// ErrRetryLater — состояние ещё не видно локально; доставку нужно повторить позже.
	ErrRetryLater = errors.New("retry later")
)

// PriceMismatch описывает одну устаревшую позицию корзины.
type PriceMismatch struct {
	ProductID         int64  `json:"product_id"`
	ClaimedPriceMinor int64  `json:"claimed_price_minor"`
	ActualPriceMinor  int64  `json:"actual_price_minor"`
	Reason            string `json:"reason"`
}

// Причины устаревания позиции.
const (
	MismatchPrice       = "price_changed"
	MismatchUnavailable = "product_unavailable"
	MismatchCurrency    = "currency_mismatch"
)

// StaleCartError возвращает Cart Snapshot Validator, если корзина разошлась с каталогом.
type StaleCartError struct {
	Mismatches []PriceMismatch
}

func (e *StaleCartError) Error() string {
	ids := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		ids = append(ids, fmt.Sprintf("%d:%s", m.ProductID, m.Reason))
	}
	return fmt.Sprintf("stale cart: %s", strings.Join(ids, ", "))
}

func (e *StaleCartError) Is(target error) bool { return target == ErrStaleCart }

// OutOfStockError — запрошенное количество превышает остаток.
type OutOfStockError struct {
	ProductID int64
	Requested int64
	Available int64
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("out of stock: product %d requested %d available %d", e.ProductID, e.Requested, e.Available)
}

func (e *OutOfStockError) Is(target error) bool { return target == ErrOutOfStock }

// PaymentProviderError оборачивает сбой провайдера. Автоматических повторов нет:
// клиент повторяет запрос с тем же IdempotencyKey.
type PaymentProviderError struct {
	Op             string
	Code           string
	Retryable      bool
	Timeout        bool
	IdempotencyKey string
	Err            error
}

func (e *PaymentProviderError) Error() string {
	var b strings.Builder
	b.WriteString("payment provider ")
	b.WriteString(e.Op)
	if e.Code != "" {
		b.WriteString(" [")
		b.WriteString(e.Code)
		b.WriteString("]")
	}
	if e.Timeout {
		b.WriteString(": timeout")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *PaymentProviderError) Unwrap() error { return e.Err }

func (e *PaymentProviderError) Is(target error) bool { return target == ErrPaymentProvider }

// InvalidSignatureError — событие отброшено до любых побочных эффектов.
type InvalidSignatureError struct {
	Reason string
	Err    error
}

func (e *InvalidSignatureError) Error() string {
	if e.Reason == "" {
		return ErrInvalidSignature.Error()
	}
	return ErrInvalidSignature.Error() + ": " + e.Reason
}

func (e *InvalidSignatureError) Unwrap() error { return e.Err }

func (e *InvalidSignatureError) Is(target error) bool { return target == ErrInvalidSignature }

// FieldError — одно нарушение схемы запроса.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError — структурная ошибка входных данных на границе.
type ValidationError struct {
	Fields []FieldError
}

// NewValidationError собирает ValidationError из списка полей.
func NewValidationError(fields ...FieldError) *ValidationError {
	return &ValidationError{Fields: fields}
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Reason)
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func itemField(idx int, name string) string {
	return fmt.Sprintf("items[%d].%s", idx, name)
}

// IsRetryable сообщает, что запрос стоит повторить без изменений.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrPersistence) || errors.Is(err, ErrEventInProgress) || errors.Is(err, ErrRetryLater) {
		return true
	}
	var providerErr *PaymentProviderError
	if errors.As(err, &providerErr) {
		return providerErr.Retryable
	}
	return false
}
