package domain

import "time"

// PaymentEventType — нормализованный тип события провайдера.
type PaymentEventType string

const (
	PaymentEventConfirmed PaymentEventType = "confirmed"
	PaymentEventFailed    PaymentEventType = "failed"
	PaymentEventIgnored   PaymentEventType = "ignored"
	// PaymentEventDeclined: карта отклонена, но intent ещё можно оплатить.
	PaymentEventDeclined PaymentEventType = "declined"
)

// PaymentEvent — проверенное и разобранное событие webhook.
type PaymentEvent struct {
	ID           string
	Type         PaymentEventType
	ProviderType string
	IntentID     string
	AmountMinor  int64
	Currency     string
	Reason       string
	Metadata     map[string]string
}

// WebhookEventStatus описывает жизненный цикл записи в журнале webhook-событий.
type WebhookEventStatus string

const (
	// WebhookEventStatusProcessing — событие принято и обрабатывается.
	WebhookEventStatusProcessing WebhookEventStatus = "processing"
	// WebhookEventStatusDone — побочные эффекты применены, повтор будет только подтверждён.
	WebhookEventStatusDone WebhookEventStatus = "done"
	// WebhookEventStatusFailed — обработка упала, повторная доставка обработает событие заново.
	WebhookEventStatusFailed WebhookEventStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s WebhookEventStatus) Valid() bool {
	switch s {
	case WebhookEventStatusProcessing, WebhookEventStatusDone, WebhookEventStatusFailed:
		return true
	default:
		return false
	}
}

// WebhookEventRecord — запись журнала дедупликации по event id провайдера.
type WebhookEventRecord struct {
	EventID     string
	EventType   string
	PayloadHash string
	Status      WebhookEventStatus
	Attempts    int
	TTLAt       time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Reclaimable сообщает, можно ли забрать запись в повторную обработку.
func (r WebhookEventRecord) Reclaimable(staleBefore time.Time) bool {
	switch r.Status {
	case WebhookEventStatusFailed:
		return true
	case WebhookEventStatusProcessing:
		return r.UpdatedAt.Before(staleBefore)
	default:
		return false
	}
}
