package domain

import (
	"context"
	"time"
)

// CatalogReader — источник авторитетных цен и остатков.
type CatalogReader interface {
	// GetProduct возвращает товар или ErrProductNotFound.
	GetProduct(ctx context.Context, id int64) (Product, error)
}

// CatalogRepository хранит каталог. Upsert нужен только для сидинга и тестов.
type CatalogRepository interface {
	CatalogReader
	Upsert(ctx context.Context, product Product) error
}

// PaymentProvider описывает платёжного провайдера. Провайдер обязан уважать idempotency key:
// повторный CreateIntent с тем же ключом возвращает уже созданный intent.
type PaymentProvider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
}

// PaymentEventParser проверяет подпись webhook и разбирает событие.
type PaymentEventParser interface {
	// ParseEvent возвращает InvalidSignatureError, если подпись не прошла проверку.
	ParseEvent(payload []byte, signatureHeader string) (PaymentEvent, error)
}

// PaymentAttemptRepository хранит локальные записи об intent.
type PaymentAttemptRepository interface {
	// Save вставляет запись, если intent ещё неизвестен, и возвращает сохранённую версию.
	Save(ctx context.Context, attempt PaymentAttempt) (PaymentAttempt, error)
	// Get возвращает запись или ErrPaymentAttemptNotFound.
	Get(ctx context.Context, intentID string) (PaymentAttempt, error)
	// MarkFailed переводит pending → failed; для терминальных статусов ErrInvalidStatusTransition.
	MarkFailed(ctx context.Context, intentID, reason string) (PaymentAttempt, error)
	// ListPendingBefore возвращает pending-записи старше before.
	ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]PaymentAttempt, error)
	// ListConfirmedWithoutOrder возвращает confirmed-записи старше before, у которых нет заказа.
	ListConfirmedWithoutOrder(ctx context.Context, before time.Time, limit int) ([]PaymentAttempt, error)
	// ListFailedBetween возвращает failed-записи, помеченные в [since, before).
	ListFailedBetween(ctx context.Context, since, before time.Time, limit int) ([]PaymentAttempt, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// CreatePaid атомарно сохраняет заказ, позиции, списывает остатки, подтверждает
	// payment attempt и кладёт сообщение в outbox. ErrDuplicateOrder, если payment ref занят.
	CreatePaid(ctx context.Context, order Order, msg OutboxMessage) error
	// GetByPaymentRef возвращает заказ по ссылке на платёж или ErrOrderNotFound.
	GetByPaymentRef(ctx context.Context, paymentRef string) (Order, error)
	// Get возвращает заказ по идентификатору или ErrOrderNotFound.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы покупателя, новые первыми.
	ListByCustomer(ctx context.Context, email string, limit int) ([]Order, error)
}

// WebhookEventRepository — журнал дедупликации webhook-событий.
type WebhookEventRepository interface {
	// Begin захватывает событие в обработку. ErrEventAlreadyProcessed для done,
	// ErrEventInProgress для свежей processing, ErrEventPayloadMismatch для другого тела.
	// failed и processing с updated_at < staleBefore забираются повторно.
	Begin(ctx context.Context, record WebhookEventRecord, staleBefore time.Time) (WebhookEventRecord, error)
	MarkDone(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет вычитывать события для публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// Aggregate и event types для outbox.
const (
	AggregateOrder      = "order"
	EventTypeOrderPaid  = "order.paid"
	TimelineOrderPaid   = "order_paid"
	TimelineLateSuccess = "payment_confirmed_after_failure"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OrderPaidPayload — тело события order.paid.
type OrderPaidPayload struct {
	OrderID         string          `json:"order_id"`
	PaymentRef      string          `json:"payment_ref"`
	CustomerEmail   string          `json:"customer_email"`
	ShippingAddress ShippingAddress `json:"shipping_address"`
	Currency        string          `json:"currency"`
	AmountMinor     int64           `json:"amount_minor"`
	Items           []QuoteLine     `json:"items"`
	PaidAt          time.Time       `json:"paid_at"`
}
