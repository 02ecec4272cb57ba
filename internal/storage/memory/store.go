package memory

import (
	"sync"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Store: общее in-memory состояние для локальной разработки и тестов.
// Один mutex на всё хранилище даёт CreatePaid ту же атомарность, что и транзакция в PostgreSQL.
type Store struct {
	mu sync.RWMutex

	products   map[int64]domain.Product
	attempts   map[string]domain.PaymentAttempt
	orders     map[string]domain.Order
	orderByRef map[string]string
	events     map[string]domain.WebhookEventRecord
	outbox     map[string]*outboxRecord
	outboxSeq  int64
	timeline   map[string][]domain.TimelineEvent
}

// NewStore создаёт пустое хранилище.
func NewStore() *Store {
	return &Store{
		products:   make(map[int64]domain.Product),
		attempts:   make(map[string]domain.PaymentAttempt),
		orders:     make(map[string]domain.Order),
		orderByRef: make(map[string]string),
		events:     make(map[string]domain.WebhookEventRecord),
		outbox:     make(map[string]*outboxRecord),
		timeline:   make(map[string][]domain.TimelineEvent),
	}
}

func clonePaymentAttempt(src domain.PaymentAttempt) domain.PaymentAttempt {
	dst := src
	dst.Quote = src.Quote.Clone()
	return dst
}
