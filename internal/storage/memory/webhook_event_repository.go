package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type webhookEventRepositoryInMemory struct {
	s *Store
}

// NewWebhookEventRepository создаёт in-memory журнал webhook-событий.
func NewWebhookEventRepository(store *Store) domain.WebhookEventRepository {
	return &webhookEventRepositoryInMemory{s: store}
}

func (r *webhookEventRepositoryInMemory) Begin(_ context.Context, record domain.WebhookEventRecord, staleBefore time.Time) (domain.WebhookEventRecord, error) {
	record.EventID = strings.TrimSpace(record.EventID)
	if record.EventID == "" {
		return domain.WebhookEventRecord{}, domain.ErrEventIDRequired
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := r.s.events[record.EventID]
	if ok {
		if existing.PayloadHash != record.PayloadHash {
			return existing, domain.ErrEventPayloadMismatch
		}
		switch {
		case existing.Status == domain.WebhookEventStatusDone:
			return existing, domain.ErrEventAlreadyProcessed
		case !existing.Reclaimable(staleBefore):
			return existing, domain.ErrEventInProgress
		}

		existing.Status = domain.WebhookEventStatusProcessing
		existing.Attempts++
		existing.UpdatedAt = now
		if !record.TTLAt.IsZero() {
			existing.TTLAt = record.TTLAt
		}
		r.s.events[record.EventID] = existing
		return existing, nil
	}

	record.Status = domain.WebhookEventStatusProcessing
	record.Attempts = 1
	record.CreatedAt = now
	record.UpdatedAt = now
	r.s.events[record.EventID] = record
	return record, nil
}

func (r *webhookEventRepositoryInMemory) MarkDone(_ context.Context, eventID string) error {
	return r.setStatus(eventID, domain.WebhookEventStatusDone)
}

func (r *webhookEventRepositoryInMemory) MarkFailed(_ context.Context, eventID string) error {
	return r.setStatus(eventID, domain.WebhookEventStatusFailed)
}

func (r *webhookEventRepositoryInMemory) setStatus(eventID string, status domain.WebhookEventStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	record, ok := r.s.events[eventID]
	if !ok {
		return domain.ErrEventIDRequired
	}
	record.Status = status
	record.UpdatedAt = time.Now().UTC()
	r.s.events[eventID] = record
	return nil
}

// DeleteExpired удаляет до limit записей с истёкшим TTL, начиная с самых старых.
// limit<=0 снимает ограничение. Записи в статусе processing не трогаются.
func (r *webhookEventRepositoryInMemory) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	expired := make([]domain.WebhookEventRecord, 0)
	for _, record := range r.s.events {
		if record.Status == domain.WebhookEventStatusProcessing {
			continue
		}
		if !record.TTLAt.IsZero() && !record.TTLAt.After(before) {
			expired = append(expired, record)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].TTLAt.Before(expired[j].TTLAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, record := range expired {
		delete(r.s.events, record.EventID)
	}
	return len(expired), nil
}

var _ domain.WebhookEventRepository = (*webhookEventRepositoryInMemory)(nil)
