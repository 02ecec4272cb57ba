package memory

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type paymentAttemptRepositoryInMemory struct {
	s *Store
}

// NewPaymentAttemptRepository создаёт in-memory реализацию PaymentAttemptRepository.
func NewPaymentAttemptRepository(store *Store) domain.PaymentAttemptRepository {
	return &paymentAttemptRepositoryInMemory{s: store}
}

func (r *paymentAttemptRepositoryInMemory) Save(_ context.Context, attempt domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	attempt.IntentID = strings.TrimSpace(attempt.IntentID)
	if attempt.IntentID == "" {
		return domain.PaymentAttempt{}, domain.ErrPaymentAttemptNotFound
	}

	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing, ok := r.s.attempts[attempt.IntentID]; ok {
		return clonePaymentAttempt(existing), nil
	}

	now := time.Now().UTC()
	if attempt.Status == "" {
		attempt.Status = domain.PaymentStatusPending
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}
	attempt.UpdatedAt = now

	r.s.attempts[attempt.IntentID] = clonePaymentAttempt(attempt)
	return clonePaymentAttempt(attempt), nil
}

func (r *paymentAttemptRepositoryInMemory) Get(_ context.Context, intentID string) (domain.PaymentAttempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	attempt, ok := r.s.attempts[intentID]
	if !ok {
		return domain.PaymentAttempt{}, domain.ErrPaymentAttemptNotFound
	}
	return clonePaymentAttempt(attempt), nil
}

func (r *paymentAttemptRepositoryInMemory) MarkFailed(_ context.Context, intentID, reason string) (domain.PaymentAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	attempt, ok := r.s.attempts[intentID]
	if !ok {
		return domain.PaymentAttempt{}, domain.ErrPaymentAttemptNotFound
	}
	if attempt.Status == domain.PaymentStatusFailed {
		return clonePaymentAttempt(attempt), nil
	}
	if !attempt.Status.CanTransitionTo(domain.PaymentStatusFailed) {
		return clonePaymentAttempt(attempt), domain.ErrInvalidStatusTransition
	}

	attempt.Status = domain.PaymentStatusFailed
	attempt.FailureReason = reason
	attempt.UpdatedAt = time.Now().UTC()
	r.s.attempts[intentID] = attempt
	return clonePaymentAttempt(attempt), nil
}

func (r *paymentAttemptRepositoryInMemory) ListPendingBefore(_ context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.collect(limit, func(a domain.PaymentAttempt) bool {
		return a.Status == domain.PaymentStatusPending && a.CreatedAt.Before(before)
	}), nil
}

func (r *paymentAttemptRepositoryInMemory) ListConfirmedWithoutOrder(_ context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.collect(limit, func(a domain.PaymentAttempt) bool {
		if a.Status != domain.PaymentStatusConfirmed || !a.UpdatedAt.Before(before) {
			return false
		}
		_, hasOrder := r.s.orderByRef[a.IntentID]
		return !hasOrder
	}), nil
}

func (r *paymentAttemptRepositoryInMemory) ListFailedBetween(_ context.Context, since, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	return r.collect(limit, func(a domain.PaymentAttempt) bool {
		return a.Status == domain.PaymentStatusFailed && !a.UpdatedAt.Before(since) && a.UpdatedAt.Before(before)
	}), nil
}

// collect вызывается под блокировкой.
func (r *paymentAttemptRepositoryInMemory) collect(limit int, match func(domain.PaymentAttempt) bool) []domain.PaymentAttempt {
	result := make([]domain.PaymentAttempt, 0)
	for _, attempt := range r.s.attempts {
		if match(attempt) {
			result = append(result, clonePaymentAttempt(attempt))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].IntentID < result[j].IntentID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

var _ domain.PaymentAttemptRepository = (*paymentAttemptRepositoryInMemory)(nil)
