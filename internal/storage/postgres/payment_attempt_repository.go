package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const attemptColumns = `intent_id, idempotency_key, checkout_session_id, customer_email,
	amount_minor, currency, status, failure_reason, quote, created_at, updated_at`

type paymentAttemptRepository struct {
	db *sql.DB
}

// NewPaymentAttemptRepository создаёт PostgreSQL-реализацию PaymentAttemptRepository.
func NewPaymentAttemptRepository(store *Store) domain.PaymentAttemptRepository {
	return &paymentAttemptRepository{db: store.DB()}
}

func (r *paymentAttemptRepository) Save(ctx context.Context, attempt domain.PaymentAttempt) (domain.PaymentAttempt, error) {
	attempt.IntentID = strings.TrimSpace(attempt.IntentID)
	if attempt.IntentID == "" {
		return domain.PaymentAttempt{}, domain.ErrPaymentAttemptNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	quote, err := json.Marshal(attempt.Quote)
	if err != nil {
		return domain.PaymentAttempt{}, errors.Wrap(err, "marshal quote")
	}

	now := time.Now().UTC()
	if attempt.Status == "" {
		attempt.Status = domain.PaymentStatusPending
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = now
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_attempts (`+attemptColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (intent_id) DO NOTHING
	`,
		attempt.IntentID, attempt.IdempotencyKey, attempt.CheckoutSessionID, attempt.CustomerEmail,
		attempt.AmountMinor, attempt.Currency, string(attempt.Status), attempt.FailureReason,
		quote, attempt.CreatedAt, now,
	); err != nil {
		return domain.PaymentAttempt{}, persistenceErr(err, "insert payment attempt")
	}

	return r.get(ctx, r.db, attempt.IntentID)
}

func (r *paymentAttemptRepository) Get(ctx context.Context, intentID string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return r.get(ctx, r.db, intentID)
}

func (r *paymentAttemptRepository) MarkFailed(ctx context.Context, intentID, reason string) (domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	attempt, err := scanAttempt(r.db.QueryRowContext(ctx, `
		UPDATE payment_attempts
		SET status = 'failed',
		    failure_reason = $2,
		    updated_at = $3
		WHERE intent_id = $1
		  AND status = 'pending'
		RETURNING `+attemptColumns,
		intentID, reason, time.Now().UTC(),
	))
	if err == nil {
		return attempt, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.PaymentAttempt{}, persistenceErr(err, "mark payment attempt failed")
	}

	existing, err := r.get(ctx, r.db, intentID)
	if err != nil {
		return domain.PaymentAttempt{}, err
	}
	if existing.Status == domain.PaymentStatusFailed {
		return existing, nil
	}
	return existing, domain.ErrInvalidStatusTransition
}

func (r *paymentAttemptRepository) ListPendingBefore(ctx context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	return r.list(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status = 'pending'
		  AND created_at < $2
		ORDER BY created_at, intent_id
		LIMIT $1
	`, limit, before)
}

func (r *paymentAttemptRepository) ListConfirmedWithoutOrder(ctx context.Context, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	return r.list(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts a
		WHERE a.status = 'confirmed'
		  AND a.updated_at < $2
		  AND NOT EXISTS (SELECT 1 FROM orders o WHERE o.payment_ref = a.intent_id)
		ORDER BY a.created_at, a.intent_id
		LIMIT $1
	`, limit, before)
}

func (r *paymentAttemptRepository) ListFailedBetween(ctx context.Context, since, before time.Time, limit int) ([]domain.PaymentAttempt, error) {
	return r.list(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE status = 'failed'
		  AND updated_at >= $2
		  AND updated_at < $3
		ORDER BY created_at, intent_id
		LIMIT $1
	`, limit, since, before)
}

// list: первый параметр запроса всегда LIMIT.
func (r *paymentAttemptRepository) list(ctx context.Context, query string, limit int, args ...any) ([]domain.PaymentAttempt, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	return queryAll(ctx, r.db, "payment attempts", scanAttempt, query, append([]any{limit}, args...)...)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *paymentAttemptRepository) get(ctx context.Context, q queryRower, intentID string) (domain.PaymentAttempt, error) {
	attempt, err := scanAttempt(q.QueryRowContext(ctx, `
		SELECT `+attemptColumns+`
		FROM payment_attempts
		WHERE intent_id = $1
	`, intentID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PaymentAttempt{}, domain.ErrPaymentAttemptNotFound
		}
		return domain.PaymentAttempt{}, persistenceErr(err, "select payment attempt")
	}
	return attempt, nil
}

func scanAttempt(row rowScanner) (domain.PaymentAttempt, error) {
	var (
		attempt domain.PaymentAttempt
		status  string
		quote   []byte
	)
	if err := row.Scan(
		&attempt.IntentID, &attempt.IdempotencyKey, &attempt.CheckoutSessionID, &attempt.CustomerEmail,
		&attempt.AmountMinor, &attempt.Currency, &status, &attempt.FailureReason,
		&quote, &attempt.CreatedAt, &attempt.UpdatedAt,
	); err != nil {
		return domain.PaymentAttempt{}, err
	}

	attempt.Status = domain.PaymentStatus(status)
	if !attempt.Status.Valid() {
		return domain.PaymentAttempt{}, errors.Newf("invalid payment status %q for intent %s", status, attempt.IntentID)
	}
	if err := json.Unmarshal(quote, &attempt.Quote); err != nil {
		return domain.PaymentAttempt{}, errors.Wrap(err, "unmarshal quote")
	}
	return attempt, nil
}

var _ domain.PaymentAttemptRepository = (*paymentAttemptRepository)(nil)
