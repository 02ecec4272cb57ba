package postgres

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	webhookEventColumns = `event_id, event_type, payload_hash, status, attempts, ttl_at, created_at, updated_at`
	defaultWebhookTTL   = 24 * time.Hour
)

type webhookEventRepository struct {
	db *sql.DB
}

// NewWebhookEventRepository создаёт PostgreSQL-реализацию журнала webhook-событий.
func NewWebhookEventRepository(store *Store) domain.WebhookEventRepository {
	return &webhookEventRepository{db: store.DB()}
}

// Begin захватывает событие одним запросом: новая запись вставляется, а failed или
// зависшая processing с тем же хэшем забирается повторно. Иначе классифицируем существующую строку.
func (r *webhookEventRepository) Begin(ctx context.Context, record domain.WebhookEventRecord, staleBefore time.Time) (domain.WebhookEventRecord, error) {
	record.EventID = strings.TrimSpace(record.EventID)
	if record.EventID == "" {
		return domain.WebhookEventRecord{}, domain.ErrEventIDRequired
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	now := time.Now().UTC()
	if record.TTLAt.IsZero() {
		record.TTLAt = now.Add(defaultWebhookTTL)
	}

	claimed, err := scanWebhookEvent(r.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (`+webhookEventColumns+`)
		VALUES ($1,$2,$3,'processing',1,$4,$5,$5)
		ON CONFLICT (event_id) DO UPDATE
		SET status = 'processing',
		    attempts = webhook_events.attempts + 1,
		    ttl_at = EXCLUDED.ttl_at,
		    updated_at = EXCLUDED.updated_at
		WHERE webhook_events.payload_hash = EXCLUDED.payload_hash
		  AND (
		        webhook_events.status = 'failed'
		     OR (webhook_events.status = 'processing' AND webhook_events.updated_at < $6)
		  )
		RETURNING `+webhookEventColumns,
		record.EventID, record.EventType, record.PayloadHash, record.TTLAt, now, staleBefore,
	))
	if err == nil {
		return claimed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.WebhookEventRecord{}, persistenceErr(err, "claim webhook event")
	}

	existing, err := scanWebhookEvent(r.db.QueryRowContext(ctx, `
		SELECT `+webhookEventColumns+`
		FROM webhook_events
		WHERE event_id = $1
	`, record.EventID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Запись удалили между запросами; отправитель повторит доставку.
			return domain.WebhookEventRecord{}, domain.ErrEventInProgress
		}
		return domain.WebhookEventRecord{}, persistenceErr(err, "select webhook event")
	}

	switch {
	case existing.PayloadHash != record.PayloadHash:
		return existing, domain.ErrEventPayloadMismatch
	case existing.Status == domain.WebhookEventStatusDone:
		return existing, domain.ErrEventAlreadyProcessed
	default:
		return existing, domain.ErrEventInProgress
	}
}

func (r *webhookEventRepository) MarkDone(ctx context.Context, eventID string) error {
	return r.markStatus(ctx, eventID, domain.WebhookEventStatusDone)
}

func (r *webhookEventRepository) MarkFailed(ctx context.Context, eventID string) error {
	return r.markStatus(ctx, eventID, domain.WebhookEventStatusFailed)
}

func (r *webhookEventRepository) markStatus(ctx context.Context, eventID string, status domain.WebhookEventStatus) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE webhook_events
		SET status = $2,
		    updated_at = $3
		WHERE event_id = $1
	`, eventID, string(status), time.Now().UTC())
	if err != nil {
		return persistenceErr(err, "mark webhook event "+string(status))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return persistenceErr(err, "webhook event rows affected")
	}
	if affected == 0 {
		return domain.ErrEventIDRequired
	}
	return nil
}

func (r *webhookEventRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		res sql.Result
		err error
	)
	if limit > 0 {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM webhook_events
			WHERE event_id IN (
				SELECT event_id
				FROM webhook_events
				WHERE ttl_at <= $1
				  AND status <> 'processing'
				ORDER BY ttl_at ASC
				LIMIT $2
			)
		`, before, limit)
	} else {
		res, err = r.db.ExecContext(ctx, `
			DELETE FROM webhook_events
			WHERE ttl_at <= $1
			  AND status <> 'processing'
		`, before)
	}
	if err != nil {
		return 0, persistenceErr(err, "delete expired webhook events")
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, persistenceErr(err, "webhook event rows affected")
	}
	return int(affected), nil
}

func scanWebhookEvent(row rowScanner) (domain.WebhookEventRecord, error) {
	var (
		record domain.WebhookEventRecord
		status string
	)
	if err := row.Scan(
		&record.EventID, &record.EventType, &record.PayloadHash, &status,
		&record.Attempts, &record.TTLAt, &record.CreatedAt, &record.UpdatedAt,
	); err != nil {
		return domain.WebhookEventRecord{}, err
	}

	record.Status = domain.WebhookEventStatus(status)
	if !record.Status.Valid() {
		return domain.WebhookEventRecord{}, errors.Newf("invalid webhook event status %q for %s", status, record.EventID)
	}
	return record, nil
}

var _ domain.WebhookEventRepository = (*webhookEventRepository)(nil)
