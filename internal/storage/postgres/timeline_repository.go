package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type timelineRepository struct {
	db *sql.DB
}

// NewTimelineRepository хранит таймлайн заказов в timeline_events.
func NewTimelineRepository(store *Store) domain.TimelineRepository {
	return &timelineRepository{db: store.DB()}
}

// Append пишет событие вне транзакции заказа: потеря записи таймлайна заказ не откатывает.
func (r *timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	occurred := event.Occurred
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO timeline_events (order_id, type, reason, occurred) VALUES ($1, $2, $3, $4)`,
		event.OrderID, event.Type, event.Reason, occurred.UTC())
	if err != nil {
		return persistenceErr(err, "append timeline event")
	}
	return nil
}

func (r *timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	return queryAll(ctx, r.db, "timeline events", func(row rowScanner) (domain.TimelineEvent, error) {
		var e domain.TimelineEvent
		err := row.Scan(&e.OrderID, &e.Type, &e.Reason, &e.Occurred)
		return e, err
	}, `SELECT order_id, type, reason, occurred FROM timeline_events WHERE order_id = $1 ORDER BY occurred, id`, orderID)
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
