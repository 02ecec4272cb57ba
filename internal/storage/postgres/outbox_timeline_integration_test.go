package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOutboxRepository_PostgresFlow(t *testing.T) {
	store := openMigratedStore(t)
	ctx := context.Background()
	repo := NewOutboxRepository(store)

	first, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder, AggregateID: "order-1", EventType: domain.EventTypeOrderPaid, Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue first: %v", err)
	}
	second, err := repo.Enqueue(ctx, domain.OutboxMessage{ID: "outbox-fixed-id", AggregateType: domain.AggregateOrder, AggregateID: "order-2", EventType: domain.EventTypeOrderPaid, Payload: []byte(`{}`)})
	if err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	if first.ID == "" || second.ID != "outbox-fixed-id" {
		t.Fatalf("unexpected ids: %q %q", first.ID, second.ID)
	}

	pending, err := repo.PullPending(ctx, 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != first.ID {
		t.Fatalf("expected insertion order, got %+v", pending)
	}

	stats, err := repo.Stats(ctx)
	if err != nil || stats.PendingCount != 2 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats: %+v %v", stats, err)
	}

	if err := repo.MarkSent(ctx, first.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, second.ID); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := repo.MarkSent(ctx, "missing"); err == nil {
		t.Fatal("expected error for missing message")
	}

	stats, err = repo.Stats(ctx)
	if err != nil || stats.PendingCount != 0 {
		t.Fatalf("expected empty backlog, got %+v %v", stats, err)
	}
}

func TestTimelineRepository_PostgresAppendAndList(t *testing.T) {
	store := openMigratedStore(t)
	ctx := context.Background()
	repo := NewTimelineRepository(store)

	now := time.Now().UTC().Round(time.Microsecond)
	if err := repo.Append(ctx, domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineOrderPaid, Occurred: now}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := repo.Append(ctx, domain.TimelineEvent{OrderID: "order-1", Type: domain.TimelineLateSuccess, Reason: "card_declined"}); err != nil {
		t.Fatalf("append without time: %v", err)
	}

	events, err := repo.List(ctx, "order-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 || events[0].Type != domain.TimelineOrderPaid {
		t.Fatalf("unexpected events: %+v", events)
	}
}
