package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestFakeProvider_HonoursIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider()

	req := domain.IntentRequest{IdempotencyKey: "checkout_k", AmountMinor: 5998, Currency: "USD"}
	first, err := p.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := p.CreateIntent(ctx, req)
	if err != nil {
		t.Fatalf("create again: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same intent for same key, got %s and %s", first.ID, second.ID)
	}

	other, _ := p.CreateIntent(ctx, domain.IntentRequest{IdempotencyKey: "checkout_other", AmountMinor: 1, Currency: "USD"})
	if other.ID == first.ID {
		t.Fatal("expected new intent for a different key")
	}
	if p.CreateCalls() != 3 {
		t.Fatalf("expected 3 calls, got %d", p.CreateCalls())
	}
}

func TestFakeProvider_ConfirmAndFail(t *testing.T) {
	ctx := context.Background()
	p := NewFakeProvider()

	intent, _ := p.CreateIntent(ctx, domain.IntentRequest{IdempotencyKey: "k", AmountMinor: 100, Currency: "USD"})
	if intent.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", intent.Status)
	}

	if _, err := p.Confirm(intent.ID); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	got, err := p.GetIntent(ctx, intent.ID)
	if err != nil || got.Status != domain.PaymentStatusConfirmed {
		t.Fatalf("expected confirmed, got %+v %v", got, err)
	}

	if _, err := p.Fail("missing"); err == nil {
		t.Fatal("expected error for unknown intent")
	}
	if _, err := p.GetIntent(ctx, "missing"); !errors.Is(err, domain.ErrPaymentProvider) {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestFakeProvider_DelayRespectsContext(t *testing.T) {
	p := NewFakeProvider()
	p.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := p.CreateIntent(ctx, domain.IntentRequest{IdempotencyKey: "k"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
