package payment

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// FakeProvider: in-memory платёжный провайдер для dev-режима и тестов.
// Уважает idempotency key так же, как настоящий процессор: повторный CreateIntent
// с тем же ключом возвращает уже созданный intent.
type FakeProvider struct {
	mu      sync.Mutex
	seq     int
	intents map[string]domain.Intent
	byKey   map[string]string

	// CreateErr/GetErr возвращаются вместо результата, если заданы.
	CreateErr error
	GetErr    error
	// Delay имитирует медленный ответ; вызов прерывается по ctx.
	Delay time.Duration

	createCalls int
	getCalls    int
}

// NewFakeProvider создаёт пустой fake-провайдер.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		intents: make(map[string]domain.Intent),
		byKey:   make(map[string]string),
	}
}

func (p *FakeProvider) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	p.mu.Lock()
	p.createCalls++
	delay, injected := p.Delay, p.CreateErr
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return domain.Intent{}, err
	}
	if injected != nil {
		return domain.Intent{}, injected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if id, ok := p.byKey[req.IdempotencyKey]; ok && req.IdempotencyKey != "" {
		return cloneIntent(p.intents[id]), nil
	}

	p.seq++
	id := fmt.Sprintf("pi_fake_%06d", p.seq)
	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	intent := domain.Intent{
		ID:           id,
		ClientSecret: id + "_secret",
		Status:       domain.PaymentStatusPending,
		AmountMinor:  req.AmountMinor,
		Currency:     req.Currency,
		Metadata:     metadata,
	}
	p.intents[id] = intent
	if req.IdempotencyKey != "" {
		p.byKey[req.IdempotencyKey] = id
	}
	return cloneIntent(intent), nil
}

func (p *FakeProvider) GetIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	p.mu.Lock()
	p.getCalls++
	delay, injected := p.Delay, p.GetErr
	p.mu.Unlock()

	if err := wait(ctx, delay); err != nil {
		return domain.Intent{}, err
	}
	if injected != nil {
		return domain.Intent{}, injected
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[intentID]
	if !ok {
		return domain.Intent{}, &domain.PaymentProviderError{
			Op:   "get_intent",
			Code: "resource_missing",
			Err:  errors.Newf("no such payment intent: %s", intentID),
		}
	}
	return cloneIntent(intent), nil
}

// Confirm имитирует успешное списание на стороне процессора.
func (p *FakeProvider) Confirm(intentID string) (domain.Intent, error) {
	return p.setStatus(intentID, domain.PaymentStatusConfirmed)
}

// Fail имитирует отказ процессора.
func (p *FakeProvider) Fail(intentID string) (domain.Intent, error) {
	return p.setStatus(intentID, domain.PaymentStatusFailed)
}

func (p *FakeProvider) setStatus(intentID string, status domain.PaymentStatus) (domain.Intent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	intent, ok := p.intents[intentID]
	if !ok {
		return domain.Intent{}, errors.Newf("no such payment intent: %s", intentID)
	}
	intent.Status = status
	p.intents[intentID] = intent
	return cloneIntent(intent), nil
}

// CreateCalls возвращает число вызовов CreateIntent.
func (p *FakeProvider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

// GetCalls возвращает число вызовов GetIntent.
func (p *FakeProvider) GetCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.getCalls
}

func wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func cloneIntent(src domain.Intent) domain.Intent {
	dst := src
	dst.Metadata = make(map[string]string, len(src.Metadata))
	for k, v := range src.Metadata {
		dst.Metadata[k] = v
	}
	return dst
}

var _ domain.PaymentProvider = (*FakeProvider)(nil)
