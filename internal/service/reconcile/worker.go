// Package reconcile сверяет локальные попытки оплаты с процессором и находит
// списания без заказа.
package reconcile

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultGracePeriod = 15 * time.Minute
	defaultBatchSize   = 200
	// defaultFailedLookback: сколько после отказа intent ещё может быть оплачен другой картой.
	defaultFailedLookback = 24 * time.Hour
)

// Виды находок сверки.
const (
	KindOrderMissing          = "order_missing"
	KindRepaired              = "repaired"
	KindFailedAtProvider      = "failed_at_provider"
	KindMarkedFailed          = "marked_failed"
	KindAbandoned             = "abandoned"
	KindAmountMismatch        = "amount_mismatch"
	KindConfirmedWithoutOrder = "confirmed_without_order"
	KindConfirmedAfterFailure = "confirmed_after_failure"
)

// IntentReader читает intent у процессора. Реализуется checkout.Coordinator.
type IntentReader interface {
	GetIntent(ctx context.Context, intentID string) (domain.Intent, error)
}

// ConfirmedWriter пишет заказ по подтверждённой попытке. Реализуется checkout.Service.
type ConfirmedWriter interface {
	WriteConfirmed(ctx context.Context, attempt domain.PaymentAttempt, source checkout.Source) (domain.Order, bool, error)
}

// Finding: одна попытка оплаты, требующая внимания.
type Finding struct {
	Kind              string    `json:"kind"`
	IntentID          string    `json:"intent_id"`
	CheckoutSessionID string    `json:"checkout_session_id,omitempty"`
	CustomerEmail     string    `json:"customer_email"`
	AmountMinor       int64     `json:"amount_minor"`
	Currency          string    `json:"currency"`
	LocalStatus       string    `json:"local_status"`
	ProviderStatus    string    `json:"provider_status,omitempty"`
	OrderID           string    `json:"order_id,omitempty"`
	Detail            string    `json:"detail,omitempty"`
	AttemptCreatedAt  time.Time `json:"attempt_created_at"`
}

// Report: результат одного прохода сверки.
type Report struct {
	GeneratedAt time.Time `json:"generated_at"`
	GracePeriod string    `json:"grace_period"`
	AutoRepair  bool      `json:"auto_repair"`
	Scanned     int       `json:"scanned"`
	Findings    []Finding `json:"findings"`
	Errors      []string  `json:"errors,omitempty"`
}

// Count возвращает число находок указанного вида.
func (r Report) Count(kind string) int {
	n := 0
	for _, f := range r.Findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// Options задаёт параметры Worker.
type Options struct {
	Logger      *log.Entry
	Interval    time.Duration
	GracePeriod time.Duration
	BatchSize   int
	AutoRepair  bool
	// FailedLookback: окно, в котором failed-попытки перепроверяются у процессора.
	FailedLookback time.Duration
}

// Option настраивает Worker.
type Option func(*Options)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(opts *Options) { opts.Logger = logger }
}

// WithInterval задаёт период между проходами Run.
func WithInterval(interval time.Duration) Option {
	return func(opts *Options) { opts.Interval = interval }
}

// WithGracePeriod задаёт возраст попытки, после которого она попадает в сверку.
func WithGracePeriod(grace time.Duration) Option {
	return func(opts *Options) { opts.GracePeriod = grace }
}

// WithBatchSize ограничивает число попыток за проход.
func WithBatchSize(size int) Option {
	return func(opts *Options) { opts.BatchSize = size }
}

// WithFailedLookback задаёт окно перепроверки failed-попыток.
func WithFailedLookback(lookback time.Duration) Option {
	return func(opts *Options) { opts.FailedLookback = lookback }
}

// WithAutoRepair разрешает дописывать недостающие заказы и помечать отказы.
func WithAutoRepair(enabled bool) Option {
	return func(opts *Options) { opts.AutoRepair = enabled }
}

// Worker строит отчёт сверки. Без auto-repair он только читает.
type Worker struct {
	attempts   domain.PaymentAttemptRepository
	provider   IntentReader
	writer     ConfirmedWriter
	metrics    *metrics.CheckoutMetrics
	logger     *log.Entry
	interval   time.Duration
	grace      time.Duration
	batchSize  int
	autoRepair bool
	lookback   time.Duration
}

// NewWorker создаёт воркер сверки.
func NewWorker(attempts domain.PaymentAttemptRepository, provider IntentReader, writer ConfirmedWriter, m *metrics.CheckoutMetrics, options ...Option) *Worker {
	opts := Options{
		Interval:       defaultInterval,
		GracePeriod:    defaultGracePeriod,
		BatchSize:      defaultBatchSize,
		FailedLookback: defaultFailedLookback,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "reconcile-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.GracePeriod < 0 {
		opts.GracePeriod = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FailedLookback <= 0 {
		opts.FailedLookback = defaultFailedLookback
	}

	return &Worker{
		attempts:   attempts,
		provider:   provider,
		writer:     writer,
		metrics:    m,
		logger:     opts.Logger,
		interval:   opts.Interval,
		grace:      opts.GracePeriod,
		batchSize:  opts.BatchSize,
		autoRepair: opts.AutoRepair,
		lookback:   opts.FailedLookback,
	}
}

// Run выполняет сверку по таймеру до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := w.Report(ctx, time.Now().UTC())
			w.logger.WithFields(log.Fields{
				"scanned":       report.Scanned,
				"findings":      len(report.Findings),
				"errors":        len(report.Errors),
				"order_missing": report.Count(KindOrderMissing) + report.Count(KindConfirmedAfterFailure),
				"repaired":      report.Count(KindRepaired),
			}).Info("reconciliation pass completed")
		}
	}
}

// Report сверяет попытки старше grace period на момент now.
func (w *Worker) Report(ctx context.Context, now time.Time) Report {
	report := Report{
		GeneratedAt: now,
		GracePeriod: w.grace.String(),
		AutoRepair:  w.autoRepair,
		Findings:    []Finding{},
	}
	before := now.Add(-w.grace)

	pending, err := w.attempts.ListPendingBefore(ctx, before, w.batchSize)
	if err != nil {
		report.Errors = append(report.Errors, "list pending attempts: "+err.Error())
	}
	for _, attempt := range pending {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		if finding, ok := w.checkPending(ctx, attempt, &report); ok {
			w.record(&report, finding)
		}
	}

	confirmed, err := w.attempts.ListConfirmedWithoutOrder(ctx, before, w.batchSize)
	if err != nil {
		report.Errors = append(report.Errors, "list confirmed attempts: "+err.Error())
	}
	for _, attempt := range confirmed {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		finding := newFinding(KindConfirmedWithoutOrder, attempt)
		if w.autoRepair {
			w.repair(ctx, attempt, &finding, &report)
		}
		w.record(&report, finding)
	}

	// Отказ карты не терминален у процессора: intent могли оплатить позже, а webhook потерять.
	failed, err := w.attempts.ListFailedBetween(ctx, before.Add(-w.lookback), before, w.batchSize)
	if err != nil {
		report.Errors = append(report.Errors, "list failed attempts: "+err.Error())
	}
	for _, attempt := range failed {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		if finding, ok := w.checkFailed(ctx, attempt, &report); ok {
			w.record(&report, finding)
		}
	}

	w.metrics.RecordReconcileRun()
	return report
}

// checkFailed сообщает только о failed-попытках, которые процессор считает оплаченными.
func (w *Worker) checkFailed(ctx context.Context, attempt domain.PaymentAttempt, report *Report) (Finding, bool) {
	intent, err := w.provider.GetIntent(ctx, attempt.IntentID)
	if err != nil {
		report.Errors = append(report.Errors, "get intent "+attempt.IntentID+": "+err.Error())
		return Finding{}, false
	}
	if intent.Status != domain.PaymentStatusConfirmed {
		return Finding{}, false
	}

	finding := newFinding(KindConfirmedAfterFailure, attempt)
	finding.ProviderStatus = string(intent.Status)
	if err := checkout.MatchesAttempt(intent.AmountMinor, intent.Currency, attempt); err != nil {
		finding.Kind = KindAmountMismatch
		finding.Detail = err.Error()
		w.logger.WithError(err).WithFields(log.Fields{
			"intent_id":      attempt.IntentID,
			"security_event": "amount_mismatch",
		}).Error("reconciliation found amount mismatch")
		return finding, true
	}
	finding.Detail = "local failure: " + attempt.FailureReason
	if w.autoRepair {
		w.repair(ctx, attempt, &finding, report)
	}
	return finding, true
}

func (w *Worker) checkPending(ctx context.Context, attempt domain.PaymentAttempt, report *Report) (Finding, bool) {
	intent, err := w.provider.GetIntent(ctx, attempt.IntentID)
	if err != nil {
		report.Errors = append(report.Errors, "get intent "+attempt.IntentID+": "+err.Error())
		return Finding{}, false
	}

	finding := newFinding(KindAbandoned, attempt)
	finding.ProviderStatus = string(intent.Status)

	switch intent.Status {
	case domain.PaymentStatusConfirmed:
		if err := checkout.MatchesAttempt(intent.AmountMinor, intent.Currency, attempt); err != nil {
			finding.Kind = KindAmountMismatch
			finding.Detail = err.Error()
			w.logger.WithError(err).WithFields(log.Fields{
				"intent_id":      attempt.IntentID,
				"security_event": "amount_mismatch",
			}).Error("reconciliation found amount mismatch")
			return finding, true
		}
		finding.Kind = KindOrderMissing
		if w.autoRepair {
			w.repair(ctx, attempt, &finding, report)
		}
	case domain.PaymentStatusFailed:
		finding.Kind = KindFailedAtProvider
		if w.autoRepair {
			if _, err := w.attempts.MarkFailed(ctx, attempt.IntentID, "reconciled_provider_failed"); err != nil {
				finding.Detail = err.Error()
			} else {
				finding.Kind = KindMarkedFailed
			}
		}
	}
	return finding, true
}

func (w *Worker) repair(ctx context.Context, attempt domain.PaymentAttempt, finding *Finding, report *Report) {
	order, _, err := w.writer.WriteConfirmed(ctx, attempt, checkout.SourceReconcile)
	if err != nil {
		finding.Detail = err.Error()
		report.Errors = append(report.Errors, "repair "+attempt.IntentID+": "+err.Error())
		return
	}
	finding.Kind = KindRepaired
	finding.OrderID = order.ID
	w.logger.WithFields(log.Fields{
		"intent_id": attempt.IntentID,
		"order_id":  order.ID,
	}).Warn("reconciliation wrote missing order")
}

func (w *Worker) record(report *Report, finding Finding) {
	report.Findings = append(report.Findings, finding)
	w.metrics.RecordReconcileFinding(finding.Kind)
}

func newFinding(kind string, attempt domain.PaymentAttempt) Finding {
	return Finding{
		Kind:              kind,
		IntentID:          attempt.IntentID,
		CheckoutSessionID: attempt.CheckoutSessionID,
		CustomerEmail:     attempt.CustomerEmail,
		AmountMinor:       attempt.AmountMinor,
		Currency:          attempt.Currency,
		LocalStatus:       string(attempt.Status),
		AttemptCreatedAt:  attempt.CreatedAt,
	}
}
