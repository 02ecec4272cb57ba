// Package eventledger обслуживает журнал webhook-событий.
package eventledger

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
)

var (
	ledgerCleanupRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_webhook_ledger_cleanup_runs_total",
		Help: "Webhook ledger cleanup runs grouped by result.",
	}, []string{"result"})
	ledgerCleanupDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_webhook_ledger_cleanup_deleted_total",
		Help: "Expired webhook ledger rows deleted.",
	})
	ledgerCleanupLastDeleted = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_webhook_ledger_cleanup_last_deleted",
		Help: "Rows deleted during the last cleanup run.",
	})
)

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupWorker)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(w *CleanupWorker) { w.logger = logger }
}

// WithInterval задаёт паузу между проходами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(w *CleanupWorker) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithBatchSize задаёт, сколько строк удаляет один DELETE.
func WithBatchSize(size int) CleanupOption {
	return func(w *CleanupWorker) {
		if size > 0 {
			w.batchSize = size
		}
	}
}

// CleanupWorker удаляет записи журнала webhook-событий с истёкшим TTL.
// Записи в processing не трогаются: ими владеет текущая доставка.
type CleanupWorker struct {
	repo      domain.WebhookEventRepository
	logger    *log.Entry
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

// NewCleanupWorker создаёт воркер очистки.
func NewCleanupWorker(repo domain.WebhookEventRepository, options ...CleanupOption) *CleanupWorker {
	w := &CleanupWorker{
		repo:      repo,
		interval:  defaultCleanupInterval,
		batchSize: defaultCleanupBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(w)
	}
	if w.logger == nil {
		w.logger = log.WithField("component", "webhook-ledger-cleanup")
	}
	return w
}

// Run чистит журнал до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("webhook ledger cleanup is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.cleanup(ctx, w.now())
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) cleanup(ctx context.Context, before time.Time) {
	deleted, err := w.DeleteExpired(ctx, before)
	switch {
	case errors.Is(err, context.Canceled):
		return
	case err != nil:
		ledgerCleanupRuns.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", deleted).Warn("webhook ledger cleanup failed")
		return
	}

	ledgerCleanupRuns.WithLabelValues("ok").Inc()
	ledgerCleanupLastDeleted.Set(float64(deleted))
	if deleted > 0 {
		w.logger.WithFields(log.Fields{"deleted": deleted, "before": before}).Info("webhook ledger cleanup completed")
	}
}

// DeleteExpired удаляет все записи с ttl <= before порциями batchSize.
func (w *CleanupWorker) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	if before.IsZero() {
		before = w.now()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		deleted, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return total, errors.Wrap(err, "delete expired webhook events")
		}

		total += deleted
		if deleted > 0 {
			ledgerCleanupDeleted.Add(float64(deleted))
		}
		if deleted < w.batchSize {
			return total, nil
		}
	}
}
