package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CheckoutMetrics содержит метрики checkout-потока: котировки, провайдер, запись заказов, webhook.
// Все методы безопасны для nil-получателя, поэтому компоненты могут работать без метрик.
type CheckoutMetrics struct {
	quotes           *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	providerErrors   *prometheus.CounterVec
	ordersCreated    *prometheus.CounterVec
	orderDuplicates  *prometheus.CounterVec
	writerDuration   prometheus.Histogram
	stockOversold    prometheus.Counter
	webhookEvents    *prometheus.CounterVec
	reconcileFinds   *prometheus.CounterVec
	reconcileRuns    prometheus.Counter
	timelineEvents   prometheus.Counter
}

// NewCheckoutMetrics регистрирует метрики в DefaultRegisterer.
func NewCheckoutMetrics() *CheckoutMetrics {
	return NewCheckoutMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCheckoutMetricsWithRegisterer регистрирует метрики в переданном registerer.
func NewCheckoutMetricsWithRegisterer(registerer prometheus.Registerer) *CheckoutMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CheckoutMetrics{
		quotes: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkout_quotes_total",
			Help: "Cart snapshot validations by result",
		}, []string{"result"}),
		providerDuration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "storefront_payment_provider_duration_seconds",
			Help:    "Latency of payment provider calls",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		providerErrors: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_payment_provider_errors_total",
			Help: "Payment provider failures by operation and kind",
		}, []string{"op", "kind"}),
		ordersCreated: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_orders_created_total",
			Help: "Orders created by the order writer, by confirmation source",
		}, []string{"source"}),
		orderDuplicates: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_duplicates_total",
			Help: "Order writer calls that resolved to an already existing order",
		}, []string{"source"}),
		writerDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_writer_duration_seconds",
			Help:    "Duration of the order writer transaction",
			Buckets: prometheus.DefBuckets,
		}),
		stockOversold: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_oversold_total",
			Help: "Paid order lines that pushed tracked stock below zero",
		}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_webhook_events_total",
			Help: "Inbound payment webhook events by outcome",
		}, []string{"outcome"}),
		reconcileFinds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_reconcile_findings_total",
			Help: "Reconciliation findings by kind",
		}, []string{"kind"}),
		reconcileRuns: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_reconcile_runs_total",
			Help: "Completed reconciliation passes",
		}),
		timelineEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_timeline_events_total",
			Help: "Total number of timeline events recorded",
		}),
	}
}

// RecordQuote фиксирует результат валидации корзины (ok, stale_cart, out_of_stock, invalid, error).
func (m *CheckoutMetrics) RecordQuote(result string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(result).Inc()
}

// RecordProviderCall записывает длительность вызова провайдера.
func (m *CheckoutMetrics) RecordProviderCall(op string, duration time.Duration) {
	if m == nil {
		return
	}
	m.providerDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordProviderError увеличивает счётчик ошибок провайдера.
func (m *CheckoutMetrics) RecordProviderError(op, kind string) {
	if m == nil {
		return
	}
	m.providerErrors.WithLabelValues(op, kind).Inc()
}

// RecordOrderCreated увеличивает счётчик созданных заказов.
func (m *CheckoutMetrics) RecordOrderCreated(source string) {
	if m == nil {
		return
	}
	m.ordersCreated.WithLabelValues(source).Inc()
}

// RecordOrderDuplicate фиксирует повторную запись, вернувшую существующий заказ.
func (m *CheckoutMetrics) RecordOrderDuplicate(source string) {
	if m == nil {
		return
	}
	m.orderDuplicates.WithLabelValues(source).Inc()
}

// RecordWriterDuration записывает длительность транзакции Order Writer.
func (m *CheckoutMetrics) RecordWriterDuration(duration time.Duration) {
	if m == nil {
		return
	}
	m.writerDuration.Observe(duration.Seconds())
}

// RecordStockOversold фиксирует уход остатка в минус.
func (m *CheckoutMetrics) RecordStockOversold() {
	if m == nil {
		return
	}
	m.stockOversold.Inc()
}

// RecordWebhookEvent фиксирует исход обработки webhook.
func (m *CheckoutMetrics) RecordWebhookEvent(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// RecordReconcileFinding фиксирует находку сверки.
func (m *CheckoutMetrics) RecordReconcileFinding(kind string) {
	if m == nil {
		return
	}
	m.reconcileFinds.WithLabelValues(kind).Inc()
}

// RecordReconcileRun фиксирует завершённый проход сверки.
func (m *CheckoutMetrics) RecordReconcileRun() {
	if m == nil {
		return
	}
	m.reconcileRuns.Inc()
}

// RecordTimelineEvent увеличивает счётчик событий timeline.
func (m *CheckoutMetrics) RecordTimelineEvent() {
	if m == nil {
		return
	}
	m.timelineEvents.Inc()
}
