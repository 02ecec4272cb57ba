package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	if err := c.Write(metric); err != nil {
		t.Fatalf("failed to write metric: %v", err)
	}
	return metric.Counter.GetValue()
}

func TestCheckoutMetrics_RecordsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCheckoutMetricsWithRegisterer(reg)

	m.RecordQuote("ok")
	m.RecordQuote("ok")
	m.RecordQuote("stale_cart")
	m.RecordOrderCreated("webhook")
	m.RecordOrderDuplicate("sync")
	m.RecordWebhookEvent("duplicate")
	m.RecordStockOversold()
	m.RecordProviderCall("create_intent", 20*time.Millisecond)
	m.RecordWriterDuration(5 * time.Millisecond)

	if got := counterValue(t, m.quotes.WithLabelValues("ok")); got != 2 {
		t.Fatalf("expected 2 ok quotes, got %f", got)
	}
	if got := counterValue(t, m.quotes.WithLabelValues("stale_cart")); got != 1 {
		t.Fatalf("expected 1 stale quote, got %f", got)
	}
	if got := counterValue(t, m.ordersCreated.WithLabelValues("webhook")); got != 1 {
		t.Fatalf("expected 1 webhook order, got %f", got)
	}
	if got := counterValue(t, m.stockOversold); got != 1 {
		t.Fatalf("expected 1 oversold line, got %f", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, name := range []string{
		"storefront_checkout_quotes_total",
		"storefront_payment_provider_duration_seconds",
		"storefront_order_writer_duration_seconds",
		"storefront_webhook_events_total",
	} {
		if !found[name] {
			t.Errorf("expected %s to be gathered", name)
		}
	}
}

func TestCheckoutMetrics_ReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewCheckoutMetricsWithRegisterer(reg)
	second := NewCheckoutMetricsWithRegisterer(reg)

	first.RecordReconcileRun()
	second.RecordReconcileRun()

	if got := counterValue(t, first.reconcileRuns); got != 2 {
		t.Fatalf("expected shared counter value 2, got %f", got)
	}
}

func TestCheckoutMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *CheckoutMetrics
	m.RecordQuote("ok")
	m.RecordOrderCreated("sync")
	m.RecordWebhookEvent("processed")
	m.RecordReconcileFinding("order_missing")
	m.RecordTimelineEvent()
}

func TestMustRegister_TypeConflictPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerCounter(reg, prometheus.CounterOpts{Name: "storefront_conflict_total", Help: "x"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on collector type conflict")
		}
	}()
	registerHistogram(reg, prometheus.HistogramOpts{Name: "storefront_conflict_total", Help: "x"})
}
