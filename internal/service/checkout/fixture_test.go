package checkout

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type fixture struct {
	store       *memory.Store
	catalog     domain.CatalogRepository
	attempts    domain.PaymentAttemptRepository
	orders      domain.OrderRepository
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	provider    *payment.FakeProvider
	validator   *Validator
	coordinator *Coordinator
	writer      *OrderWriter
	service     *Service
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	logger := log.New()
	logger.SetLevel(log.WarnLevel)
	entry := logger.WithField("component", "checkout-test")
	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	store := memory.NewStore()
	f := &fixture{
		store:    store,
		catalog:  memory.NewCatalogRepository(store),
		attempts: memory.NewPaymentAttemptRepository(store),
		orders:   memory.NewOrderRepository(store),
		outbox:   memory.NewOutboxRepository(store),
		timeline: memory.NewTimelineRepository(store),
		provider: payment.NewFakeProvider(),
	}
	f.validator = NewValidator(f.catalog, cfg, m, entry)
	f.coordinator = NewCoordinator(f.provider, f.attempts, cfg, m, entry)
	f.writer = NewOrderWriter(f.orders, f.timeline, f.catalog, m, entry)
	f.service = NewService(f.validator, f.coordinator, f.writer, f.attempts, f.orders, f.timeline, entry)

	f.upsert(t, domain.Product{ID: 1, Name: "Ceramic Mug", PriceMinor: 2999, Currency: "USD", Stock: 10, TrackStock: true, Active: true})
	f.upsert(t, domain.Product{ID: 2, Name: "Sticker", PriceMinor: 199, Currency: "USD", Active: true})
	return f
}

func (f *fixture) upsert(t *testing.T, p domain.Product) {
	t.Helper()
	require.NoError(t, f.catalog.Upsert(context.Background(), p))
}

func mugCart(session string, claimedMinor int64) domain.CartSnapshot {
	return domain.CartSnapshot{
		CheckoutSessionID: session,
		CustomerEmail:     "Buyer@Example.com",
		ShippingAddress: domain.ShippingAddress{
			Name: "Ada Lovelace", Line1: "1 Main St", City: "London", PostalCode: "N1 1AA", Country: "GB",
		},
		Lines: []domain.CartLine{{ProductID: 1, Quantity: 2, ClaimedPriceMinor: claimedMinor}},
	}
}

func defaultConfig() Config {
	return Config{Currency: "USD", ProviderTimeout: time.Second}
}
