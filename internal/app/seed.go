package app

import (
	"context"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// demoCatalog: товары для локального запуска и e2e-тестов.
func demoCatalog(currency string) []domain.Product {
	return []domain.Product{
		{ID: 1, Name: "Ceramic Mug", PriceMinor: 2999, Currency: currency, Stock: 100, TrackStock: true, Active: true},
		{ID: 2, Name: "Linen Tote Bag", PriceMinor: 1850, Currency: currency, Stock: 50, TrackStock: true, Active: true},
		{ID: 3, Name: "Gift Card", PriceMinor: 5000, Currency: currency, Active: true},
		{ID: 4, Name: "Discontinued Poster", PriceMinor: 990, Currency: currency, Active: false},
	}
}

func seedDemoCatalog(ctx context.Context, catalog domain.CatalogRepository, currency string, logger *log.Entry) error {
	products := demoCatalog(currency)
	for _, p := range products {
		if err := catalog.Upsert(ctx, p); err != nil {
			return errors.Wrapf(err, "seed product %d", p.ID)
		}
	}
	logger.WithField("products", len(products)).Info("demo catalog seeded")
	return nil
}
