package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type catalogRepository struct {
	db *sql.DB
}

// NewCatalogRepository создаёт PostgreSQL-реализацию CatalogRepository.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepository{db: store.DB()}
}

func (r *catalogRepository) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var product domain.Product
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, price_minor, currency, stock, track_stock, active, updated_at
		FROM products
		WHERE id = $1
	`, id).Scan(
		&product.ID, &product.Name, &product.PriceMinor, &product.Currency,
		&product.Stock, &product.TrackStock, &product.Active, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, persistenceErr(err, "select product")
	}
	return product, nil
}

func (r *catalogRepository) Upsert(ctx context.Context, product domain.Product) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}

	if _, err := r.db.ExecContext(ctx, `
		INSERT INTO products (id, name, price_minor, currency, stock, track_stock, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    price_minor = EXCLUDED.price_minor,
		    currency = EXCLUDED.currency,
		    stock = EXCLUDED.stock,
		    track_stock = EXCLUDED.track_stock,
		    active = EXCLUDED.active,
		    updated_at = EXCLUDED.updated_at
	`,
		product.ID, product.Name, product.PriceMinor, product.Currency,
		product.Stock, product.TrackStock, product.Active, product.UpdatedAt,
	); err != nil {
		return persistenceErr(err, "upsert product")
	}
	return nil
}

var _ domain.CatalogRepository = (*catalogRepository)(nil)
