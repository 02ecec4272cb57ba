package memory

import (
	"context"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type catalogRepositoryInMemory struct {
	s *Store
}

// NewCatalogRepository создаёт in-memory реализацию CatalogRepository.
func NewCatalogRepository(store *Store) domain.CatalogRepository {
	return &catalogRepositoryInMemory{s: store}
}

func (r *catalogRepositoryInMemory) GetProduct(_ context.Context, id int64) (domain.Product, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	product, ok := r.s.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

func (r *catalogRepositoryInMemory) Upsert(_ context.Context, product domain.Product) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if product.UpdatedAt.IsZero() {
		product.UpdatedAt = time.Now().UTC()
	}
	r.s.products[product.ID] = product
	return nil
}

var _ domain.CatalogRepository = (*catalogRepositoryInMemory)(nil)
