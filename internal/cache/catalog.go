// Package cache держит read-through кэш каталога в Redis.
package cache

import (
	"context"
	"encoding/json"
	"math/rand"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultTTL    = 30 * time.Second
	keyPrefix     = "storefront:product:"
	redisOpBudget = 200 * time.Millisecond
)

var catalogCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "storefront_catalog_cache_requests_total",
	Help: "Catalog cache lookups grouped by result.",
}, []string{"result"})

// CatalogCache: cache-aside декоратор над CatalogRepository. При недоступном Redis
// запросы идут прямо в базу.
type CatalogCache struct {
	next   domain.CatalogRepository
	client redis.UniversalClient
	ttl    time.Duration
	jitter time.Duration
	group  singleflight.Group
	logger *log.Entry
}

var _ domain.CatalogRepository = (*CatalogCache)(nil)

// NewCatalogCache оборачивает репозиторий каталога. ttl<=0 означает значение по умолчанию.
func NewCatalogCache(next domain.CatalogRepository, client redis.UniversalClient, ttl time.Duration, logger *log.Entry) *CatalogCache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "catalog-cache")
	}
	return &CatalogCache{
		next:   next,
		client: client,
		ttl:    ttl,
		jitter: ttl / 5,
		logger: logger,
	}
}

func (c *CatalogCache) GetProduct(ctx context.Context, id int64) (domain.Product, error) {
	if product, ok := c.lookup(ctx, id); ok {
		catalogCacheRequests.WithLabelValues("hit").Inc()
		return product, nil
	}
	catalogCacheRequests.WithLabelValues("miss").Inc()

	// Конкурентные промахи по одному товару сводятся в один запрос к базе.
	v, err, _ := c.group.Do(strconv.FormatInt(id, 10), func() (any, error) {
		product, err := c.next.GetProduct(ctx, id)
		if err != nil {
			return domain.Product{}, err
		}
		c.store(ctx, product)
		return product, nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return v.(domain.Product), nil
}

// Upsert пишет в базу и сбрасывает ключ, чтобы следующий запрос взял свежую цену.
func (c *CatalogCache) Upsert(ctx context.Context, product domain.Product) error {
	if err := c.next.Upsert(ctx, product); err != nil {
		return err
	}
	c.Invalidate(ctx, product.ID)
	return nil
}

// Invalidate удаляет товар из кэша.
func (c *CatalogCache) Invalidate(ctx context.Context, id int64) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpBudget)
	defer cancel()
	if err := c.client.Del(opCtx, cacheKey(id)).Err(); err != nil {
		c.logger.WithError(err).WithField("product_id", id).Warn("catalog cache invalidate failed")
	}
}

func (c *CatalogCache) lookup(ctx context.Context, id int64) (domain.Product, bool) {
	opCtx, cancel := context.WithTimeout(ctx, redisOpBudget)
	defer cancel()

	data, err := c.client.Get(opCtx, cacheKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Product{}, false
	}
	if err != nil {
		catalogCacheRequests.WithLabelValues("error").Inc()
		c.logger.WithError(err).WithField("product_id", id).Warn("catalog cache read failed, falling back to database")
		return domain.Product{}, false
	}

	var product domain.Product
	if err := json.Unmarshal(data, &product); err != nil {
		c.logger.WithError(err).WithField("product_id", id).Warn("corrupt catalog cache entry")
		return domain.Product{}, false
	}
	return product, true
}

func (c *CatalogCache) store(ctx context.Context, product domain.Product) {
	data, err := json.Marshal(product)
	if err != nil {
		return
	}
	ttl := c.ttl
	if c.jitter > 0 {
		ttl += time.Duration(rand.Int63n(int64(c.jitter)))
	}

	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpBudget)
	defer cancel()
	if err := c.client.Set(opCtx, cacheKey(product.ID), data, ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("product_id", product.ID).Warn("catalog cache write failed")
	}
}

func cacheKey(id int64) string {
	return keyPrefix + strconv.FormatInt(id, 10)
}
