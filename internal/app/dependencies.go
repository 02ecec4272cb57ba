package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cache"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const redisPingTimeout = time.Second

// runtimeDependencies: хранилища и внешние клиенты процесса.
type runtimeDependencies struct {
	// catalog: сам репозиторий; Order Writer читает остатки только отсюда.
	catalog domain.CatalogRepository
	// catalogReader: то, что видит валидатор корзины (может быть кэшем).
	catalogReader domain.CatalogRepository
	attempts      domain.PaymentAttemptRepository
	orders        domain.OrderRepository
	outbox        domain.OutboxRepository
	timeline      domain.TimelineRepository
	events        domain.WebhookEventRepository

	pgStore *postgres.Store
	redis   redis.UniversalClient
}

func initRuntimeDependencies(ctx context.Context, cfg Config, logger *log.Entry) (*runtimeDependencies, error) {
	deps, err := initStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, err
	}

	deps.catalogReader = deps.catalog
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		if err := client.Ping(pingCtx).Err(); err != nil {
			// Кэш необязателен: работаем через базу, пока Redis не поднимется.
			logger.WithError(err).WithField("addr", cfg.Redis.Addr).Warn("redis unavailable at startup, catalog cache fails open")
		}
		cancel()
		deps.redis = client
		deps.catalogReader = cache.NewCatalogCache(deps.catalog, client, cfg.Redis.CatalogCacheTTL, logger.WithField("component", "catalog-cache"))
		logger.WithField("addr", cfg.Redis.Addr).Info("catalog cache enabled")
	}

	return deps, nil
}

func initStorage(ctx context.Context, cfg StorageConfig, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.Driver {
	case "", StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("using in-memory storage")
		return &runtimeDependencies{
			catalog:  memory.NewCatalogRepository(store),
			attempts: memory.NewPaymentAttemptRepository(store),
			orders:   memory.NewOrderRepository(store),
			outbox:   memory.NewOutboxRepository(store),
			timeline: memory.NewTimelineRepository(store),
			events:   memory.NewWebhookEventRepository(store),
		}, nil
	case StorageDriverPostgres:
		if cfg.PostgresDSN == "" {
			return nil, errors.New("postgres dsn is required for postgres storage driver")
		}
		store, err := postgres.Open(ctx, cfg.PostgresDSN, postgres.WithMaxConns(cfg.PostgresMaxConns))
		if err != nil {
			return nil, errors.Wrap(err, "open postgres")
		}
		if cfg.PostgresAutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				_ = store.Close()
				return nil, errors.Wrap(err, "apply migrations")
			}
			logger.Info("postgres migrations applied")
		}
		logger.Info("using postgres storage")
		return &runtimeDependencies{
			catalog:  postgres.NewCatalogRepository(store),
			attempts: postgres.NewPaymentAttemptRepository(store),
			orders:   postgres.NewOrderRepository(store),
			outbox:   postgres.NewOutboxRepository(store),
			timeline: postgres.NewTimelineRepository(store),
			events:   postgres.NewWebhookEventRepository(store),
			pgStore:  store,
		}, nil
	default:
		return nil, errors.Newf("unsupported storage driver %q", cfg.Driver)
	}
}

// registerHealthCheckers подключает проверки хранилищ к /healthz и /readyz.
func (d *runtimeDependencies) registerHealthCheckers(h *health.Handler) {
	if d.pgStore != nil {
		h.RegisterChecker("postgres", health.NewSimpleChecker("postgres", d.pgStore.Ping))
	}
	if d.redis != nil {
		client := d.redis
		h.RegisterChecker("redis", health.NewOptionalChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
}

func (d *runtimeDependencies) Close(logger *log.Entry) {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.pgStore != nil {
		if err := d.pgStore.Close(); err != nil {
			logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}
