package app

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/cache"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
)

func testLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return logger.WithField("test", "app")
}

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	deps, err := initRuntimeDependencies(context.Background(), NewTestConfig(), testLogger())
	if err != nil {
		t.Fatalf("initRuntimeDependencies(memory) failed: %v", err)
	}
	defer deps.Close(testLogger())

	if deps.catalog == nil || deps.attempts == nil || deps.orders == nil ||
		deps.outbox == nil || deps.timeline == nil || deps.events == nil {
		t.Fatalf("memory dependencies must be initialized: %+v", deps)
	}
	if deps.catalogReader != deps.catalog {
		t.Fatal("without redis the validator must read the catalog directly")
	}
	if deps.pgStore != nil || deps.redis != nil {
		t.Fatal("memory storage must not open external clients")
	}
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Storage.Driver = StorageDriverPostgres

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	if err == nil || !strings.Contains(err.Error(), "dsn is required") {
		t.Fatalf("expected dsn error, got %v", err)
	}
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Storage.Driver = "sqlite"

	_, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestInitRuntimeDependencies_RedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := NewTestConfig()
	cfg.Redis.Addr = mr.Addr()

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("initRuntimeDependencies failed: %v", err)
	}
	defer deps.Close(testLogger())

	if _, ok := deps.catalogReader.(*cache.CatalogCache); !ok {
		t.Fatalf("expected catalog cache, got %T", deps.catalogReader)
	}

	ctx := context.Background()
	product := domain.Product{ID: 7, Name: "Notebook", PriceMinor: 450, Currency: "USD", Active: true}
	if err := deps.catalogReader.Upsert(ctx, product); err != nil {
		t.Fatalf("upsert through cache: %v", err)
	}
	got, err := deps.catalogReader.GetProduct(ctx, 7)
	if err != nil || got.PriceMinor != 450 {
		t.Fatalf("unexpected product %+v err %v", got, err)
	}

	h := health.NewHandler("test")
	deps.registerHealthCheckers(h)
	if status := h.Evaluate(ctx).Status; status != health.StatusHealthy {
		t.Fatalf("expected healthy with redis up, got %s", status)
	}

	mr.Close()
	if status := h.Evaluate(ctx).Status; status != health.StatusDegraded {
		t.Fatalf("expected degraded with redis down, got %s", status)
	}
}

func TestInitRuntimeDependencies_RedisDownAtStartup(t *testing.T) {
	cfg := NewTestConfig()
	// Порт 1 никто не слушает: кэш включается, но работает в режиме fail-open.
	cfg.Redis.Addr = "127.0.0.1:1"

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	if err != nil {
		t.Fatalf("redis outage must not block startup: %v", err)
	}
	defer deps.Close(testLogger())

	ctx := context.Background()
	if err := deps.catalog.Upsert(ctx, domain.Product{ID: 1, Name: "Mug", PriceMinor: 100, Currency: "USD", Active: true}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := deps.catalogReader.GetProduct(ctx, 1); err != nil {
		t.Fatalf("cache must fall back to storage: %v", err)
	}
}

func TestInitRuntimeDependencies_PostgresIntegration(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := NewTestConfig()
	cfg.Storage = StorageConfig{Driver: StorageDriverPostgres, PostgresDSN: dsn, PostgresAutoMigrate: true}

	deps, err := initRuntimeDependencies(context.Background(), cfg, testLogger())
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer deps.Close(testLogger())

	if deps.pgStore == nil {
		t.Fatal("expected postgres store")
	}
	h := health.NewHandler("test")
	deps.registerHealthCheckers(h)
	if status := h.Evaluate(context.Background()).Status; status != health.StatusHealthy {
		t.Fatalf("expected healthy postgres, got %s", status)
	}
}
