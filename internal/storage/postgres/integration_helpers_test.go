package postgres

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// integrationDSN читает DSN тестовой базы; без него интеграционные тесты пропускаются.
func integrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("STOREFRONT_POSTGRES_TEST_DSN"))
	if dsn == "" {
		t.Skip("STOREFRONT_POSTGRES_TEST_DSN is not set, skipping postgres integration test")
	}
	return dsn
}

// openBareStore подключается к базе, не трогая схему.
func openBareStore(t *testing.T) *Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := Open(ctx, integrationDSN(t))
	if err != nil {
		t.Skipf("postgres is not reachable: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// openMigratedStore возвращает store с актуальной схемой и пустыми таблицами.
func openMigratedStore(t *testing.T) *Store {
	t.Helper()

	store := openBareStore(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, store.MigrateUp(ctx, 0))
	_, err := store.DB().ExecContext(ctx, `TRUNCATE TABLE webhook_events, outbox_messages, timeline_events,
		order_items, orders, payment_attempts, products RESTART IDENTITY CASCADE`)
	require.NoError(t, err, "reset tables")
	return store
}
