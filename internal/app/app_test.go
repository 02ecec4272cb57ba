package app

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
)

type e2e struct {
	t   *testing.T
	app *application
	srv *httptest.Server
}

func newE2E(t *testing.T, mutate func(*Config)) *e2e {
	t.Helper()
	cfg := NewTestConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := newApplication(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	srv := httptest.NewServer(a.router)
	t.Cleanup(func() {
		srv.Close()
		a.close()
	})
	return &e2e{t: t, app: a, srv: srv}
}

func (e *e2e) call(method, path, body string, headers map[string]string) (int, []byte) {
	e.t.Helper()
	req, err := http.NewRequest(method, e.srv.URL+path, strings.NewReader(body))
	require.NoError(e.t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(e.t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	return resp.StatusCode, buf.Bytes()
}

func (e *e2e) token(email, role string) map[string]string {
	e.t.Helper()
	token, err := IssueToken(e.app.cfg.Auth, email, role)
	require.NoError(e.t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func (e *e2e) signed(payload []byte) map[string]string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(e.app.cfg.Webhook.Secret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return map[string]string{
		e.app.cfg.Webhook.SignatureHeader: fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil))),
	}
}

func guestCart(session string) string {
	return fmt.Sprintf(`{
		"checkout_session_id": %q,
		"email": "Guest@Example.com",
		"shipping_address": {"name": "Ada Lovelace", "line1": "1 Main St", "city": "London", "postal_code": "N1 1AA", "country": "GB"},
		"items": [
			{"product_id": 1, "quantity": 2, "unit_price": "29.99"},
			{"product_id": 3, "quantity": 1, "unit_price": "50.00"}
		]
	}`, session)
}

func TestEndToEnd_CheckoutConfirmWebhookAndNotify(t *testing.T) {
	e := newE2E(t, nil)
	ctx := context.Background()

	code, body := e.call(http.MethodPost, "/checkout", guestCart("cs_e2e"), nil)
	require.Equal(t, http.StatusCreated, code, string(body))
	var created httpapi.CheckoutResponse
	require.NoError(t, json.Unmarshal(body, &created))
	assert.Equal(t, "109.98", created.Quote.Total)

	// Платёж ещё не прошёл у процессора.
	confirmBody := fmt.Sprintf(`{"payment_intent_id": %q}`, created.PaymentIntentID)
	code, _ = e.call(http.MethodPost, "/checkout/confirm", confirmBody, nil)
	require.Equal(t, http.StatusConflict, code)

	fake, ok := e.app.provider.(*payment.FakeProvider)
	require.True(t, ok)
	_, err := fake.Confirm(created.PaymentIntentID)
	require.NoError(t, err)

	code, body = e.call(http.MethodPost, "/checkout/confirm", confirmBody, nil)
	require.Equal(t, http.StatusOK, code, string(body))
	var confirmed httpapi.ConfirmResponse
	require.NoError(t, json.Unmarshal(body, &confirmed))
	assert.True(t, confirmed.Created)
	assert.Equal(t, "guest@example.com", confirmed.Order.CustomerEmail)

	// Webhook для того же intent сходится на существующем заказе.
	event := []byte(fmt.Sprintf(
		`{"id": "evt_e2e", "object": "event", "type": "payment_intent.succeeded", "data": {"object": {"id": %q, "object": "payment_intent", "amount": 10998, "currency": "usd", "metadata": {"checkout_session_id": "cs_e2e"}}}}`,
		created.PaymentIntentID))
	code, body = e.call(http.MethodPost, "/webhooks/payment", string(event), e.signed(event))
	require.Equal(t, http.StatusOK, code, string(body))
	code, body = e.call(http.MethodPost, "/webhooks/payment", string(event), e.signed(event))
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"outcome":"duplicate"}`, string(body))

	// Одно сообщение order.paid уходит в notifier напрямую, без Kafka.
	assert.Equal(t, 1, e.app.outbox.ProcessOnce(ctx))
	stats, err := e.app.deps.outbox.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.PendingCount)

	code, body = e.call(http.MethodGet, "/orders", "", e.token("guest@example.com", httpapi.RoleCustomer))
	require.Equal(t, http.StatusOK, code, string(body))
	var list struct {
		Orders []httpapi.OrderResponse `json:"orders"`
	}
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list.Orders, 1)
	assert.Equal(t, confirmed.Order.ID, list.Orders[0].ID)

	code, _ = e.call(http.MethodGet, "/orders/"+confirmed.Order.ID, "", e.token("someone@example.com", httpapi.RoleCustomer))
	assert.Equal(t, http.StatusNotFound, code)

	product, err := e.app.deps.catalog.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(98), product.Stock)
}

func TestEndToEnd_StaleCartAndInactiveProduct(t *testing.T) {
	e := newE2E(t, nil)

	stale := strings.Replace(guestCart("cs_stale"), `"29.99"`, `"19.99"`, 1)
	code, body := e.call(http.MethodPost, "/checkout", stale, nil)
	require.Equal(t, http.StatusConflict, code, string(body))
	assert.Contains(t, string(body), "stale_cart")

	inactive := strings.Replace(guestCart("cs_inactive"), `"product_id": 3, "quantity": 1, "unit_price": "50.00"`, `"product_id": 4, "quantity": 1, "unit_price": "9.90"`, 1)
	code, body = e.call(http.MethodPost, "/checkout", inactive, nil)
	require.Equal(t, http.StatusConflict, code, string(body))
	assert.Contains(t, string(body), "product_unavailable")

	fake := e.app.provider.(*payment.FakeProvider)
	assert.Zero(t, fake.CreateCalls())
}

func TestEndToEnd_AdminReconciliation(t *testing.T) {
	e := newE2E(t, func(c *Config) { c.Reconcile.GracePeriod = time.Nanosecond })

	code, body := e.call(http.MethodPost, "/checkout", guestCart("cs_recon"), nil)
	require.Equal(t, http.StatusCreated, code, string(body))
	var created httpapi.CheckoutResponse
	require.NoError(t, json.Unmarshal(body, &created))
	_, err := e.app.provider.(*payment.FakeProvider).Confirm(created.PaymentIntentID)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	code, _ = e.call(http.MethodGet, "/admin/reconciliation", "", e.token("guest@example.com", httpapi.RoleCustomer))
	require.Equal(t, http.StatusForbidden, code)

	code, body = e.call(http.MethodGet, "/admin/reconciliation", "", e.token("ops@example.com", httpapi.RoleAdmin))
	require.Equal(t, http.StatusOK, code, string(body))
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(body, &report))
	assert.Equal(t, 1, report.Count(reconcile.KindOrderMissing))

	// Отчёт без auto-repair ничего не пишет.
	code, _ = e.call(http.MethodGet, "/orders", "", e.token("guest@example.com", httpapi.RoleCustomer))
	require.Equal(t, http.StatusOK, code)
	orders, err := e.app.deps.orders.ListByCustomer(context.Background(), "guest@example.com", 10)
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestNewApplication_UnsupportedProvider(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Payment.Provider = "paypal"

	_, err := newApplication(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported payment provider")
}

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := NewTestConfig()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(150 * time.Millisecond)
		cancel()
	}()

	err := Run(ctx, cfg)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Storage.Driver = "invalid-driver"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRun_ListenError(t *testing.T) {
	cfg := NewTestConfig()
	cfg.Server.HTTPAddr = "256.0.0.1:80"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "listen http") {
		t.Fatalf("expected listen error, got %v", err)
	}
}
