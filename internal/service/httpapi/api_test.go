package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment/stripepay"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

const testWebhookSecret = "whsec_httpapi"

type testAPI struct {
	engine   *gin.Engine
	provider *payment.FakeProvider
	tokens   *TokenService
	orders   domain.OrderRepository
}

func newTestAPI(t *testing.T, cfg checkout.Config) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	entry := logger.WithField("component", "httpapi-test")
	m := metrics.NewCheckoutMetricsWithRegisterer(prometheus.NewRegistry())

	store := memory.NewStore()
	catalog := memory.NewCatalogRepository(store)
	attempts := memory.NewPaymentAttemptRepository(store)
	orders := memory.NewOrderRepository(store)
	timeline := memory.NewTimelineRepository(store)
	provider := payment.NewFakeProvider()

	require.NoError(t, catalog.Upsert(context.Background(), domain.Product{
		ID: 1, Name: "Ceramic Mug", PriceMinor: 2999, Currency: "USD", Stock: 10, TrackStock: true, Active: true,
	}))

	validator := checkout.NewValidator(catalog, cfg, m, entry)
	coordinator := checkout.NewCoordinator(provider, attempts, cfg, m, entry)
	writer := checkout.NewOrderWriter(orders, timeline, catalog, m, entry)
	svc := checkout.NewService(validator, coordinator, writer, attempts, orders, timeline, entry)

	parser, err := stripepay.NewEventParser(testWebhookSecret, time.Minute)
	require.NoError(t, err)
	reconciler := webhook.NewReconciler(parser, memory.NewWebhookEventRepository(store), attempts, svc, m, webhook.WithLogger(entry))
	reports := reconcile.NewWorker(attempts, coordinator, svc, m, reconcile.WithLogger(entry))

	tokens, err := NewTokenService("test-secret", time.Hour)
	require.NoError(t, err)

	engine, err := NewRouter(
		NewHandler(svc, reconciler, reports, "", entry),
		NewAuthMiddleware(tokens, entry),
		nil,
		entry,
	)
	require.NoError(t, err)

	return &testAPI{engine: engine, provider: provider, tokens: tokens, orders: orders}
}

func defaultTestConfig() checkout.Config {
	return checkout.Config{Currency: "USD", ProviderTimeout: time.Second}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case []byte:
		reader = bytes.NewReader(b)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	a.engine.ServeHTTP(w, req)
	return w
}

func (a *testAPI) bearer(t *testing.T, email, role string) map[string]string {
	t.Helper()
	token, err := a.tokens.Issue(email, role)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func checkoutBody(session, email, unitPrice string) string {
	return fmt.Sprintf(`{
		"checkout_session_id": %q,
		"email": %q,
		"shipping_address": {"name": "Ada Lovelace", "line1": "1 Main St", "city": "London", "postal_code": "N1 1AA", "country": "gb"},
		"items": [{"product_id": 1, "quantity": 2, "unit_price": %s}]
	}`, session, email, unitPrice)
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return resp
}

func signedWebhook(payload []byte) map[string]string {
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	return map[string]string{"Stripe-Signature": fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))}
}

func succeededEvent(eventID, intentID string, amount int64) []byte {
	return []byte(fmt.Sprintf(
		`{"id": %q, "object": "event", "type": "payment_intent.succeeded", "data": {"object": {"id": %q, "object": "payment_intent", "amount": %d, "currency": "usd", "metadata": {"checkout_session_id": "cs_1"}}}}`,
		eventID, intentID, amount))
}

func (a *testAPI) checkout(t *testing.T, headers map[string]string) CheckoutResponse {
	t.Helper()
	w := a.do(t, http.MethodPost, "/checkout", checkoutBody("cs_1", "buyer@example.com", `"29.99"`), headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestCheckout_CreatesIntentWithServerQuote(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	resp := api.checkout(t, nil)

	assert.NotEmpty(t, resp.PaymentIntentID)
	assert.NotEmpty(t, resp.IdempotencyKey)
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "59.98", resp.Quote.Total)
	assert.Equal(t, int64(5998), resp.Quote.TotalMinor)
	require.Len(t, resp.Quote.Lines, 1)
	assert.Equal(t, "29.99", resp.Quote.Lines[0].UnitPrice)

	// Повтор той же корзины переиспользует intent.
	again := api.checkout(t, nil)
	assert.Equal(t, resp.PaymentIntentID, again.PaymentIntentID)
	assert.Equal(t, 2, api.provider.CreateCalls())
}

func TestCheckout_NumericUnitPriceAccepted(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	w := api.do(t, http.MethodPost, "/checkout", checkoutBody("cs_num", "buyer@example.com", `29.99`), nil)

	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}

func TestCheckout_StaleCartNeverReachesProvider(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	w := api.do(t, http.MethodPost, "/checkout", checkoutBody("cs_1", "buyer@example.com", `"19.99"`), nil)

	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, codeStaleCart, resp.Error.Code)
	assert.Equal(t, 0, api.provider.CreateCalls())
}

func TestCheckout_ValidationErrors(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{name: "three decimals", body: checkoutBody("cs_1", "buyer@example.com", `"29.999"`), wantField: "items[0].unit_price"},
		{name: "negative price", body: checkoutBody("cs_1", "buyer@example.com", `"-1.00"`), wantField: "items[0].unit_price"},
		{name: "guest without email", body: checkoutBody("cs_1", "", `"29.99"`), wantField: "email"},
		{name: "bad email", body: checkoutBody("cs_1", "not-an-email", `"29.99"`), wantField: "email"},
		{name: "no session", body: checkoutBody("", "buyer@example.com", `"29.99"`), wantField: "checkout_session_id"},
		{name: "malformed json", body: `{"items": [`, wantField: "body"},
		{
			name: "missing unit price",
			body: `{"checkout_session_id": "cs_1", "email": "buyer@example.com",
				"shipping_address": {"name": "Ada", "line1": "1 Main St", "city": "London", "postal_code": "N1", "country": "gb"},
				"items": [{"product_id": 1, "quantity": 2}]}`,
			wantField: "items[0].unit_price",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, http.MethodPost, "/checkout", tt.body, nil)

			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, codeValidation, decodeError(t, w).Error.Code)
			assert.Contains(t, w.Body.String(), `"field":"`+tt.wantField+`"`)
		})
	}
	assert.Equal(t, 0, api.provider.CreateCalls())
}

func TestCheckout_ProviderTimeoutReturnsIdempotencyKey(t *testing.T) {
	api := newTestAPI(t, checkout.Config{Currency: "USD", ProviderTimeout: 20 * time.Millisecond})
	api.provider.Delay = 500 * time.Millisecond

	w := api.do(t, http.MethodPost, "/checkout", checkoutBody("cs_1", "buyer@example.com", `"29.99"`), nil)

	require.Equal(t, http.StatusServiceUnavailable, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	resp := decodeError(t, w)
	assert.Equal(t, codeProviderTimeout, resp.Error.Code)
	detail, ok := resp.Detail.(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, detail["idempotency_key"])
}

func TestConfirm_Flow(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())
	intent := api.checkout(t, nil)
	body := fmt.Sprintf(`{"payment_intent_id": %q}`, intent.PaymentIntentID)

	w := api.do(t, http.MethodPost, "/checkout/confirm", body, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, codeNotConfirmed, decodeError(t, w).Error.Code)

	_, err := api.provider.Confirm(intent.PaymentIntentID)
	require.NoError(t, err)

	w = api.do(t, http.MethodPost, "/checkout/confirm", body, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var first ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
	assert.True(t, first.Created)
	assert.Equal(t, "59.98", first.Order.Total)
	require.Len(t, first.Order.Items, 1)
	assert.Equal(t, int32(2), first.Order.Items[0].Quantity)

	w = api.do(t, http.MethodPost, "/checkout/confirm", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.False(t, second.Created)
	assert.Equal(t, first.Order.ID, second.Order.ID)

	w = api.do(t, http.MethodPost, "/checkout/confirm", `{"payment_intent_id": "pi_unknown"}`, nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, codePaymentNotFound, decodeError(t, w).Error.Code)
}

func TestWebhook_ReplayAndTamper(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())
	intent := api.checkout(t, nil)
	payload := succeededEvent("evt_1", intent.PaymentIntentID, 5998)

	w := api.do(t, http.MethodPost, "/webhooks/payment", payload, signedWebhook(payload))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.JSONEq(t, `{"outcome":"processed"}`, w.Body.String())

	w = api.do(t, http.MethodPost, "/webhooks/payment", payload, signedWebhook(payload))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"outcome":"duplicate"}`, w.Body.String())

	tampered := succeededEvent("evt_2", intent.PaymentIntentID, 1)
	w = api.do(t, http.MethodPost, "/webhooks/payment", tampered, signedWebhook(payload))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, codeInvalidSignature, decodeError(t, w).Error.Code)

	orders, err := api.orders.ListByCustomer(context.Background(), "buyer@example.com", 10)
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func TestWebhook_SignedEventWithoutIDIsRejected(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())
	intent := api.checkout(t, nil)
	payload := []byte(fmt.Sprintf(
		`{"object": "event", "type": "payment_intent.succeeded", "data": {"object": {"id": %q, "object": "payment_intent", "amount": 5998, "currency": "usd"}}}`,
		intent.PaymentIntentID))

	w := api.do(t, http.MethodPost, "/webhooks/payment", payload, signedWebhook(payload))

	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
	assert.Equal(t, codeValidation, decodeError(t, w).Error.Code)
	assert.Contains(t, w.Body.String(), `"field":"id"`)

	_, err := api.orders.GetByPaymentRef(context.Background(), intent.PaymentIntentID)
	require.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestOrders_RequireOwnership(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())
	buyer := api.bearer(t, "buyer@example.com", RoleCustomer)

	intent := api.checkout(t, buyer)
	_, err := api.provider.Confirm(intent.PaymentIntentID)
	require.NoError(t, err)
	w := api.do(t, http.MethodPost, "/checkout/confirm", fmt.Sprintf(`{"payment_intent_id": %q}`, intent.PaymentIntentID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var confirmed ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &confirmed))
	orderPath := "/orders/" + confirmed.Order.ID

	w = api.do(t, http.MethodGet, "/orders", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodGet, "/orders", nil, buyer)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), confirmed.Order.ID)

	w = api.do(t, http.MethodGet, orderPath, nil, buyer)
	require.Equal(t, http.StatusOK, w.Code)
	var view OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &view))
	require.NotEmpty(t, view.Timeline)
	assert.Equal(t, domain.TimelineOrderPaid, view.Timeline[0].Type)

	w = api.do(t, http.MethodGet, orderPath, nil, api.bearer(t, "someone@example.com", RoleCustomer))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = api.do(t, http.MethodGet, orderPath, nil, api.bearer(t, "ops@example.com", RoleAdmin))
	assert.Equal(t, http.StatusOK, w.Code)

	w = api.do(t, http.MethodGet, "/orders?limit=0", nil, buyer)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCheckout_TokenEmailWinsOverBody(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())
	headers := api.bearer(t, "Member@Example.com", RoleCustomer)

	w := api.do(t, http.MethodPost, "/checkout", checkoutBody("cs_member", "", `"29.99"`), headers)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	_, err := api.provider.Confirm(resp.PaymentIntentID)
	require.NoError(t, err)

	w = api.do(t, http.MethodPost, "/checkout/confirm", fmt.Sprintf(`{"payment_intent_id": %q}`, resp.PaymentIntentID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var confirmed ConfirmResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &confirmed))
	assert.Equal(t, "member@example.com", confirmed.Order.CustomerEmail)
}

func TestReconciliation_AdminOnly(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	w := api.do(t, http.MethodGet, "/admin/reconciliation", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = api.do(t, http.MethodGet, "/admin/reconciliation", nil, api.bearer(t, "buyer@example.com", RoleCustomer))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, codeForbidden, decodeError(t, w).Error.Code)

	w = api.do(t, http.MethodGet, "/admin/reconciliation", nil, api.bearer(t, "ops@example.com", RoleAdmin))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report reconcile.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.False(t, report.AutoRepair)
	assert.Equal(t, 0, report.Scanned)
}

func TestUnknownRoute(t *testing.T) {
	api := newTestAPI(t, defaultTestConfig())

	w := api.do(t, http.MethodGet, "/nope", nil, nil)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.NotEmpty(t, w.Header().Get(headerRequestID))
}
