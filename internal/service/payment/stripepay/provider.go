// Package stripepay адаптирует stripe-go к портам domain.PaymentProvider и domain.PaymentEventParser.
package stripepay

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultTimeout = 10 * time.Second

// Config задаёт доступ к API Stripe.
type Config struct {
	SecretKey string
	// APIURL переопределяет адрес API (stripe-mock, тесты).
	APIURL  string
	Timeout time.Duration
}

// Provider реализует domain.PaymentProvider поверх Stripe PaymentIntents.
// Сетевые повторы отключены: повтор делает клиент с тем же idempotency key.
type Provider struct {
	api    *client.API
	logger *log.Entry
}

var _ domain.PaymentProvider = (*Provider)(nil)

// NewProvider создаёт клиента с собственным http.Client и без глобального состояния stripe-go.
func NewProvider(cfg Config, logger *log.Entry) (*Provider, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	if logger == nil {
		logger = log.New().WithField("component", "stripe-provider")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{Timeout: timeout}
	backendConfig := func(url string) *stripe.BackendConfig {
		c := &stripe.BackendConfig{
			HTTPClient:        httpClient,
			LeveledLogger:     logger,
			MaxNetworkRetries: stripe.Int64(0),
		}
		if url != "" {
			c.URL = stripe.String(url)
		}
		return c
	}

	api := &client.API{}
	api.Init(cfg.SecretKey, &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig(cfg.APIURL)),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig("")),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig("")),
	})

	return &Provider{api: api, logger: logger}, nil
}

func (p *Provider) CreateIntent(ctx context.Context, req domain.IntentRequest) (domain.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.AmountMinor),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := p.api.PaymentIntents.New(params)
	if err != nil {
		return domain.Intent{}, providerError("create_intent", req.IdempotencyKey, err)
	}
	return toIntent(pi), nil
}

func (p *Provider) GetIntent(ctx context.Context, intentID string) (domain.Intent, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := p.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return domain.Intent{}, providerError("get_intent", "", err)
	}
	return toIntent(pi), nil
}

func toIntent(pi *stripe.PaymentIntent) domain.Intent {
	metadata := make(map[string]string, len(pi.Metadata))
	for k, v := range pi.Metadata {
		metadata[k] = v
	}
	return domain.Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
		AmountMinor:  pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Metadata:     metadata,
	}
}

// intentStatus сворачивает статусы Stripe к трём нашим. requires_payment_method после
// неудачной карты остаётся pending: клиент может заплатить другой картой.
func intentStatus(status stripe.PaymentIntentStatus) domain.PaymentStatus {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return domain.PaymentStatusConfirmed
	case stripe.PaymentIntentStatusCanceled:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

func providerError(op, key string, err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return &domain.PaymentProviderError{
			Op:             op,
			Retryable:      true,
			IdempotencyKey: key,
			Err:            err,
		}
	}

	code := string(stripeErr.Code)
	if code == "" {
		code = string(stripeErr.Type)
	}
	retryable := stripeErr.HTTPStatusCode >= http.StatusInternalServerError ||
		stripeErr.HTTPStatusCode == http.StatusTooManyRequests ||
		stripeErr.HTTPStatusCode == http.StatusConflict
	return &domain.PaymentProviderError{
		Op:             op,
		Code:           code,
		Retryable:      retryable,
		IdempotencyKey: key,
		Err:            errors.Newf("stripe %d: %s", stripeErr.HTTPStatusCode, stripeErr.Msg),
	}
}
