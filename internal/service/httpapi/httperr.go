package httpapi

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Машиночитаемые коды ошибок API.
const (
	codeValidation        = "validation_failed"
	codeStaleCart         = "stale_cart"
	codeOutOfStock        = "out_of_stock"
	codeProviderTimeout   = "provider_timeout"
	codeProviderDown      = "provider_unavailable"
	codeProviderError     = "provider_error"
	codeInvalidSignature  = "invalid_signature"
	codeRetryLater        = "retry_later"
	codeEventInProgress   = "event_in_progress"
	codePayloadMismatch   = "event_payload_mismatch"
	codeAmountMismatch    = "amount_mismatch"
	codeNotConfirmed      = "payment_not_confirmed"
	codePaymentNotFound   = "payment_not_found"
	codeOrderNotFound     = "order_not_found"
	codeUnauthorized      = "unauthorized"
	codeForbidden         = "forbidden"
	codeInternal          = "internal_error"
	defaultRetryAfterSecs = 5
)

// Response: единый формат ошибки.
type Response struct {
	Status int `json:"-"`
	Error  struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Detail any `json:"detail,omitempty"`
}

// AbortWithError пишет ответ и сохраняет исходную ошибку в c.Errors для request-лога.
func AbortWithError(c *gin.Context, status int, code string, err error, msg string, detail any) {
	if err == nil {
		err = errors.New(msg)
	}

	resp := Response{Status: status, Detail: detail}
	resp.Error.Code = code
	resp.Error.Message = msg

	_ = c.Error(&gin.Error{
		Err:  err,
		Type: gin.ErrorTypePublic,
		Meta: resp,
	})
	c.AbortWithStatusJSON(status, resp)
}

type outOfStockDetail struct {
	ProductID int64 `json:"product_id"`
	Requested int64 `json:"requested"`
	Available int64 `json:"available"`
}

type providerDetail struct {
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Retryable      bool   `json:"retryable"`
}

// writeError переводит ошибку сервисного слоя в HTTP-ответ. Детали провайдера и
// хранилища уходят только в лог.
func writeError(c *gin.Context, err error) {
	var (
		validationErr *domain.ValidationError
		staleErr      *domain.StaleCartError
		stockErr      *domain.OutOfStockError
		providerErr   *domain.PaymentProviderError
	)

	switch {
	case errors.As(err, &validationErr):
		AbortWithError(c, http.StatusBadRequest, codeValidation, err, "request validation failed", validationErr.Fields)
	case errors.Is(err, domain.ErrEventIDRequired):
		AbortWithError(c, http.StatusBadRequest, codeValidation, err, "request validation failed",
			[]domain.FieldError{{Field: "id", Reason: "required"}})
	case errors.Is(err, domain.ErrInvalidSignature):
		AbortWithError(c, http.StatusBadRequest, codeInvalidSignature, err, "webhook signature verification failed", nil)
	case errors.As(err, &staleErr):
		AbortWithError(c, http.StatusConflict, codeStaleCart, err, "cart prices are out of date", staleErr.Mismatches)
	case errors.As(err, &stockErr):
		AbortWithError(c, http.StatusConflict, codeOutOfStock, err, "not enough stock", outOfStockDetail{
			ProductID: stockErr.ProductID,
			Requested: stockErr.Requested,
			Available: stockErr.Available,
		})
	case errors.As(err, &providerErr):
		detail := providerDetail{IdempotencyKey: providerErr.IdempotencyKey, Retryable: providerErr.Retryable}
		switch {
		case providerErr.Timeout:
			setRetryAfter(c)
			AbortWithError(c, http.StatusServiceUnavailable, codeProviderTimeout, err, "payment provider timed out, retry with the same cart", detail)
		case providerErr.Retryable:
			setRetryAfter(c)
			AbortWithError(c, http.StatusServiceUnavailable, codeProviderDown, err, "payment provider unavailable, retry with the same cart", detail)
		default:
			AbortWithError(c, http.StatusBadGateway, codeProviderError, err, "payment provider rejected the request", detail)
		}
	// ErrRetryLater проверяется раньше not found: он может оборачивать ErrPaymentAttemptNotFound.
	case errors.Is(err, domain.ErrRetryLater), errors.Is(err, domain.ErrPersistence):
		setRetryAfter(c)
		AbortWithError(c, http.StatusServiceUnavailable, codeRetryLater, err, "temporarily unavailable, retry later", nil)
	case errors.Is(err, domain.ErrEventInProgress):
		setRetryAfter(c)
		AbortWithError(c, http.StatusConflict, codeEventInProgress, err, "event is being processed", nil)
	case errors.Is(err, domain.ErrEventPayloadMismatch):
		AbortWithError(c, http.StatusConflict, codePayloadMismatch, err, "event id reused with a different payload", nil)
	case errors.Is(err, domain.ErrAmountMismatch):
		AbortWithError(c, http.StatusUnprocessableEntity, codeAmountMismatch, err, "confirmed amount does not match the checkout", nil)
	case errors.Is(err, domain.ErrPaymentNotConfirmed):
		AbortWithError(c, http.StatusConflict, codeNotConfirmed, err, "payment is not confirmed", nil)
	case errors.Is(err, domain.ErrPaymentAttemptNotFound):
		AbortWithError(c, http.StatusNotFound, codePaymentNotFound, err, "payment intent not found", nil)
	case errors.Is(err, domain.ErrOrderNotFound):
		AbortWithError(c, http.StatusNotFound, codeOrderNotFound, err, "order not found", nil)
	default:
		AbortWithError(c, http.StatusInternalServerError, codeInternal, err, "internal server error", nil)
	}
}

func setRetryAfter(c *gin.Context) {
	c.Header("Retry-After", strconv.Itoa(defaultRetryAfterSecs))
}
