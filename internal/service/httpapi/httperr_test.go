package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestWriteError_StatusMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		retryAfter bool
	}{
		{"validation", domain.NewValidationError(domain.FieldError{Field: "email", Reason: "required"}), http.StatusBadRequest, codeValidation, false},
		{"stale cart", &domain.StaleCartError{Mismatches: []domain.PriceMismatch{{ProductID: 1}}}, http.StatusConflict, codeStaleCart, false},
		{"out of stock", &domain.OutOfStockError{ProductID: 1, Requested: 3, Available: 1}, http.StatusConflict, codeOutOfStock, false},
		{"provider timeout", &domain.PaymentProviderError{Op: "create_intent", Timeout: true, Retryable: true}, http.StatusServiceUnavailable, codeProviderTimeout, true},
		{"provider retryable", &domain.PaymentProviderError{Op: "create_intent", Retryable: true}, http.StatusServiceUnavailable, codeProviderDown, true},
		{"provider rejected", &domain.PaymentProviderError{Op: "create_intent", Code: "card_declined"}, http.StatusBadGateway, codeProviderError, false},
		{"event without id", domain.ErrEventIDRequired, http.StatusBadRequest, codeValidation, false},
		{"invalid signature", &domain.InvalidSignatureError{Reason: "no v1"}, http.StatusBadRequest, codeInvalidSignature, false},
		{"retry later wraps not found", errors.Mark(errors.Wrap(domain.ErrPaymentAttemptNotFound, "intent pi_1"), domain.ErrRetryLater), http.StatusServiceUnavailable, codeRetryLater, true},
		{"persistence", errors.Mark(errors.New("conn reset"), domain.ErrPersistence), http.StatusServiceUnavailable, codeRetryLater, true},
		{"event in progress", domain.ErrEventInProgress, http.StatusConflict, codeEventInProgress, true},
		{"payload mismatch", domain.ErrEventPayloadMismatch, http.StatusConflict, codePayloadMismatch, false},
		{"amount mismatch", errors.Wrap(domain.ErrAmountMismatch, "intent pi_1"), http.StatusUnprocessableEntity, codeAmountMismatch, false},
		{"not confirmed", errors.Wrap(domain.ErrPaymentNotConfirmed, "payment pending"), http.StatusConflict, codeNotConfirmed, false},
		{"attempt not found", domain.ErrPaymentAttemptNotFound, http.StatusNotFound, codePaymentNotFound, false},
		{"order not found", domain.ErrOrderNotFound, http.StatusNotFound, codeOrderNotFound, false},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, codeInternal, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)

			writeError(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Contains(t, w.Body.String(), `"code":"`+tt.wantCode+`"`)
			assert.Equal(t, tt.retryAfter, w.Header().Get("Retry-After") != "")
			assert.True(t, c.IsAborted())
			assert.Len(t, c.Errors, 1)
		})
	}
}

func TestWriteError_HidesInternalDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	writeError(c, errors.New("pq: password authentication failed for user storefront"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "password")
}
