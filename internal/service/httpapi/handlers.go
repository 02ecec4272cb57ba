package httpapi

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	// Процессоры шлют события до сотен килобайт; больше мы не читаем.
	maxWebhookBody = 1 << 20
)

// CheckoutService: операции checkout, которые нужны HTTP-слою.
type CheckoutService interface {
	Checkout(ctx context.Context, cart domain.CartSnapshot) (checkout.IntentResult, error)
	Confirm(ctx context.Context, intentID string) (domain.Order, bool, error)
	GetOrder(ctx context.Context, orderID, customerEmail string, admin bool) (checkout.OrderView, error)
	ListOrders(ctx context.Context, customerEmail string, limit int) ([]domain.Order, error)
}

// WebhookHandler принимает сырое событие процессора.
type WebhookHandler interface {
	Handle(ctx context.Context, payload []byte, signatureHeader string) (webhook.Outcome, error)
}

// ReconcileReporter строит отчёт сверки.
type ReconcileReporter interface {
	Report(ctx context.Context, now time.Time) reconcile.Report
}

// Handler объединяет обработчики storefront API.
type Handler struct {
	checkout        CheckoutService
	webhooks        WebhookHandler
	reports         ReconcileReporter
	signatureHeader string
	logger          *log.Entry
}

// NewHandler создаёт обработчики. reports может быть nil: тогда отчёт сверки недоступен.
func NewHandler(svc CheckoutService, webhooks WebhookHandler, reports ReconcileReporter, signatureHeader string, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.WithField("component", "http-api")
	}
	if signatureHeader == "" {
		signatureHeader = "Stripe-Signature"
	}
	return &Handler{
		checkout:        svc,
		webhooks:        webhooks,
		reports:         reports,
		signatureHeader: signatureHeader,
		logger:          logger,
	}
}

// Checkout обрабатывает POST /checkout.
func (h *Handler) Checkout(c *gin.Context) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindingError(err))
		return
	}

	var identity *Identity
	if id, ok := IdentityFrom(c); ok {
		identity = &id
	} else if strings.TrimSpace(req.Email) == "" {
		writeError(c, domain.NewValidationError(domain.FieldError{Field: "email", Reason: "required"}))
		return
	}

	result, err := h.checkout.Checkout(c.Request.Context(), req.ToSnapshot(identity))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newCheckoutResponse(result))
}

// Confirm обрабатывает POST /checkout/confirm.
func (h *Handler) Confirm(c *gin.Context) {
	var req ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, bindingError(err))
		return
	}

	order, created, err := h.checkout.Confirm(c.Request.Context(), req.PaymentIntentID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ConfirmResponse{Created: created, Order: newOrderResponse(order, nil)})
}

// Webhook обрабатывает POST /webhooks/payment. Тело читается как есть: подпись
// считается по сырым байтам.
func (h *Handler) Webhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody+1))
	if err != nil {
		writeError(c, domain.NewValidationError(domain.FieldError{Field: "body", Reason: "unreadable"}))
		return
	}
	if len(payload) > maxWebhookBody {
		writeError(c, domain.NewValidationError(domain.FieldError{Field: "body", Reason: "too large"}))
		return
	}

	outcome, err := h.webhooks.Handle(c.Request.Context(), payload, c.GetHeader(h.signatureHeader))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, WebhookResponse{Outcome: string(outcome)})
}

// GetOrder обрабатывает GET /orders/:id.
func (h *Handler) GetOrder(c *gin.Context) {
	identity, ok := IdentityFrom(c)
	if !ok {
		writeError(c, errors.New("identity missing after auth"))
		return
	}

	view, err := h.checkout.GetOrder(c.Request.Context(), c.Param("id"), identity.Email, identity.IsAdmin())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newOrderResponse(view.Order, view.Timeline))
}

// ListOrders обрабатывает GET /orders.
func (h *Handler) ListOrders(c *gin.Context) {
	identity, ok := IdentityFrom(c)
	if !ok {
		writeError(c, errors.New("identity missing after auth"))
		return
	}

	limit := defaultListLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxListLimit {
			writeError(c, domain.NewValidationError(domain.FieldError{Field: "limit", Reason: "must be between 1 and 100"}))
			return
		}
		limit = n
	}

	orders, err := h.checkout.ListOrders(c.Request.Context(), identity.Email, limit)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]OrderResponse, 0, len(orders))
	for _, order := range orders {
		resp = append(resp, newOrderResponse(order, nil))
	}
	c.JSON(http.StatusOK, gin.H{"orders": resp})
}

// Reconciliation обрабатывает GET /admin/reconciliation.
func (h *Handler) Reconciliation(c *gin.Context) {
	if h.reports == nil {
		AbortWithError(c, http.StatusNotFound, "not_configured", errors.New("reconciliation disabled"), "reconciliation is not configured", nil)
		return
	}
	c.JSON(http.StatusOK, h.reports.Report(c.Request.Context(), time.Now().UTC()))
}
