package httpapi

import (
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

// Деньги приходят и уходят десятичной строкой с двумя знаками после точки.
const moneyExponent = 2

var (
	maxUnitPrice     = decimal.NewFromInt(1_000_000)
	registerRulesErr error
	registerOnce     sync.Once
)

// RegisterValidators настраивает валидатор gin: json-имена полей в ошибках и правило money.
func RegisterValidators() error {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			registerRulesErr = errors.New("unexpected gin validator engine")
			return
		}
		v.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
		v.RegisterCustomTypeFunc(func(field reflect.Value) any {
			if d, ok := field.Interface().(decimal.Decimal); ok {
				return d.String()
			}
			return nil
		}, decimal.Decimal{})
		registerRulesErr = v.RegisterValidation("money", validateMoney)
	})
	return registerRulesErr
}

// validateMoney: неотрицательная сумма, не больше двух знаков после точки.
func validateMoney(fl validator.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(string)
	if !ok {
		return false
	}
	d, err := decimal.NewFromString(raw)
	if err != nil || d.IsNegative() || d.GreaterThan(maxUnitPrice) {
		return false
	}
	return d.Equal(d.Truncate(moneyExponent))
}

// ShippingAddressRequest: адрес доставки в запросе.
type ShippingAddressRequest struct {
	Name       string `json:"name" binding:"required,max=200"`
	Line1      string `json:"line1" binding:"required,max=200"`
	Line2      string `json:"line2" binding:"max=200"`
	City       string `json:"city" binding:"required,max=100"`
	PostalCode string `json:"postal_code" binding:"required,max=20"`
	Country    string `json:"country" binding:"required,len=2,alpha"`
}

// CartItemRequest: позиция корзины. unit_price содержит цену, которую видел клиент;
// без неё сверять нечего, поэтому поле обязательно.
type CartItemRequest struct {
	ProductID int64            `json:"product_id" binding:"required,gt=0"`
	Quantity  int32            `json:"quantity" binding:"required,gt=0,lte=1000"`
	UnitPrice *decimal.Decimal `json:"unit_price" binding:"required,money"`
}

// CheckoutRequest: тело POST /checkout.
type CheckoutRequest struct {
	CheckoutSessionID string                 `json:"checkout_session_id" binding:"required,max=128"`
	Email             string                 `json:"email" binding:"omitempty,email,max=254"`
	ShippingAddress   ShippingAddressRequest `json:"shipping_address"`
	Items             []CartItemRequest      `json:"items" binding:"required,min=1,max=100,dive"`
}

// ToSnapshot строит CartSnapshot. Email из токена важнее email из тела.
func (r CheckoutRequest) ToSnapshot(identity *Identity) domain.CartSnapshot {
	email := r.Email
	if identity != nil && identity.Email != "" {
		email = identity.Email
	}

	lines := make([]domain.CartLine, 0, len(r.Items))
	for _, item := range r.Items {
		lines = append(lines, domain.CartLine{
			ProductID:         item.ProductID,
			Quantity:          item.Quantity,
			ClaimedPriceMinor: claimedMinor(item.UnitPrice),
		})
	}

	return domain.CartSnapshot{
		CheckoutSessionID: strings.TrimSpace(r.CheckoutSessionID),
		CustomerEmail:     domain.NormalizeEmail(email),
		ShippingAddress: domain.ShippingAddress{
			Name:       strings.TrimSpace(r.ShippingAddress.Name),
			Line1:      strings.TrimSpace(r.ShippingAddress.Line1),
			Line2:      strings.TrimSpace(r.ShippingAddress.Line2),
			City:       strings.TrimSpace(r.ShippingAddress.City),
			PostalCode: strings.TrimSpace(r.ShippingAddress.PostalCode),
			Country:    strings.ToUpper(strings.TrimSpace(r.ShippingAddress.Country)),
		},
		Lines: lines,
	}
}

// ConfirmRequest: тело POST /checkout/confirm.
type ConfirmRequest struct {
	PaymentIntentID string `json:"payment_intent_id" binding:"required,max=255"`
}

func toMinor(d decimal.Decimal) int64 {
	return d.Shift(moneyExponent).IntPart()
}

// claimedMinor: binding уже отсеял nil, но ToSnapshot не должен паниковать вне хендлера.
func claimedMinor(d *decimal.Decimal) int64 {
	if d == nil {
		return -1
	}
	return toMinor(*d)
}

func fromMinor(minor int64) string {
	return decimal.New(minor, -moneyExponent).StringFixed(moneyExponent)
}

// bindingError переводит ошибку gin-binding в ValidationError.
func bindingError(err error) error {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return domain.NewValidationError(domain.FieldError{Field: "body", Reason: "malformed JSON"})
	}

	fields := make([]domain.FieldError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields = append(fields, domain.FieldError{Field: fieldPath(fe), Reason: fieldReason(fe)})
	}
	return domain.NewValidationError(fields...)
}

// fieldPath отрезает имя корневой структуры: "CheckoutRequest.items[0].quantity" → "items[0].quantity".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if idx := strings.Index(ns, "."); idx >= 0 {
		return ns[idx+1:]
	}
	return ns
}

func fieldReason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "email":
		return "must be a valid email"
	case "money":
		return "must be a non-negative amount with at most 2 decimal places"
	case "gt":
		return "must be greater than " + fe.Param()
	case "min":
		return "must have at least " + fe.Param() + " entries"
	case "max":
		return "must be at most " + fe.Param()
	case "lte":
		return "must be at most " + fe.Param()
	case "len":
		return "must have length " + fe.Param()
	default:
		return "failed " + fe.Tag()
	}
}

// QuoteLineResponse: пересчитанная позиция.
type QuoteLineResponse struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// QuoteResponse: серверный пересчёт корзины.
type QuoteResponse struct {
	Currency   string              `json:"currency"`
	Lines      []QuoteLineResponse `json:"lines"`
	Total      string              `json:"total"`
	TotalMinor int64               `json:"total_minor"`
}

// CheckoutResponse: ответ POST /checkout.
type CheckoutResponse struct {
	CheckoutSessionID string        `json:"checkout_session_id"`
	PaymentIntentID   string        `json:"payment_intent_id"`
	ClientSecret      string        `json:"client_secret"`
	IdempotencyKey    string        `json:"idempotency_key"`
	Status            string        `json:"status"`
	Quote             QuoteResponse `json:"quote"`
}

func newCheckoutResponse(result checkout.IntentResult) CheckoutResponse {
	return CheckoutResponse{
		CheckoutSessionID: result.Quote.CheckoutSessionID,
		PaymentIntentID:   result.IntentID,
		ClientSecret:      result.ClientSecret,
		IdempotencyKey:    result.IdempotencyKey,
		Status:            string(result.Status),
		Quote:             newQuoteResponse(result.Quote),
	}
}

func newQuoteResponse(quote domain.PriceQuote) QuoteResponse {
	lines := make([]QuoteLineResponse, 0, len(quote.Lines))
	for _, line := range quote.Lines {
		lines = append(lines, QuoteLineResponse{
			ProductID: line.ProductID,
			Name:      line.Name,
			Quantity:  line.Quantity,
			UnitPrice: fromMinor(line.UnitPriceMinor),
			LineTotal: fromMinor(line.LineTotalMinor),
		})
	}
	return QuoteResponse{
		Currency:   quote.Currency,
		Lines:      lines,
		Total:      fromMinor(quote.TotalMinor),
		TotalMinor: quote.TotalMinor,
	}
}

// OrderItemResponse: позиция заказа.
type OrderItemResponse struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int32  `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

// TimelineEntryResponse: событие жизненного цикла заказа.
type TimelineEntryResponse struct {
	Type     string    `json:"type"`
	Reason   string    `json:"reason,omitempty"`
	Occurred time.Time `json:"occurred"`
}

// OrderResponse: заказ в ответах API.
type OrderResponse struct {
	ID              string                  `json:"id"`
	PaymentRef      string                  `json:"payment_ref"`
	Status          string                  `json:"status"`
	Currency        string                  `json:"currency"`
	Total           string                  `json:"total"`
	AmountMinor     int64                   `json:"amount_minor"`
	CustomerEmail   string                  `json:"customer_email"`
	ShippingAddress domain.ShippingAddress  `json:"shipping_address"`
	Items           []OrderItemResponse     `json:"items"`
	Timeline        []TimelineEntryResponse `json:"timeline,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}

func newOrderResponse(order domain.Order, timeline []domain.TimelineEvent) OrderResponse {
	items := make([]OrderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemResponse{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: fromMinor(item.PriceMinor),
		})
	}

	var entries []TimelineEntryResponse
	for _, ev := range timeline {
		entries = append(entries, TimelineEntryResponse{Type: ev.Type, Reason: ev.Reason, Occurred: ev.Occurred})
	}

	return OrderResponse{
		ID:              order.ID,
		PaymentRef:      order.PaymentRef,
		Status:          string(order.Status),
		Currency:        order.Currency,
		Total:           fromMinor(order.AmountMinor),
		AmountMinor:     order.AmountMinor,
		CustomerEmail:   order.CustomerEmail,
		ShippingAddress: order.ShippingAddress,
		Items:           items,
		Timeline:        entries,
		CreatedAt:       order.CreatedAt,
	}
}

// ConfirmResponse: ответ POST /checkout/confirm.
type ConfirmResponse struct {
	Created bool          `json:"created"`
	Order   OrderResponse `json:"order"`
}

// WebhookResponse: ответ на доставку события процессора.
type WebhookResponse struct {
	Outcome string `json:"outcome"`
}
