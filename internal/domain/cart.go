package domain

import (
	"strings"
)

// MaxCartLines ограничивает размер корзины, принимаемой на checkout.
const MaxCartLines = 100

// ShippingAddress — адрес доставки, копируется в заказ как есть.
type ShippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// CartLine — позиция корзины в том виде, в котором её прислал клиент.
type CartLine struct {
	ProductID int64
	Quantity  int32
	// ClaimedPriceMinor — цена, которую видел клиент; сервер ей не доверяет.
	ClaimedPriceMinor int64
}

// CartSnapshot — эфемерный снимок корзины на время одной попытки checkout.
type CartSnapshot struct {
	CheckoutSessionID string
	CustomerEmail     string
	ShippingAddress   ShippingAddress
	Lines             []CartLine
}

// Validate проверяет структурные инварианты снимка и возвращает список нарушений.
func (s *CartSnapshot) Validate() []FieldError {
	var errs []FieldError

	if strings.TrimSpace(s.CheckoutSessionID) == "" {
		errs = append(errs, FieldError{Field: "checkout_session_id", Reason: "required"})
	}
	if strings.TrimSpace(s.CustomerEmail) == "" {
		errs = append(errs, FieldError{Field: "email", Reason: "required"})
	}
	if len(s.Lines) == 0 {
		errs = append(errs, FieldError{Field: "items", Reason: ErrItemsRequired.Error()})
	}
	if len(s.Lines) > MaxCartLines {
		errs = append(errs, FieldError{Field: "items", Reason: "too many items"})
	}

	for i, line := range s.Lines {
		if line.ProductID <= 0 {
			errs = append(errs, FieldError{Field: itemField(i, "product_id"), Reason: "must be positive"})
		}
		if line.Quantity <= 0 {
			errs = append(errs, FieldError{Field: itemField(i, "quantity"), Reason: ErrItemQtyInvalid.Error()})
		}
		if line.ClaimedPriceMinor < 0 {
			errs = append(errs, FieldError{Field: itemField(i, "unit_price"), Reason: ErrItemPriceInvalid.Error()})
		}
	}

	return errs
}

// QuantitiesByProduct суммирует количество по товару (одна позиция может повторяться).
func (s *CartSnapshot) QuantitiesByProduct() map[int64]int64 {
	result := make(map[int64]int64, len(s.Lines))
	for _, line := range s.Lines {
		result[line.ProductID] += int64(line.Quantity)
	}
	return result
}

// NormalizeEmail приводит email к каноничному виду для ключей и сравнения.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
