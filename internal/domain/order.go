package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — зарезервировано под ручные заказы, checkout их не создаёт.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid — оплата подтверждена, заказ создан Order Writer.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed — оплата не прошла.
	OrderStatusFailed OrderStatus = "failed"
	// OrderStatusRefunded — деньги возвращены клиенту.
	OrderStatusRefunded OrderStatus = "refunded"
)

// OrderItem — копия позиции quote на момент оплаты, не ссылка на живой товар.
type OrderItem struct {
	ID        string
	ProductID int64
	Name      string
	Quantity  int32
	// PriceMinor — цена за единицу в минимальных денежных единицах.
	PriceMinor int64
	CreatedAt  time.Time
}

// Order агрегирует состояние заказа и его позиции.
type Order struct {
	ID string
	// PaymentRef — идентификатор подтверждённого intent; уникален среди заказов.
	PaymentRef      string
	Status          OrderStatus
	Currency        string
	AmountMinor     int64
	CustomerEmail   string
	ShippingAddress ShippingAddress
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if strings.TrimSpace(o.PaymentRef) == "" {
		errs = append(errs, ErrPaymentRefRequired)
	}
	if strings.TrimSpace(o.CustomerEmail) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.AmountMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var calc int64
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrItemQtyInvalid)
		}
		if item.PriceMinor < 0 {
			errs = append(errs, ErrItemPriceInvalid)
		}
		calc += int64(item.Quantity) * item.PriceMinor
	}
	if calc != o.AmountMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// Clone возвращает копию заказа без общих слайсов.
func (o Order) Clone() Order {
	dst := o
	dst.Items = append([]OrderItem(nil), o.Items...)
	return dst
}
