package domain_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func paidOrder() domain.Order {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:            "ord_1",
		PaymentRef:    "pi_1",
		Status:        domain.OrderStatusPaid,
		Currency:      "USD",
		AmountMinor:   5998,
		CustomerEmail: "buyer@example.com",
		Items: []domain.OrderItem{
			{ID: "itm_1", ProductID: 1, Name: "Ceramic Mug", Quantity: 2, PriceMinor: 2999, CreatedAt: at},
		},
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestOrder_ValidateInvariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(o *domain.Order)
		want   []error
	}{
		{name: "valid", mutate: func(*domain.Order) {}},
		{
			name:   "blank payment ref",
			mutate: func(o *domain.Order) { o.PaymentRef = "  " },
			want:   []error{domain.ErrPaymentRefRequired},
		},
		{
			name:   "no customer",
			mutate: func(o *domain.Order) { o.CustomerEmail = "" },
			want:   []error{domain.ErrCustomerRequired},
		},
		{
			name:   "no currency",
			mutate: func(o *domain.Order) { o.Currency = "" },
			want:   []error{domain.ErrCurrencyRequired},
		},
		{
			name:   "no items",
			mutate: func(o *domain.Order) { o.Items, o.AmountMinor = nil, 0 },
			want:   []error{domain.ErrItemsRequired},
		},
		{
			name:   "negative amount",
			mutate: func(o *domain.Order) { o.AmountMinor = -1 },
			want:   []error{domain.ErrAmountNegative, domain.ErrAmountMismatch},
		},
		{
			name:   "zero quantity",
			mutate: func(o *domain.Order) { o.Items[0].Quantity = 0 },
			want:   []error{domain.ErrItemQtyInvalid, domain.ErrAmountMismatch},
		},
		{
			name:   "negative unit price",
			mutate: func(o *domain.Order) { o.Items[0].PriceMinor = -5 },
			want:   []error{domain.ErrItemPriceInvalid, domain.ErrAmountMismatch},
		},
		{
			name:   "total does not match lines",
			mutate: func(o *domain.Order) { o.AmountMinor = 999 },
			want:   []error{domain.ErrAmountMismatch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			order := paidOrder()
			tt.mutate(&order)

			errs := order.ValidateInvariants()
			require.Len(t, errs, len(tt.want), "got %v", errs)
			for i, want := range tt.want {
				assert.ErrorIs(t, errs[i], want)
			}
		})
	}
}

func TestOrder_CloneCopiesItems(t *testing.T) {
	t.Parallel()

	order := paidOrder()
	clone := order.Clone()
	clone.Items[0].Quantity = 10
	clone.Items = append(clone.Items, domain.OrderItem{ID: "itm_2"})

	assert.Equal(t, int32(2), order.Items[0].Quantity)
	assert.Len(t, order.Items, 1)
	assert.Equal(t, order.PaymentRef, clone.PaymentRef)
}
