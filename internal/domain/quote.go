package domain

// QuoteLine — позиция, пересчитанная по актуальному каталогу.
type QuoteLine struct {
	ProductID      int64  `json:"product_id"`
	Name           string `json:"name"`
	Quantity       int32  `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	LineTotalMinor int64  `json:"line_total_minor"`
}

// PriceQuote — серверный пересчёт корзины. TotalMinor никогда не берётся у клиента.
type PriceQuote struct {
	CheckoutSessionID string          `json:"checkout_session_id"`
	CustomerEmail     string          `json:"customer_email"`
	ShippingAddress   ShippingAddress `json:"shipping_address"`
	Currency          string          `json:"currency"`
	Lines             []QuoteLine     `json:"lines"`
	TotalMinor        int64           `json:"total_minor"`
}

// SumLines возвращает сумму LineTotalMinor по всем позициям.
func (q PriceQuote) SumLines() int64 {
	var total int64
	for _, line := range q.Lines {
		total += line.LineTotalMinor
	}
	return total
}

// Clone возвращает копию без общих слайсов.
func (q PriceQuote) Clone() PriceQuote {
	dst := q
	dst.Lines = append([]QuoteLine(nil), q.Lines...)
	return dst
}
