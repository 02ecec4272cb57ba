package domain

import "time"

// Product — read-модель товара из каталога; единственный источник цены и остатка.
type Product struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	PriceMinor int64     `json:"price_minor"`
	Currency   string    `json:"currency"`
	Stock      int64     `json:"stock"`
	TrackStock bool      `json:"track_stock"`
	Active     bool      `json:"active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Available сообщает, можно ли продать qty единиц товара.
func (p Product) Available(qty int64) bool {
	if !p.TrackStock {
		return true
	}
	return p.Stock >= qty
}
