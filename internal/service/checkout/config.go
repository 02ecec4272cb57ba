package checkout

import (
	"strings"
	"time"
)

const (
	defaultCurrency        = "USD"
	defaultProviderTimeout = 10 * time.Second
)

// Config: параметры checkout-потока.
type Config struct {
	// Currency: валюта магазина; товары в другой валюте считаются устаревшими позициями.
	Currency string
	// PriceToleranceMinor: допустимое расхождение заявленной цены, в минимальных единицах.
	PriceToleranceMinor int64
	// MaxConcurrentLookups ограничивает параллельные запросы к каталогу.
	MaxConcurrentLookups int
	// ProviderTimeout ограничивает каждый вызов платёжного провайдера.
	ProviderTimeout time.Duration
}

func (c Config) currency() string {
	currency := strings.ToUpper(strings.TrimSpace(c.Currency))
	if currency == "" {
		return defaultCurrency
	}
	return currency
}

func (c Config) providerTimeout() time.Duration {
	if c.ProviderTimeout <= 0 {
		return defaultProviderTimeout
	}
	return c.ProviderTimeout
}
