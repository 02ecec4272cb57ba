package checkout

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const idempotencyKeyPrefix = "checkout_"

// IdempotencyKey детерминированно выводит ключ из котировки: отсортированные позиции,
// сумма, валюта, email и checkout session id. Время в ключ не входит, поэтому повтор
// того же checkout получает тот же ключ, а новая сессия получает новый.
func IdempotencyKey(quote domain.PriceQuote) string {
	lines := append([]domain.QuoteLine(nil), quote.Lines...)
	sort.Slice(lines, func(i, j int) bool {
		a, b := lines[i], lines[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.UnitPriceMinor != b.UnitPriceMinor {
			return a.UnitPriceMinor < b.UnitPriceMinor
		}
		return a.Quantity < b.Quantity
	})

	var b strings.Builder
	b.WriteString("v1|")
	b.WriteString(strings.TrimSpace(quote.CheckoutSessionID))
	b.WriteByte('|')
	b.WriteString(domain.NormalizeEmail(quote.CustomerEmail))
	b.WriteByte('|')
	b.WriteString(strings.ToUpper(quote.Currency))
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(quote.TotalMinor, 10))
	for _, line := range lines {
		b.WriteByte('|')
		b.WriteString(strconv.FormatInt(line.ProductID, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(int64(line.Quantity), 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(line.UnitPriceMinor, 10))
	}

	sum := sha256.Sum256([]byte(b.String()))
	return idempotencyKeyPrefix + hex.EncodeToString(sum[:])
}
