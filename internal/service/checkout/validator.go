package checkout

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const defaultMaxConcurrentLookups = 8

// Validator пересчитывает корзину по авторитетному каталогу (Cart Snapshot Validator).
// Только чтение: никаких побочных эффектов.
type Validator struct {
	catalog       domain.CatalogReader
	currency      string
	tolerance     int64
	maxConcurrent int
	metrics       *metrics.CheckoutMetrics
	logger        *log.Entry
}

// NewValidator создаёт валидатор корзины.
func NewValidator(catalog domain.CatalogReader, cfg Config, m *metrics.CheckoutMetrics, logger *log.Entry) *Validator {
	if logger == nil {
		logger = log.New().WithField("component", "cart-validator")
	}
	maxConcurrent := cfg.MaxConcurrentLookups
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrentLookups
	}
	tolerance := cfg.PriceToleranceMinor
	if tolerance < 0 {
		tolerance = 0
	}
	return &Validator{
		catalog:       catalog,
		currency:      cfg.currency(),
		tolerance:     tolerance,
		maxConcurrent: maxConcurrent,
		metrics:       m,
		logger:        logger,
	}
}

// Quote проверяет корзину и возвращает серверную котировку.
// StaleCartError перечисляет все устаревшие позиции сразу; OutOfStockError проверяется
// по суммарному количеству на товар и только для товаров с учётом остатков.
func (v *Validator) Quote(ctx context.Context, cart domain.CartSnapshot) (domain.PriceQuote, error) {
	if fields := cart.Validate(); len(fields) > 0 {
		v.metrics.RecordQuote("invalid")
		return domain.PriceQuote{}, domain.NewValidationError(fields...)
	}

	products, err := v.loadProducts(ctx, cart.Lines)
	if err != nil {
		v.metrics.RecordQuote("error")
		return domain.PriceQuote{}, err
	}

	quote := domain.PriceQuote{
		CheckoutSessionID: cart.CheckoutSessionID,
		CustomerEmail:     domain.NormalizeEmail(cart.CustomerEmail),
		ShippingAddress:   cart.ShippingAddress,
		Currency:          v.currency,
		Lines:             make([]domain.QuoteLine, 0, len(cart.Lines)),
	}

	var mismatches []domain.PriceMismatch
	for _, line := range cart.Lines {
		product, ok := products[line.ProductID]
		switch {
		case !ok || !product.Active:
			mismatches = append(mismatches, domain.PriceMismatch{
				ProductID:         line.ProductID,
				ClaimedPriceMinor: line.ClaimedPriceMinor,
				Reason:            domain.MismatchUnavailable,
			})
			continue
		case product.Currency != v.currency:
			mismatches = append(mismatches, domain.PriceMismatch{
				ProductID:         line.ProductID,
				ClaimedPriceMinor: line.ClaimedPriceMinor,
				ActualPriceMinor:  product.PriceMinor,
				Reason:            domain.MismatchCurrency,
			})
			continue
		case absDiff(line.ClaimedPriceMinor, product.PriceMinor) > v.tolerance:
			mismatches = append(mismatches, domain.PriceMismatch{
				ProductID:         line.ProductID,
				ClaimedPriceMinor: line.ClaimedPriceMinor,
				ActualPriceMinor:  product.PriceMinor,
				Reason:            domain.MismatchPrice,
			})
			continue
		}

		quote.Lines = append(quote.Lines, domain.QuoteLine{
			ProductID:      product.ID,
			Name:           product.Name,
			Quantity:       line.Quantity,
			UnitPriceMinor: product.PriceMinor,
			LineTotalMinor: int64(line.Quantity) * product.PriceMinor,
		})
	}

	if len(mismatches) > 0 {
		v.metrics.RecordQuote("stale_cart")
		v.logger.WithFields(log.Fields{
			"checkout_session_id": cart.CheckoutSessionID,
			"stale_lines":         len(mismatches),
		}).Info("cart snapshot is stale")
		return domain.PriceQuote{}, &domain.StaleCartError{Mismatches: mismatches}
	}

	if err := checkStock(cart, products); err != nil {
		v.metrics.RecordQuote("out_of_stock")
		return domain.PriceQuote{}, err
	}

	quote.TotalMinor = quote.SumLines()
	v.metrics.RecordQuote("ok")
	return quote, nil
}

// loadProducts загружает уникальные товары корзины конкурентно с ограничением параллелизма.
// Отсутствующие товары просто не попадают в результат.
func (v *Validator) loadProducts(ctx context.Context, lines []domain.CartLine) (map[int64]domain.Product, error) {
	ids := make([]int64, 0, len(lines))
	seen := make(map[int64]struct{}, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}

	var (
		mu       sync.Mutex
		products = make(map[int64]domain.Product, len(ids))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.maxConcurrent)
	for _, id := range ids {
		g.Go(func() error {
			product, err := v.catalog.GetProduct(gctx, id)
			if err != nil {
				if errors.Is(err, domain.ErrProductNotFound) {
					return nil
				}
				return errors.Wrapf(err, "load product %d", id)
			}
			mu.Lock()
			products[id] = product
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return products, nil
}

func checkStock(cart domain.CartSnapshot, products map[int64]domain.Product) error {
	requested := cart.QuantitiesByProduct()
	ids := make([]int64, 0, len(requested))
	for id := range requested {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		product := products[id]
		if !product.Available(requested[id]) {
			return &domain.OutOfStockError{ProductID: id, Requested: requested[id], Available: product.Stock}
		}
	}
	return nil
}

func absDiff(a, b int64) int64 {
	if a > b {
		return a - b
	}
	return b - a
}
