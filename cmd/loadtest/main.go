// Команда loadtest гоняет сценарии checkout против HTTP API витрины и печатает
// сводку по латентности и кодам ответов.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	modeCheckout        loadMode = "checkout"
	modeCheckoutRetry   loadMode = "checkout-retry"
	modeCheckoutConfirm loadMode = "checkout-confirm"
)

type config struct {
	baseURL     string
	total       int
	totalSet    bool
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	productID   int64
	quantity    int
	unitPrice   string
	customerTag string
	outputPath  string
}

func parseConfig(args []string) (config, error) {
	var (
		cfg       config
		modeValue string
	)

	fs := flag.NewFlagSet("loadtest", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "url", "http://localhost:8080", "storefront HTTP base URL")
	fs.IntVar(&cfg.total, "total", 400, "total scenarios to execute in count mode; in duration mode only used when explicitly set")
	fs.DurationVar(&cfg.duration, "duration", 0, "optional time-based run duration (e.g. 10m, 15m)")
	fs.IntVar(&cfg.concurrency, "concurrency", 40, "number of concurrent workers")
	fs.DurationVar(&cfg.timeout, "timeout", 5*time.Second, "per-request timeout")
	fs.StringVar(&modeValue, "mode", string(modeCheckout), "load mode: checkout | checkout-retry | checkout-confirm")
	fs.Int64Var(&cfg.productID, "product-id", 1, "catalog product id put into every cart")
	fs.IntVar(&cfg.quantity, "quantity", 1, "quantity per cart line")
	fs.StringVar(&cfg.unitPrice, "unit-price", "29.99", "unit price the cart claims, in major units")
	fs.StringVar(&cfg.customerTag, "customer-tag", "load", "guest email local-part prefix")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	fs.Visit(func(f *flag.Flag) {
		if f.Name == "total" {
			cfg.totalSet = true
		}
	})

	mode, err := parseMode(modeValue)
	if err != nil {
		return cfg, err
	}
	cfg.mode = mode
	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")

	switch {
	case cfg.baseURL == "":
		return cfg, errors.New("url is required")
	case cfg.duration < 0:
		return cfg, errors.New("duration must be >= 0")
	case cfg.duration == 0 && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when duration is not set")
	case cfg.duration > 0 && cfg.totalSet && cfg.total <= 0:
		return cfg, errors.New("total must be > 0 when explicitly set with duration")
	case cfg.concurrency <= 0:
		return cfg, errors.New("concurrency must be > 0")
	case cfg.timeout <= 0:
		return cfg, errors.New("timeout must be > 0")
	case cfg.productID <= 0:
		return cfg, errors.New("product-id must be > 0")
	case cfg.quantity <= 0:
		return cfg, errors.New("quantity must be > 0")
	case strings.TrimSpace(cfg.unitPrice) == "":
		return cfg, errors.New("unit-price is required")
	case strings.TrimSpace(cfg.customerTag) == "":
		return cfg, errors.New("customer-tag is required")
	}
	return cfg, nil
}

func parseMode(value string) (loadMode, error) {
	switch mode := loadMode(strings.TrimSpace(value)); mode {
	case modeCheckout, modeCheckoutRetry, modeCheckoutConfirm:
		return mode, nil
	default:
		return "", errors.Newf("unsupported mode: %s", value)
	}
}

func main() {
	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	result := runLoad(cfg, &http.Client{Timeout: cfg.timeout})
	printReport(os.Stdout, result, cfg)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.FailedScenarios > 0 {
		os.Exit(1)
	}
}

// runLoad раздаёт сценарии concurrency воркерам и сводит результат в отчёт.
func runLoad(cfg config, client *http.Client) report {
	startedAt := time.Now()
	runID := fmt.Sprintf("%d-%d", startedAt.UnixNano(), os.Getpid())
	col := newCollector()
	api := &apiClient{baseURL: cfg.baseURL, http: client, timeout: cfg.timeout, col: col}

	jobs := make(chan int, cfg.concurrency*2)
	var (
		failures atomic.Int64
		workers  errgroup.Group
	)
	for range cfg.concurrency {
		workers.Go(func() error {
			for id := range jobs {
				if runScenario(api, cfg, id, runID, col) != nil {
					failures.Add(1)
				}
			}
			return nil
		})
	}
	dispatchJobs(jobs, cfg)
	_ = workers.Wait()

	result := col.buildReport(startedAt, time.Since(startedAt))
	if n := failures.Load(); result.FailedScenarios == 0 && n > 0 {
		result.FailedScenarios = n
		result.ErrorRate = ratio(n, result.TotalScenarios)
	}
	return result
}

func dispatchJobs(jobs chan<- int, cfg config) {
	defer close(jobs)

	if cfg.duration <= 0 {
		for i := 0; i < cfg.total; i++ {
			jobs <- i
		}
		return
	}

	timer := time.NewTimer(cfg.duration)
	defer timer.Stop()

	for i := 0; ; i++ {
		if cfg.totalSet && i >= cfg.total {
			return
		}
		select {
		case <-timer.C:
			return
		case jobs <- i:
		}
	}
}

type cartItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}

type shippingAddress struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type checkoutRequest struct {
	CheckoutSessionID string          `json:"checkout_session_id"`
	Email             string          `json:"email"`
	ShippingAddress   shippingAddress `json:"shipping_address"`
	Items             []cartItem      `json:"items"`
}

type checkoutResponse struct {
	PaymentIntentID string `json:"payment_intent_id"`
	Status          string `json:"status"`
}

func buildCart(cfg config, index int, runID string) checkoutRequest {
	return checkoutRequest{
		CheckoutSessionID: fmt.Sprintf("lt-%s-%d", runID, index),
		Email:             fmt.Sprintf("%s-%d@loadtest.example.com", cfg.customerTag, index),
		ShippingAddress: shippingAddress{
			Name: "Load Test", Line1: "1 Bench St", City: "London", PostalCode: "N1 9GU", Country: "GB",
		},
		Items: []cartItem{{ProductID: cfg.productID, Quantity: cfg.quantity, UnitPrice: cfg.unitPrice}},
	}
}

func runScenario(api *apiClient, cfg config, index int, runID string, col *collector) (err error) {
	scenarioStart := time.Now()
	code := "ok"
	defer func() {
		col.record(scenarioName, time.Since(scenarioStart), code, err == nil)
	}()

	cart := buildCart(cfg, index, runID)
	first, status, err := api.checkout(cart)
	if err != nil {
		code = status
		return err
	}

	switch cfg.mode {
	case modeCheckoutRetry:
		// Повтор с той же корзиной обязан вернуть тот же intent.
		second, status, err := api.checkout(cart)
		if err != nil {
			code = status
			return err
		}
		if second.PaymentIntentID != first.PaymentIntentID {
			code = "intent_mismatch"
			return errors.Newf("retry returned intent %s, want %s", second.PaymentIntentID, first.PaymentIntentID)
		}
	case modeCheckoutConfirm:
		if status, err := api.confirm(first.PaymentIntentID); err != nil {
			code = status
			return err
		}
	}
	return nil
}

type apiClient struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	col     *collector
}

func (a *apiClient) checkout(req checkoutRequest) (checkoutResponse, string, error) {
	var resp checkoutResponse
	status, err := a.post("checkout", "/checkout", req, &resp, http.StatusCreated, http.StatusOK)
	if err != nil {
		return resp, status, err
	}
	if resp.PaymentIntentID == "" {
		return resp, "empty_intent", errors.New("checkout response returned empty payment intent id")
	}
	return resp, status, nil
}

// confirm считает 409 штатным исходом: без подтверждения у провайдера заказ не создаётся.
func (a *apiClient) confirm(intentID string) (string, error) {
	return a.post("confirm", "/checkout/confirm", map[string]string{"payment_intent_id": intentID}, nil,
		http.StatusOK, http.StatusConflict)
}

func (a *apiClient) post(method, path string, body, out any, expected ...int) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "marshal_error", errors.Wrap(err, "marshal request")
	}

	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "request_error", errors.Wrap(err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		a.col.record(method, time.Since(start), "transport_error", false)
		return "transport_error", errors.Wrapf(err, "%s %s", http.MethodPost, path)
	}
	defer resp.Body.Close()
	raw, readErr := io.ReadAll(resp.Body)
	latency := time.Since(start)

	status := strconv.Itoa(resp.StatusCode)
	if !slices.Contains(expected, resp.StatusCode) {
		a.col.record(method, latency, status, false)
		return status, errors.Newf("%s %s: unexpected status %d: %s", http.MethodPost, path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if readErr != nil {
		a.col.record(method, latency, "read_error", false)
		return "read_error", errors.Wrap(readErr, "read response")
	}
	if out != nil && resp.StatusCode < http.StatusMultipleChoices {
		if err := json.Unmarshal(raw, out); err != nil {
			a.col.record(method, latency, "decode_error", false)
			return "decode_error", errors.Wrap(err, "decode response")
		}
	}
	a.col.record(method, latency, status, true)
	return status, nil
}
