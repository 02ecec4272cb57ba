// Package app собирает процесс storefront: хранилища, платёжный провайдер,
// checkout-сервис, webhook, фоновые воркеры и HTTP/gRPC серверы.
package app

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/notify"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/eventledger"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment/stripepay"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/service/webhook"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const (
	grpcStopTimeout   = 5 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// application: собранный граф зависимостей без запущенных серверов.
type application struct {
	cfg    Config
	logger *log.Entry

	deps      *runtimeDependencies
	messaging *messaging
	metrics   *metrics.CheckoutMetrics
	provider  domain.PaymentProvider

	checkout   *checkout.Service
	webhooks   *webhook.Reconciler
	reconciler *reconcile.Worker
	outbox     *outbox.Worker
	ledger     *eventledger.CleanupWorker
	tokens     *httpapi.TokenService

	health *health.Handler
	router *gin.Engine
}

func newPaymentProvider(cfg PaymentConfig, logger *log.Entry) (domain.PaymentProvider, error) {
	switch cfg.Provider {
	case "", PaymentProviderFake:
		logger.Warn("using fake payment provider, no real charges are made")
		return payment.NewFakeProvider(), nil
	case PaymentProviderStripe:
		provider, err := stripepay.NewProvider(stripepay.Config{
			SecretKey: cfg.StripeSecretKey,
			APIURL:    cfg.StripeAPIURL,
			Timeout:   cfg.Timeout,
		}, logger.WithField("component", "stripe-provider"))
		if err != nil {
			return nil, errors.Wrap(err, "create stripe provider")
		}
		return provider, nil
	default:
		return nil, errors.Newf("unsupported payment provider %q", cfg.Provider)
	}
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a := &application{cfg: cfg, logger: logger, deps: deps}
	if err := a.build(ctx); err != nil {
		deps.Close(logger)
		return nil, err
	}
	return a, nil
}

func (a *application) build(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger

	if cfg.SeedDemoCatalog {
		if cfg.Storage.Driver != StorageDriverMemory {
			logger.Warn("demo catalog seeding is only available for memory storage")
		} else if err := seedDemoCatalog(ctx, a.deps.catalogReader, cfg.Checkout.Currency, logger); err != nil {
			return err
		}
	}

	provider, err := newPaymentProvider(cfg.Payment, logger)
	if err != nil {
		return err
	}
	a.provider = provider
	a.metrics = metrics.NewCheckoutMetrics()

	var coordinator *checkout.Coordinator
	a.checkout, coordinator = buildCheckout(cfg, a.deps, provider, a.metrics, logger)

	parser, err := stripepay.NewEventParser(cfg.Webhook.Secret, cfg.Webhook.Tolerance)
	if err != nil {
		return errors.Wrap(err, "create webhook parser")
	}
	a.webhooks = webhook.NewReconciler(parser, a.deps.events, a.deps.attempts, a.checkout, a.metrics,
		webhook.WithLogger(logger.WithField("component", "webhook-reconciler")),
		webhook.WithEventTTL(cfg.Webhook.EventTTL),
		webhook.WithProcessingLease(cfg.Webhook.ProcessingLease),
	)

	a.reconciler = newReconcileWorker(cfg.Reconcile, a.deps, coordinator, a.checkout, a.metrics, logger)

	notifier := notify.NewOrderPaidHandler(newSender(cfg.SMTP, logger), logger.WithField("component", "order-paid-notifier"))
	a.messaging = initMessaging(cfg.Kafka, notifier, logger)

	outboxOpts := []outbox.Option{
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithMaxAttempts(cfg.Outbox.MaxAttempts),
		outbox.WithRetryBaseDelay(cfg.Outbox.RetryDelay),
	}
	if a.messaging.dlq != nil {
		outboxOpts = append(outboxOpts, outbox.WithDLQPublisher(a.messaging.dlq))
	}
	a.outbox = outbox.NewWorker(a.deps.outbox, a.messaging.publisher, outboxOpts...)

	a.ledger = eventledger.NewCleanupWorker(a.deps.events,
		eventledger.WithLogger(logger.WithField("component", "webhook-ledger-cleanup")),
		eventledger.WithInterval(cfg.Ledger.CleanupInterval),
		eventledger.WithBatchSize(cfg.Ledger.CleanupBatchSize),
	)

	a.tokens, err = httpapi.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return errors.Wrap(err, "create token service")
	}

	a.health = health.NewHandler(version.GetVersion())
	a.deps.registerHealthCheckers(a.health)

	if logger.Logger.IsLevelEnabled(log.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := httpapi.NewHandler(a.checkout, a.webhooks, a.reconciler, cfg.Webhook.SignatureHeader, logger.WithField("component", "http-api"))
	auth := httpapi.NewAuthMiddleware(a.tokens, logger.WithField("component", "http-auth"))
	a.router, err = httpapi.NewRouter(handler, auth, a.health, logger.WithField("component", "http"))
	if err != nil {
		return errors.Wrap(err, "build http router")
	}
	return nil
}

// buildCheckout собирает validator, coordinator и order writer в checkout.Service.
// Валидатор читает каталог через кэш, order writer всегда идёт в хранилище.
func buildCheckout(cfg Config, deps *runtimeDependencies, provider domain.PaymentProvider, m *metrics.CheckoutMetrics, logger *log.Entry) (*checkout.Service, *checkout.Coordinator) {
	checkoutCfg := checkout.Config{
		Currency:             cfg.Checkout.Currency,
		PriceToleranceMinor:  cfg.Checkout.PriceToleranceMinor,
		MaxConcurrentLookups: cfg.Checkout.MaxConcurrentLookups,
		ProviderTimeout:      cfg.Payment.Timeout,
	}
	validator := checkout.NewValidator(deps.catalogReader, checkoutCfg, m, logger.WithField("component", "cart-validator"))
	coordinator := checkout.NewCoordinator(provider, deps.attempts, checkoutCfg, m, logger.WithField("component", "payment-coordinator"))
	writer := checkout.NewOrderWriter(deps.orders, deps.timeline, deps.catalog, m, logger.WithField("component", "order-writer"))
	svc := checkout.NewService(validator, coordinator, writer, deps.attempts, deps.orders, deps.timeline, logger.WithField("component", "checkout"))
	return svc, coordinator
}

func newReconcileWorker(
	cfg ReconcileConfig,
	deps *runtimeDependencies,
	coordinator *checkout.Coordinator,
	svc *checkout.Service,
	m *metrics.CheckoutMetrics,
	logger *log.Entry,
) *reconcile.Worker {
	return reconcile.NewWorker(deps.attempts, coordinator, svc, m,
		reconcile.WithLogger(logger.WithField("component", "reconcile-worker")),
		reconcile.WithInterval(cfg.Interval),
		reconcile.WithGracePeriod(cfg.GracePeriod),
		reconcile.WithFailedLookback(cfg.FailedLookback),
		reconcile.WithAutoRepair(cfg.AutoRepair),
	)
}

// startWorkers запускает фоновые циклы; они завершаются по ctx.
func (a *application) startWorkers(ctx context.Context, wg *sync.WaitGroup) {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	a.messaging.start(ctx, a.logger)
	run(a.outbox.Run)
	run(a.ledger.Run)
	if a.cfg.Reconcile.Enabled {
		run(a.reconciler.Run)
	} else {
		a.logger.Info("reconciliation worker disabled")
	}
}

func (a *application) close() {
	a.messaging.close(a.logger)
	a.deps.Close(a.logger)
}

// Run запускает сервис и блокируется до отмены ctx или падения сервера.
// При отмене возвращает ctx.Err().
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.WithField("component", "app")
	logger.WithFields(log.Fields{
		"version": version.GetVersion(),
		"commit":  version.GetCommit(),
	}).Info("starting storefront")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	grpcLis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return errors.Wrapf(err, "listen grpc %s", cfg.Server.GRPCAddr)
	}
	httpLis, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		_ = grpcLis.Close()
		return errors.Wrapf(err, "listen http %s", cfg.Server.HTTPAddr)
	}

	grpcServer, grpcHealth := newGRPCServer(logger)
	httpSrv := &http.Server{Handler: a.router, ReadHeaderTimeout: readHeaderTimeout}
	metricsSrv := startMetricsServer(ctx, cfg.Server.MetricsAddr, logger, a.health)

	workersCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	var workers sync.WaitGroup
	a.startWorkers(workersCtx, &workers)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		errCh <- httpSrv.Serve(httpLis)
	}()

	var result error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		result = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, grpc.ErrServerStopped) {
			logger.WithError(err).Error("server failed")
			result = err
		}
	}

	// Сначала перестаём принимать запросы, затем гасим воркеры: незавершённый outbox дочитается после рестарта.
	grpcHealth.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	shutdownHTTP(httpSrv, cfg.Server.ShutdownTimeout, logger)
	stopGRPC(grpcServer, logger)
	shutdownHTTP(metricsSrv, cfg.Server.ShutdownTimeout, logger)
	stopWorkers()
	workers.Wait()
	logger.Info("storefront stopped")
	return result
}

// newGRPCServer поднимает служебный gRPC: health, reflection и метрики.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *grpchealth.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*promgrpc.ServerMetrics); ok {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := grpchealth.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return server, healthServer
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и пробы здоровья.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *health.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)
	mux.HandleFunc("/livez", health.LivenessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, 0, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if srv == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
