package app

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
)

// ReconcileOnce делает один проход сверки без запуска серверов и воркеров.
// repair включает auto-repair независимо от RECONCILE_AUTO_REPAIR.
func ReconcileOnce(ctx context.Context, cfg Config, repair bool, now time.Time) (reconcile.Report, error) {
	if err := cfg.Validate(); err != nil {
		return reconcile.Report{}, err
	}
	logger := log.WithField("component", "reconcile-cli")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return reconcile.Report{}, err
	}
	defer deps.Close(logger)

	provider, err := newPaymentProvider(cfg.Payment, logger)
	if err != nil {
		return reconcile.Report{}, err
	}
	m := metrics.NewCheckoutMetrics()
	svc, coordinator := buildCheckout(cfg, deps, provider, m, logger)

	reconcileCfg := cfg.Reconcile
	reconcileCfg.AutoRepair = reconcileCfg.AutoRepair || repair
	worker := newReconcileWorker(reconcileCfg, deps, coordinator, svc, m, logger)
	return worker.Report(ctx, now), nil
}

// IssueToken выпускает bearer-токен тем же секретом, что проверяет API.
func IssueToken(cfg AuthConfig, email, role string) (string, error) {
	tokens, err := httpapi.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return "", errors.Wrap(err, "create token service")
	}
	return tokens.Issue(email, role)
}
