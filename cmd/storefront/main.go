package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

func main() {
	if err := run(); err != nil {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}
	log.Info("storefront остановлен")
}

func run() error {
	cfg, err := app.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	app.ConfigureLogging(cfg.Log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"http_addr":      cfg.Server.HTTPAddr,
		"grpc_addr":      cfg.Server.GRPCAddr,
		"metrics_addr":   cfg.Server.MetricsAddr,
		"storage_driver": cfg.Storage.Driver,
		"provider":       cfg.Payment.Provider,
		"build":          version.String(),
	}).Info("запускаем storefront")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
