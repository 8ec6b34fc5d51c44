package main

import (
	"context"
	"errors"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/internal/credentials"
	"github.com/quangdang/credmarket-backend/internal/fulfillment"
	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/internal/orders"
	"github.com/quangdang/credmarket-backend/internal/settlement"
	"github.com/quangdang/credmarket-backend/pkg/config"
	"github.com/quangdang/credmarket-backend/pkg/db"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/metrics"
	"github.com/quangdang/credmarket-backend/pkg/migrate"
	"github.com/quangdang/credmarket-backend/pkg/pubsub"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "worker"

	logg = logger.New(logger.Options{
		ServiceName: "worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	pubsubClient, err := pubsub.NewClient(context.Background(), cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap pubsub", err)
		os.Exit(1)
	}
	defer func() {
		if err := pubsubClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing pubsub", err)
		}
	}()

	paymentsPublisher, err := queue.NewPublisher(pubsubClient.PaymentsPublisher())
	if err != nil {
		logg.Error(context.Background(), "failed to create payments publisher", err)
		os.Exit(1)
	}

	ordersRepo := orders.NewRepository(dbClient.DB())
	catalogRepo := catalog.NewRepository(dbClient.DB())
	credentialsRepo := credentials.NewRepository(dbClient.DB())
	ledgerRepo := ledger.NewRepository(dbClient.DB())

	allocator, err := credentials.NewAllocator(credentialsRepo, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to create allocator", err)
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)

	fulfillmentConsumer, err := fulfillment.NewConsumer(fulfillment.Params{
		Orders:       ordersRepo,
		Catalog:      catalogRepo,
		Allocator:    allocator,
		Payments:     paymentsPublisher,
		Subscription: pubsubClient.OrdersSubscription(),
		Logger:       logg,
		Metrics:      pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create fulfillment consumer", err)
		os.Exit(1)
	}

	settlementConsumer, err := settlement.NewConsumer(settlement.Params{
		Tx:           dbClient,
		Orders:       ordersRepo,
		Ledger:       ledgerRepo,
		Catalog:      catalogRepo,
		Credentials:  credentialsRepo,
		Subscription: pubsubClient.PaymentsSubscription(),
		Logger:       logg,
		Metrics:      pipelineMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create settlement consumer", err)
		os.Exit(1)
	}

	service, err := NewService(ServiceParams{
		Config:              cfg,
		Logger:              logg,
		DB:                  dbClient,
		PubSub:              pubsubClient,
		FulfillmentConsumer: fulfillmentConsumer,
		SettlementConsumer:  settlementConsumer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create worker service", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting pipeline worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "pipeline worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "pipeline worker shutting down gracefully")
}
