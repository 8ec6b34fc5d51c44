package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quangdang/credmarket-backend/internal/deposits"
	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/pkg/bankfeed"
	"github.com/quangdang/credmarket-backend/pkg/config"
	"github.com/quangdang/credmarket-backend/pkg/db"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/metrics"
	"github.com/quangdang/credmarket-backend/pkg/migrate"
	"github.com/quangdang/credmarket-backend/pkg/redis"
)

const lockKeyFormat = "cm:reconciler:lock:%s"

func main() {
	logg := logger.New(logger.Options{ServiceName: "reconciler-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "reconciler-worker"

	logg = logger.New(logger.Options{
		ServiceName: "reconciler-worker",
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

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	feedClient, err := bankfeed.NewClient(cfg.BankFeed.BaseURL, cfg.BankFeed.APIKey)
	if err != nil {
		logg.Error(context.Background(), "failed to create bank feed client", err)
		os.Exit(1)
	}

	lock, err := deposits.NewRedisLock(redisClient, lockKey(cfg.App.Env), 0)
	if err != nil {
		logg.Error(context.Background(), "failed to create reconcile lock", err)
		os.Exit(1)
	}

	pipelineMetrics := metrics.NewPipelineMetrics(prometheus.DefaultRegisterer)
	reconciler, err := deposits.NewReconciler(deposits.Params{
		Tx:       dbClient,
		Repo:     deposits.NewRepository(dbClient.DB()),
		Ledger:   ledger.NewRepository(dbClient.DB()),
		Feed:     feedClient,
		BankFeed: cfg.BankFeed,
		Deposits: cfg.Deposits,
		Logger:   logg,
	}, lock, pipelineMetrics)
	if err != nil {
		logg.Error(context.Background(), "failed to create deposit reconciler", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})
	logg.Info(ctx, "starting deposit reconciler")

	if err := reconciler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "deposit reconciler stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "deposit reconciler shutting down gracefully")
}

func lockKey(env string) string {
	if env == "" {
		env = "local"
	}
	return fmt.Sprintf(lockKeyFormat, env)
}
