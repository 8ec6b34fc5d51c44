package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/quangdang/credmarket-backend/internal/fulfillment"
	"github.com/quangdang/credmarket-backend/internal/settlement"
	"github.com/quangdang/credmarket-backend/pkg/config"
	"github.com/quangdang/credmarket-backend/pkg/db"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/pubsub"
)

// ServiceParams collects the worker's wired dependencies.
type ServiceParams struct {
	Config              *config.Config
	Logger              *logger.Logger
	DB                  *db.Client
	PubSub              *pubsub.Client
	FulfillmentConsumer *fulfillment.Consumer
	SettlementConsumer  *settlement.Consumer
}

// Service runs the two pipeline consumers side by side.
type Service struct {
	cfg         *config.Config
	logg        *logger.Logger
	db          *db.Client
	pubsub      *pubsub.Client
	fulfillment *fulfillment.Consumer
	settlement  *settlement.Consumer
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.PubSub == nil {
		return nil, errors.New("pubsub client is required")
	}
	if params.FulfillmentConsumer == nil {
		return nil, errors.New("fulfillment consumer is required")
	}
	if params.SettlementConsumer == nil {
		return nil, errors.New("settlement consumer is required")
	}

	return &Service{
		cfg:         params.Config,
		logg:        params.Logger,
		db:          params.DB,
		pubsub:      params.PubSub,
		fulfillment: params.FulfillmentConsumer,
		settlement:  params.SettlementConsumer,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	if err := pingDependency(ctx, s.logg, "database", s.db.Ping); err != nil {
		return err
	}
	if err := pingDependency(ctx, s.logg, "pubsub", s.pubsub.Ping); err != nil {
		return err
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run blocks until the context is canceled or a consumer stops unexpectedly.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- s.fulfillment.Run(ctx)
	}()
	go func() {
		errCh <- s.settlement.Run(ctx)
	}()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "worker context canceled")
			return ctx.Err()
		case err := <-errCh:
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logg.Error(ctx, "consumer stopped unexpectedly", err)
				return err
			}
			return err
		}
	}
}
