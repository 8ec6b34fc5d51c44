package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

type queuePublisher interface {
	PublishJSON(ctx context.Context, payload any) (string, error)
}

// Service accepts purchase requests and feeds them into the pipeline.
type Service interface {
	CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error)
}

// CreateOrderInput is a buyer's purchase request.
type CreateOrderInput struct {
	AccountID        int64 `json:"accountId" validate:"required,gt=0"`
	ProductVariantID int64 `json:"productVariantId" validate:"required,gt=0"`
	Quantity         int   `json:"quantity" validate:"required,gt=0"`
}

type service struct {
	repo      Repository
	catalog   catalog.Repository
	publisher queuePublisher
	validate  *validator.Validate
	logg      *logger.Logger
}

// NewService wires the order intake service.
func NewService(repo Repository, catalogRepo catalog.Repository, publisher queuePublisher, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	if catalogRepo == nil {
		return nil, fmt.Errorf("catalog repository required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("order queue publisher required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &service{
		repo:      repo,
		catalog:   catalogRepo,
		publisher: publisher,
		validate:  validator.New(),
		logg:      logg,
	}, nil
}

// CreateOrder validates and prices the request, persists a pending order and
// hands it to the order queue. The stock check is advisory: nothing is
// reserved, and fulfillment rechecks against the live pool before allocating.
func (s *service) CreateOrder(ctx context.Context, input CreateOrderInput) (*models.Order, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid purchase request")
	}

	variant, err := s.catalog.FindVariant(ctx, input.ProductVariantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product variant not found")
		}
		return nil, fmt.Errorf("loading variant: %w", err)
	}

	if variant.Stock < input.Quantity {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "insufficient stock")
	}

	totalPrice := variant.Price.Mul(decimal.NewFromInt(int64(input.Quantity)))
	order := &models.Order{
		AccountID:        input.AccountID,
		ProductVariantID: variant.ID,
		Quantity:         input.Quantity,
		UnitPrice:        variant.Price,
		TotalPrice:       totalPrice,
		Status:           enums.OrderStatusPending,
	}
	if _, err := s.repo.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("creating order: %w", err)
	}

	logCtx := s.logg.WithOrderID(ctx, order.ID)
	msg := queue.OrderMessage{
		OrderID:          order.ID,
		AccountID:        order.AccountID,
		ProductVariantID: order.ProductVariantID,
		Quantity:         order.Quantity,
		TotalPrice:       order.TotalPrice,
	}
	if _, err := s.publisher.PublishJSON(ctx, msg); err != nil {
		// The order stays pending; a later resubmission or sweep can republish.
		s.logg.Error(logCtx, "failed to publish order message", err)
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "order queue unavailable")
	}

	s.logg.Info(logCtx, "order accepted")
	return order, nil
}
