package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/internal/credentials"
	"github.com/quangdang/credmarket-backend/internal/orders"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/metrics"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

const consumerName = "fulfillment"

const (
	failureVariantMissing   = "product variant not found"
	failureInsufficientPool = "insufficient stock"
)

type queuePublisher interface {
	PublishJSON(ctx context.Context, payload any) (string, error)
}

type allocator interface {
	Allocate(ctx context.Context, variantID, orderID int64, quantity int) ([]credentials.AllocatedUnit, error)
}

// Consumer drains the order queue: it allocates credential units for each
// pending order and forwards the order to the payment queue.
type Consumer struct {
	orders       orders.Repository
	catalog      catalog.Repository
	allocator    allocator
	payments     queuePublisher
	subscription *pubsub.Subscriber
	logg         *logger.Logger
	metrics      *metrics.PipelineMetrics
}

// Params collects the consumer's dependencies.
type Params struct {
	Orders       orders.Repository
	Catalog      catalog.Repository
	Allocator    allocator
	Payments     queuePublisher
	Subscription *pubsub.Subscriber
	Logger       *logger.Logger
	Metrics      *metrics.PipelineMetrics
}

// NewConsumer constructs the fulfillment consumer.
func NewConsumer(params Params) (*Consumer, error) {
	if params.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog repository is required")
	}
	if params.Allocator == nil {
		return nil, errors.New("credential allocator is required")
	}
	if params.Payments == nil {
		return nil, errors.New("payment queue publisher is required")
	}
	if params.Subscription == nil {
		return nil, errors.New("order subscription is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		orders:       params.Orders,
		catalog:      params.Catalog,
		allocator:    params.Allocator,
		payments:     params.Payments,
		subscription: params.Subscription,
		logg:         params.Logger,
		metrics:      params.Metrics,
	}, nil
}

// Run processes messages until the context is canceled or the subscription errors.
func (c *Consumer) Run(ctx context.Context) error {
	return c.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := c.process(ctx, msg)
		c.metrics.IncConsumed(consumerName, result.outcome)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack     bool
	nack    bool
	outcome string
}

func (c *Consumer) process(ctx context.Context, msg *pubsub.Message) processResult {
	orderMsg, err := queue.DecodeOrderMessage(msg.Data)
	if err != nil {
		logCtx := c.logg.WithField(ctx, "message_id", msg.ID)
		c.logg.Error(logCtx, "dropping undecodable order message", err)
		return processResult{ack: true, outcome: "dropped"}
	}

	logCtx := c.logg.WithOrderID(ctx, orderMsg.OrderID)
	order, err := c.orders.FindByID(logCtx, orderMsg.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logg.Error(logCtx, "order referenced by queue message does not exist", err)
			return processResult{ack: true, outcome: "dropped"}
		}
		return c.retryOrDrop(logCtx, "failed to load order", err)
	}

	if order.Status.IsTerminal() {
		c.logg.Info(logCtx, "order already in terminal state, skipping")
		return processResult{ack: true, outcome: "skipped"}
	}

	// Redelivery after a crash between persisting the payload and publishing
	// the payment message: the units are already assigned, only the handoff to
	// settlement is missing.
	if order.Status == enums.OrderStatusProcessing && len(order.Payload) > 0 {
		if err := c.publishPayment(logCtx, order); err != nil {
			return c.retryOrDrop(logCtx, "failed to republish payment message", err)
		}
		c.logg.Info(logCtx, "republished payment message for processing order")
		return processResult{ack: true, outcome: "processed"}
	}

	variant, err := c.catalog.FindVariant(logCtx, order.ProductVariantID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.failOrder(logCtx, order.ID, failureVariantMissing)
		}
		return c.retryOrDrop(logCtx, "failed to load product variant", err)
	}

	if variant.Stock < order.Quantity {
		return c.failOrder(logCtx, order.ID, failureInsufficientPool)
	}

	allocated, err := c.allocator.Allocate(logCtx, variant.ID, order.ID, order.Quantity)
	if err != nil {
		if errors.Is(err, credentials.ErrInsufficientUnits) {
			return c.failOrder(logCtx, order.ID, failureInsufficientPool)
		}
		return c.retryOrDrop(logCtx, "credential allocation failed", err)
	}

	payload, err := buildPayload(allocated)
	if err != nil {
		return c.retryOrDrop(logCtx, "failed to encode order payload", err)
	}
	if err := c.orders.MarkProcessing(logCtx, order.ID, payload); err != nil {
		return c.retryOrDrop(logCtx, "failed to mark order processing", err)
	}

	if err := c.publishPayment(logCtx, order); err != nil {
		// The order stays processing with its payload; redelivery republishes.
		return c.retryOrDrop(logCtx, "failed to publish payment message", err)
	}

	c.logg.Info(logCtx, "order fulfilled, payment requested")
	return processResult{ack: true, outcome: "processed"}
}

// retryOrDrop maps an infrastructure error to a queue decision: retryable
// errors go back to the queue, terminal ones are acked so redelivery cannot
// loop on them.
func (c *Consumer) retryOrDrop(ctx context.Context, msg string, err error) processResult {
	c.logg.Error(ctx, msg, err)
	if pkgerrors.IsRetryable(err) {
		return processResult{nack: true, outcome: "retried"}
	}
	return processResult{ack: true, outcome: "dropped"}
}

func (c *Consumer) failOrder(ctx context.Context, orderID int64, reason string) processResult {
	if err := c.orders.MarkFailed(ctx, orderID, reason); err != nil {
		return c.retryOrDrop(ctx, "failed to mark order failed", err)
	}
	logCtx := c.logg.WithField(ctx, "failure_reason", reason)
	c.logg.Warn(logCtx, "order failed during fulfillment")
	return processResult{ack: true, outcome: "failed"}
}

func (c *Consumer) publishPayment(ctx context.Context, order *models.Order) error {
	msg := queue.PaymentMessage{
		OrderID:   order.ID,
		AccountID: order.AccountID,
		Amount:    order.TotalPrice,
	}
	if _, err := c.payments.PublishJSON(ctx, msg); err != nil {
		return fmt.Errorf("publishing payment message: %w", err)
	}
	return nil
}

func buildPayload(allocated []credentials.AllocatedUnit) (json.RawMessage, error) {
	items := make([]models.OrderPayloadItem, 0, len(allocated))
	for _, unit := range allocated {
		items = append(items, models.OrderPayloadItem{
			StorageUnitID: unit.UnitID,
			Username:      unit.Credential.Username,
			Password:      unit.Credential.Password,
		})
	}
	data, err := json.Marshal(items)
	if err != nil {
		return nil, fmt.Errorf("marshaling order payload: %w", err)
	}
	return data, nil
}
