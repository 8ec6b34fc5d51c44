package settlement

import (
	"context"
	"encoding/json"
	"errors"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/internal/credentials"
	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/internal/orders"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/metrics"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

const consumerName = "settlement"

const (
	failureProductMissing     = "product no longer exists"
	failureBuyerLedgerMissing = "buyer ledger account not found"
	failureInsufficientFunds  = "insufficient balance"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Consumer drains the payment queue: it charges the buyer, splits the proceeds
// between the platform and the seller and finalizes the order, all inside one
// database transaction.
type Consumer struct {
	tx           txRunner
	orders       orders.Repository
	ledger       ledger.Repository
	catalog      catalog.Repository
	credentials  credentials.Repository
	subscription *pubsub.Subscriber
	logg         *logger.Logger
	metrics      *metrics.PipelineMetrics
}

// Params collects the consumer's dependencies.
type Params struct {
	Tx           txRunner
	Orders       orders.Repository
	Ledger       ledger.Repository
	Catalog      catalog.Repository
	Credentials  credentials.Repository
	Subscription *pubsub.Subscriber
	Logger       *logger.Logger
	Metrics      *metrics.PipelineMetrics
}

// NewConsumer constructs the settlement consumer.
func NewConsumer(params Params) (*Consumer, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Orders == nil {
		return nil, errors.New("orders repository is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger repository is required")
	}
	if params.Catalog == nil {
		return nil, errors.New("catalog repository is required")
	}
	if params.Credentials == nil {
		return nil, errors.New("credentials repository is required")
	}
	if params.Subscription == nil {
		return nil, errors.New("payment subscription is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Consumer{
		tx:           params.Tx,
		orders:       params.Orders,
		ledger:       params.Ledger,
		catalog:      params.Catalog,
		credentials:  params.Credentials,
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
	paymentMsg, err := queue.DecodePaymentMessage(msg.Data)
	if err != nil {
		logCtx := c.logg.WithField(ctx, "message_id", msg.ID)
		c.logg.Error(logCtx, "dropping undecodable payment message", err)
		return processResult{ack: true, outcome: "dropped"}
	}

	logCtx := c.logg.WithOrderID(ctx, paymentMsg.OrderID)
	order, err := c.orders.FindByID(logCtx, paymentMsg.OrderID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.logg.Error(logCtx, "order referenced by payment message does not exist", err)
			return processResult{ack: true, outcome: "dropped"}
		}
		return c.retryOrDrop(logCtx, "failed to load order", err)
	}

	if order.Status.IsTerminal() {
		c.logg.Info(logCtx, "order already settled or failed, skipping")
		return processResult{ack: true, outcome: "skipped"}
	}

	if order.Variant == nil || order.Variant.Product == nil || order.Variant.Product.Shop == nil {
		return c.failOrder(logCtx, order.ID, failureProductMissing)
	}

	buyer, err := c.ledger.FindByUserID(logCtx, order.AccountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.failOrder(logCtx, order.ID, failureBuyerLedgerMissing)
		}
		return c.retryOrDrop(logCtx, "failed to load buyer ledger account", err)
	}

	// The wire amount is what the buyer is charged; fulfillment publishes the
	// order total there.
	amount := paymentMsg.Amount
	if buyer.Balance.LessThan(amount) {
		return c.failOrder(logCtx, order.ID, failureInsufficientFunds)
	}

	feeFraction, err := c.catalog.PlatformFeeFraction(logCtx)
	if err != nil {
		return c.retryOrDrop(logCtx, "failed to load platform fee", err)
	}
	feeAmount := amount.Mul(feeFraction).Round(2)
	sellerAmount := amount.Sub(feeAmount)

	if err := c.settle(logCtx, order, buyer, amount, feeAmount, sellerAmount); err != nil {
		return c.retryOrDrop(logCtx, "settlement transaction failed", err)
	}

	c.logg.Info(logCtx, "order settled")
	return processResult{ack: true, outcome: "processed"}
}

// settle performs the three-way transfer and the order finalization in a single
// transaction. A missing admin or seller ledger account does not abort the
// settlement; that leg of the transfer is skipped with a warning and the money
// effectively vanishes from the buyer's side.
func (c *Consumer) settle(ctx context.Context, order *models.Order, buyer *models.LedgerAccount, amount, feeAmount, sellerAmount decimal.Decimal) error {
	return c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		ledgerRepo := c.ledger.WithTx(tx)
		ordersRepo := c.orders.WithTx(tx)
		catalogRepo := c.catalog.WithTx(tx)
		credentialsRepo := c.credentials.WithTx(tx)

		if err := ledgerRepo.AddToBalance(ctx, buyer.ID, amount.Neg()); err != nil {
			return err
		}

		admin, err := ledgerRepo.FindFirstByRole(ctx, enums.AccountRoleAdmin)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.logg.Warn(ctx, "no admin ledger account, skipping platform fee credit")
		case err != nil:
			return err
		default:
			if err := ledgerRepo.AddToBalance(ctx, admin.ID, feeAmount); err != nil {
				return err
			}
		}

		seller, err := ledgerRepo.FindByUserID(ctx, order.Variant.Product.Shop.OwnerAccountID)
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			c.logg.Warn(ctx, "no seller ledger account, skipping seller credit")
		case err != nil:
			return err
		default:
			if err := ledgerRepo.AddToBalance(ctx, seller.ID, sellerAmount); err != nil {
				return err
			}
		}

		if err := ordersRepo.MarkCompleted(ctx, order.ID); err != nil {
			return err
		}
		if err := catalogRepo.DecrementStock(ctx, order.ProductVariantID, order.Quantity); err != nil {
			return err
		}

		return c.markUnitsSold(ctx, credentialsRepo, order)
	})
}

// markUnitsSold flips the sold flag on every unit in the order payload. Units
// that are already sold were double-allocated by a concurrent order; the
// collision is logged but the settlement proceeds.
func (c *Consumer) markUnitsSold(ctx context.Context, repo credentials.Repository, order *models.Order) error {
	ids, err := payloadUnitIDs(order.Payload)
	if err != nil {
		return err
	}
	units, err := repo.FindByIDs(ctx, ids)
	if err != nil {
		return err
	}
	for _, unit := range units {
		if unit.Sold {
			logCtx := c.logg.WithField(ctx, "unit_id", unit.ID)
			c.logg.Warn(logCtx, "credential unit was already sold to another order")
			continue
		}
		if err := repo.MarkSold(ctx, unit.ID); err != nil {
			return err
		}
	}
	return nil
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
	c.logg.Warn(logCtx, "order failed during settlement")
	return processResult{ack: true, outcome: "failed"}
}

func payloadUnitIDs(payload json.RawMessage) ([]int64, error) {
	var items []models.OrderPayloadItem
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.StorageUnitID)
	}
	return ids, nil
}
