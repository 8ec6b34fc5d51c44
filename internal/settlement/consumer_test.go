package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/catalog"
	"github.com/quangdang/credmarket-backend/internal/credentials"
	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/internal/orders"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
	"github.com/quangdang/credmarket-backend/pkg/queue"
)

type brokenFeeCatalog struct {
	catalog.Repository
	err error
}

func (c brokenFeeCatalog) PlatformFeeFraction(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, c.err
}

func setupSettlementTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	// One shared-cache in-memory database per test so fixtures with fixed
	// user ids never collide across parallel tests.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id INTEGER NOT NULL UNIQUE,
  role TEXT NOT NULL DEFAULT 'buyer',
  balance NUMERIC NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS shops (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  owner_account_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS products (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  shop_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS product_variants (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  product_id INTEGER NOT NULL,
  name TEXT NOT NULL,
  price NUMERIC NOT NULL,
  stock INTEGER NOT NULL DEFAULT 0,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS credential_units (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  product_variant_id INTEGER NOT NULL,
  data TEXT NOT NULL,
  sold INTEGER NOT NULL DEFAULT 0,
  reserved_by_order_id INTEGER,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS orders (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  account_id INTEGER NOT NULL,
  product_variant_id INTEGER NOT NULL,
  quantity INTEGER NOT NULL,
  unit_price NUMERIC NOT NULL,
  total_price NUMERIC NOT NULL,
  payload TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  failure_reason TEXT,
  created_at DATETIME,
  updated_at DATETIME
);`,
		`CREATE TABLE IF NOT EXISTS system_configs (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL,
  updated_at DATETIME
);`,
	}
	for _, stmt := range statements {
		require.NoError(t, db.Exec(stmt).Error)
	}
	return db
}

type gormTxRunner struct {
	db *gorm.DB
}

func (r gormTxRunner) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return r.db.WithContext(ctx).Transaction(fn)
}

type settlementFixture struct {
	db       *gorm.DB
	consumer *Consumer
	order    *models.Order
	buyer    *models.LedgerAccount
	seller   *models.LedgerAccount
	admin    *models.LedgerAccount
	variant  *models.ProductVariant
	units    []models.CredentialUnit
}

type fixtureOptions struct {
	buyerBalance string
	withAdmin    bool
	withSeller   bool
	presoldUnit  bool
}

func buildFixture(t *testing.T, opts fixtureOptions) *settlementFixture {
	t.Helper()
	db := setupSettlementTestDB(t)

	buyer := &models.LedgerAccount{UserID: 10, Role: enums.AccountRoleBuyer, Balance: decimal.RequireFromString(opts.buyerBalance)}
	require.NoError(t, db.Create(buyer).Error)

	var admin, seller *models.LedgerAccount
	if opts.withAdmin {
		admin = &models.LedgerAccount{UserID: 1, Role: enums.AccountRoleAdmin, Balance: decimal.Zero}
		require.NoError(t, db.Create(admin).Error)
	}
	sellerUserID := int64(20)
	if opts.withSeller {
		seller = &models.LedgerAccount{UserID: sellerUserID, Role: enums.AccountRoleSeller, Balance: decimal.Zero}
		require.NoError(t, db.Create(seller).Error)
	}

	shop := &models.Shop{OwnerAccountID: sellerUserID, Name: "shop"}
	require.NoError(t, db.Create(shop).Error)
	product := &models.Product{ShopID: shop.ID, Name: "product"}
	require.NoError(t, db.Create(product).Error)
	variant := &models.ProductVariant{ProductID: product.ID, Name: "variant", Price: decimal.RequireFromString("50000"), Stock: 5}
	require.NoError(t, db.Create(variant).Error)

	units := []models.CredentialUnit{
		{ProductVariantID: variant.ID, Data: json.RawMessage(`{"username":"a","password":"p"}`)},
		{ProductVariantID: variant.ID, Data: json.RawMessage(`{"username":"b","password":"p"}`)},
		{ProductVariantID: variant.ID, Data: json.RawMessage(`{"username":"c","password":"p"}`), Sold: opts.presoldUnit},
	}
	for i := range units {
		require.NoError(t, db.Create(&units[i]).Error)
	}

	payload, err := json.Marshal([]models.OrderPayloadItem{
		{StorageUnitID: units[0].ID, Username: "a", Password: "p"},
		{StorageUnitID: units[1].ID, Username: "b", Password: "p"},
		{StorageUnitID: units[2].ID, Username: "c", Password: "p"},
	})
	require.NoError(t, err)

	order := &models.Order{
		AccountID:        buyer.UserID,
		ProductVariantID: variant.ID,
		Quantity:         3,
		UnitPrice:        decimal.RequireFromString("50000"),
		TotalPrice:       decimal.RequireFromString("150000"),
		Payload:          payload,
		Status:           enums.OrderStatusProcessing,
	}
	require.NoError(t, db.Create(order).Error)

	require.NoError(t, db.Create(&models.SystemConfig{
		Key:   models.SystemConfigKeyPlatformFee,
		Value: "0.05",
	}).Error)

	logg := logger.New(logger.Options{ServiceName: "test"})
	consumer, err := NewConsumer(Params{
		Tx:           gormTxRunner{db: db},
		Orders:       orders.NewRepository(db),
		Ledger:       ledger.NewRepository(db),
		Catalog:      catalog.NewRepository(db),
		Credentials:  credentials.NewRepository(db),
		Subscription: &pubsub.Subscriber{},
		Logger:       logg,
	})
	require.NoError(t, err)

	return &settlementFixture{
		db:       db,
		consumer: consumer,
		order:    order,
		buyer:    buyer,
		seller:   seller,
		admin:    admin,
		variant:  variant,
		units:    units,
	}
}

func paymentMessage(t *testing.T, orderID int64, amount string) *pubsub.Message {
	t.Helper()
	data, err := json.Marshal(queue.PaymentMessage{
		OrderID:   orderID,
		AccountID: 10,
		Amount:    decimal.RequireFromString(amount),
	})
	require.NoError(t, err)
	return &pubsub.Message{Data: data}
}

func reloadAccount(t *testing.T, db *gorm.DB, id int64) models.LedgerAccount {
	t.Helper()
	var account models.LedgerAccount
	require.NoError(t, db.Where("id = ?", id).First(&account).Error)
	return account
}

func reloadOrder(t *testing.T, db *gorm.DB, id int64) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, db.Where("id = ?", id).First(&order).Error)
	return order
}

func TestProcessSettlesOrderWithFeeSplit(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000", withAdmin: true, withSeller: true})

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	require.True(t, result.ack)
	require.False(t, result.nack)

	order := reloadOrder(t, fx.db, fx.order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	admin := reloadAccount(t, fx.db, fx.admin.ID)
	seller := reloadAccount(t, fx.db, fx.seller.ID)

	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("50000")), "buyer debited full amount, got %s", buyer.Balance)
	assert.True(t, admin.Balance.Equal(decimal.RequireFromString("7500")), "admin credited 5%% fee, got %s", admin.Balance)
	assert.True(t, seller.Balance.Equal(decimal.RequireFromString("142500")), "seller credited remainder, got %s", seller.Balance)

	// Buyer debit equals the two credits combined.
	buyerDebit := decimal.RequireFromString("150000")
	assert.True(t, buyerDebit.Equal(admin.Balance.Add(seller.Balance)))

	var variant models.ProductVariant
	require.NoError(t, fx.db.Where("id = ?", fx.variant.ID).First(&variant).Error)
	assert.Equal(t, 2, variant.Stock, "stock decremented only at settlement")

	var soldCount int64
	require.NoError(t, fx.db.Model(&models.CredentialUnit{}).Where("sold = ?", true).Count(&soldCount).Error)
	assert.Equal(t, int64(3), soldCount)
}

func TestProcessChargesWireAmount(t *testing.T) {
	t.Parallel()

	// The message amount drives the charge and the balance guard, not the
	// stored order total (150000 here).
	fx := buildFixture(t, fixtureOptions{buyerBalance: "130000", withAdmin: true, withSeller: true})

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "120000"))
	require.True(t, result.ack)
	require.False(t, result.nack)

	order := reloadOrder(t, fx.db, fx.order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	admin := reloadAccount(t, fx.db, fx.admin.ID)
	seller := reloadAccount(t, fx.db, fx.seller.ID)
	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("10000")), "buyer debited the wire amount, got %s", buyer.Balance)
	assert.True(t, admin.Balance.Equal(decimal.RequireFromString("6000")), "got %s", admin.Balance)
	assert.True(t, seller.Balance.Equal(decimal.RequireFromString("114000")), "got %s", seller.Balance)
}

func TestProcessFailsOrderOnInsufficientBalance(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "100000", withAdmin: true, withSeller: true})

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	require.True(t, result.ack)

	order := reloadOrder(t, fx.db, fx.order.ID)
	assert.Equal(t, enums.OrderStatusFailed, order.Status)
	require.NotNil(t, order.FailureReason)
	assert.Equal(t, failureInsufficientFunds, *order.FailureReason)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("100000")), "balance untouched")

	var variant models.ProductVariant
	require.NoError(t, fx.db.Where("id = ?", fx.variant.ID).First(&variant).Error)
	assert.Equal(t, 5, variant.Stock, "stock untouched")

	var soldCount int64
	require.NoError(t, fx.db.Model(&models.CredentialUnit{}).Where("sold = ?", true).Count(&soldCount).Error)
	assert.Zero(t, soldCount, "no units marked sold")
}

func TestProcessSkipsMissingAdminAndSellerLegs(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000"})

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	require.True(t, result.ack)

	// The order still completes; the buyer's money simply vanishes because
	// neither credit leg had a destination.
	order := reloadOrder(t, fx.db, fx.order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("50000")))
}

func TestProcessLeavesAlreadySoldUnitsAlone(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000", withAdmin: true, withSeller: true, presoldUnit: true})

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	require.True(t, result.ack)

	order := reloadOrder(t, fx.db, fx.order.ID)
	assert.Equal(t, enums.OrderStatusCompleted, order.Status, "double-allocated unit is a warning, not a failure")

	var soldCount int64
	require.NoError(t, fx.db.Model(&models.CredentialUnit{}).Where("sold = ?", true).Count(&soldCount).Error)
	assert.Equal(t, int64(3), soldCount)
}

func TestProcessSkipsCompletedOrder(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000", withAdmin: true, withSeller: true})
	require.NoError(t, fx.db.Model(&models.Order{}).Where("id = ?", fx.order.ID).Update("status", enums.OrderStatusCompleted).Error)

	result := fx.consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	require.True(t, result.ack)
	assert.Equal(t, "skipped", result.outcome)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("200000")), "no double charge on redelivery")
}

func TestProcessDropsUnknownOrder(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000"})

	result := fx.consumer.process(context.Background(), paymentMessage(t, 9999, "150000"))
	assert.True(t, result.ack)
	assert.Equal(t, "dropped", result.outcome)
}

func buildConsumerWithCatalog(t *testing.T, fx *settlementFixture, catalogRepo catalog.Repository) *Consumer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test"})
	consumer, err := NewConsumer(Params{
		Tx:           gormTxRunner{db: fx.db},
		Orders:       orders.NewRepository(fx.db),
		Ledger:       ledger.NewRepository(fx.db),
		Catalog:      catalogRepo,
		Credentials:  credentials.NewRepository(fx.db),
		Subscription: &pubsub.Subscriber{},
		Logger:       logg,
	})
	require.NoError(t, err)
	return consumer
}

func TestProcessDropsOnTerminalFeeError(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000", withAdmin: true, withSeller: true})
	consumer := buildConsumerWithCatalog(t, fx, brokenFeeCatalog{
		Repository: catalog.NewRepository(fx.db),
		err:        pkgerrors.New(pkgerrors.CodeStateConflict, "platform fee not configured"),
	})

	result := consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	assert.True(t, result.ack)
	assert.False(t, result.nack)
	assert.Equal(t, "dropped", result.outcome)

	buyer := reloadAccount(t, fx.db, fx.buyer.ID)
	assert.True(t, buyer.Balance.Equal(decimal.RequireFromString("200000")), "nothing charged")
}

func TestProcessRetriesOnTransientFeeError(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000", withAdmin: true, withSeller: true})
	consumer := buildConsumerWithCatalog(t, fx, brokenFeeCatalog{
		Repository: catalog.NewRepository(fx.db),
		err:        errors.New("connection reset"),
	})

	result := consumer.process(context.Background(), paymentMessage(t, fx.order.ID, "150000"))
	assert.True(t, result.nack)
	assert.Equal(t, "retried", result.outcome)
}

func TestProcessDropsUndecodableMessage(t *testing.T) {
	t.Parallel()

	fx := buildFixture(t, fixtureOptions{buyerBalance: "200000"})

	result := fx.consumer.process(context.Background(), &pubsub.Message{Data: []byte("{")})
	assert.True(t, result.ack)
	assert.Equal(t, "dropped", result.outcome)
}
