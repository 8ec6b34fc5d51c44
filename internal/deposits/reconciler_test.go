package deposits

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/pkg/bankfeed"
	"github.com/quangdang/credmarket-backend/pkg/config"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	"github.com/quangdang/credmarket-backend/pkg/logger"
)

type stubLock struct {
	acquired   bool
	acquireErr error
	releases   int
}

func (s *stubLock) Acquire(ctx context.Context) (bool, error) {
	return s.acquired, s.acquireErr
}

func (s *stubLock) Release(ctx context.Context) error {
	s.releases++
	return nil
}

func buildReconciler(t *testing.T, db *gorm.DB, feed *stubFeed, lock Lock, now func() time.Time) *Reconciler {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test"})
	rec, err := NewReconciler(Params{
		Tx:     gormTxRunner{db: db},
		Repo:   NewRepository(db),
		Ledger: ledger.NewRepository(db),
		Feed:   feed,
		BankFeed: config.BankFeedConfig{
			AccountNumber: "0011223344",
			FetchLimit:    100,
		},
		Deposits: config.DepositConfig{ExpirationMinutes: 15, ReconcileIntervalSeconds: 15},
		Logger:   logg,
		Now:      now,
	}, lock, nil)
	require.NoError(t, err)
	return rec
}

func seedDeposit(t *testing.T, db *gorm.DB, userID int64, reference, amount string, createdAt time.Time) *models.PaymentTransaction {
	t.Helper()
	txn := &models.PaymentTransaction{
		AccountID: userID,
		Amount:    decimal.RequireFromString(amount),
		Reference: reference,
		Status:    enums.PaymentTransactionStatusPending,
		CreatedAt: createdAt,
	}
	require.NoError(t, db.Create(txn).Error)
	return txn
}

func reloadDeposit(t *testing.T, db *gorm.DB, id int64) models.PaymentTransaction {
	t.Helper()
	var txn models.PaymentTransaction
	require.NoError(t, db.Where("id = ?", id).First(&txn).Error)
	return txn
}

func TestReconcileCancelsExpiredDeposits(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	createdAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &stubFeed{}
	rec := buildReconciler(t, db, feed, &stubLock{acquired: true}, func() time.Time {
		return createdAt.Add(16 * time.Minute)
	})

	txn := seedDeposit(t, db, 7, "DEP720240101120000", "1000", createdAt)

	require.NoError(t, rec.reconcile(context.Background()))

	reloaded := reloadDeposit(t, db, txn.ID)
	assert.Equal(t, enums.PaymentTransactionStatusCancelled, reloaded.Status)
	assert.Zero(t, feed.calls, "empty batch skips the feed entirely")
}

func TestReconcileMatchesBatchAndCreditsBalances(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	account := &models.LedgerAccount{UserID: 426, Role: enums.AccountRoleBuyer, Balance: decimal.Zero}
	require.NoError(t, db.Create(account).Error)

	createdAt := time.Date(2024, 1, 1, 12, 34, 56, 0, time.UTC)
	feed := &stubFeed{transactions: []bankfeed.Transaction{
		{ReferenceNumber: "426-20240101123456", AmountIn: decimal.RequireFromString("50000.00")},
	}}
	rec := buildReconciler(t, db, feed, &stubLock{acquired: true}, func() time.Time {
		return createdAt.Add(5 * time.Minute)
	})

	matched := seedDeposit(t, db, 426, "DEP42620240101123456", "50000", createdAt)
	unmatched := seedDeposit(t, db, 426, "DEP42620240101999999", "70000", createdAt)

	require.NoError(t, rec.reconcile(context.Background()))

	assert.Equal(t, 1, feed.calls, "one feed query per cycle, not per deposit")
	assert.Equal(t, enums.PaymentTransactionStatusSuccess, reloadDeposit(t, db, matched.ID).Status)
	assert.Equal(t, enums.PaymentTransactionStatusPending, reloadDeposit(t, db, unmatched.ID).Status)

	var reloaded models.LedgerAccount
	require.NoError(t, db.Where("id = ?", account.ID).First(&reloaded).Error)
	assert.True(t, reloaded.Balance.Equal(decimal.RequireFromString("50000")))
}

func TestReconcileFeedWindowCoversBatch(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	oldest := now.Add(-10 * time.Minute)
	feed := &stubFeed{}
	rec := buildReconciler(t, db, feed, &stubLock{acquired: true}, func() time.Time { return now })

	seedDeposit(t, db, 7, "DEP7A", "1000", oldest)

	require.NoError(t, rec.reconcile(context.Background()))
	require.Equal(t, 1, feed.calls)

	// Lookback widened to the seven day floor, forward padded one day.
	assert.Equal(t, now.Add(-7*24*time.Hour), feed.lastParams.FromDate)
	assert.Equal(t, now.Add(24*time.Hour), feed.lastParams.ToDate)
	assert.Equal(t, "0011223344", feed.lastParams.AccountNumber)
	assert.Equal(t, 100, feed.lastParams.Limit)
}

func TestReconcileFeedErrorDoesNotCancelBatch(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	createdAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &stubFeed{err: errors.New("feed down")}
	rec := buildReconciler(t, db, feed, &stubLock{acquired: true}, func() time.Time {
		return createdAt.Add(time.Minute)
	})

	txn := seedDeposit(t, db, 7, "DEP7B", "1000", createdAt)

	err := rec.reconcile(context.Background())
	require.Error(t, err, "cycle error is surfaced for logging")
	assert.Equal(t, enums.PaymentTransactionStatusPending, reloadDeposit(t, db, txn.ID).Status,
		"next cycle retries from scratch")
}

func TestRunCycleSkipsWhenLockHeldElsewhere(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	createdAt := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	feed := &stubFeed{transactions: []bankfeed.Transaction{
		{ReferenceNumber: "DEP7C", AmountIn: decimal.RequireFromString("1000")},
	}}
	lock := &stubLock{acquired: false}
	rec := buildReconciler(t, db, feed, lock, func() time.Time {
		return createdAt.Add(time.Minute)
	})

	txn := seedDeposit(t, db, 7, "DEP7C", "1000", createdAt)

	rec.runCycle(context.Background())

	assert.Zero(t, feed.calls)
	assert.Equal(t, enums.PaymentTransactionStatusPending, reloadDeposit(t, db, txn.ID).Status)
	assert.Zero(t, lock.releases, "never release a lock we do not hold")
}

func TestRunCycleReleasesLock(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	lock := &stubLock{acquired: true}
	rec := buildReconciler(t, db, &stubFeed{}, lock, time.Now)

	rec.runCycle(context.Background())
	assert.Equal(t, 1, lock.releases)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	db := setupDepositsTestDB(t)
	rec := buildReconciler(t, db, &stubFeed{}, &stubLock{acquired: true}, time.Now)
	rec.interval = time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := rec.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
