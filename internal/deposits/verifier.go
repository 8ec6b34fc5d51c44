package deposits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/pkg/bankfeed"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
)

const (
	windowBackPadding = 2 * 24 * time.Hour
	windowLookback    = 7 * 24 * time.Hour
	windowForward     = 24 * time.Hour
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type feedClient interface {
	ListTransactions(ctx context.Context, params bankfeed.ListParams) ([]bankfeed.Transaction, error)
}

// verifier holds the match-and-credit logic shared by the background
// reconciler and the on-demand verification path. Keeping both paths on the
// same code prevents behavioral drift between them.
type verifier struct {
	tx            txRunner
	repo          Repository
	ledger        ledger.Repository
	feed          feedClient
	accountNumber string
	fetchLimit    int
	expiration    time.Duration
	logg          *logger.Logger
	now           func() time.Time
}

func (v *verifier) expired(txn models.PaymentTransaction) bool {
	return v.now().After(txn.CreatedAt.Add(v.expiration))
}

func (v *verifier) cancel(ctx context.Context, txn models.PaymentTransaction) error {
	if err := v.repo.MarkCancelled(ctx, txn.ID); err != nil {
		return fmt.Errorf("cancelling deposit %d: %w", txn.ID, err)
	}
	logCtx := v.logg.WithReference(ctx, txn.Reference)
	v.logg.Info(logCtx, "deposit expired without a matching transfer")
	return nil
}

// fetchWindow queries the bank feed once for a window covering the whole
// batch. The window opens two days before the oldest pending deposit, widened
// to at least a seven day lookback, and closes one day ahead to absorb
// timezone skew on the feed side. The padding values are empirical tuning
// against real feed latency, not a guarantee.
func (v *verifier) fetchWindow(ctx context.Context, oldestCreatedAt time.Time) ([]bankfeed.Transaction, error) {
	now := v.now()
	from := oldestCreatedAt.Add(-windowBackPadding)
	if floor := now.Add(-windowLookback); floor.Before(from) {
		from = floor
	}
	to := now.Add(windowForward)

	return v.feed.ListTransactions(ctx, bankfeed.ListParams{
		AccountNumber: v.accountNumber,
		FromDate:      from,
		ToDate:        to,
		Limit:         v.fetchLimit,
	})
}

// applyMatch records the matched feed record on the deposit and credits the
// owner's ledger balance, as one transaction.
func (v *verifier) applyMatch(ctx context.Context, txn models.PaymentTransaction, matched bankfeed.Transaction) error {
	payload, err := json.Marshal(matched)
	if err != nil {
		return fmt.Errorf("encoding matched feed record: %w", err)
	}

	err = v.tx.WithTx(ctx, func(tx *gorm.DB) error {
		depositRepo := v.repo.WithTx(tx)
		ledgerRepo := v.ledger.WithTx(tx)

		if err := depositRepo.MarkSuccess(ctx, txn.ID, payload); err != nil {
			return err
		}
		account, err := ledgerRepo.FindByUserID(ctx, txn.AccountID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeNotFound, "depositor has no ledger account")
			}
			return err
		}
		return ledgerRepo.AddToBalance(ctx, account.ID, txn.Amount)
	})
	if err != nil {
		return fmt.Errorf("applying deposit %d: %w", txn.ID, err)
	}

	logCtx := v.logg.WithReference(ctx, txn.Reference)
	v.logg.Info(logCtx, "deposit matched and credited")
	return nil
}
