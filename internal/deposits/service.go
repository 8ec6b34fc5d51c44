package deposits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/internal/ledger"
	"github.com/quangdang/credmarket-backend/pkg/config"
	"github.com/quangdang/credmarket-backend/pkg/db"
	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
	pkgerrors "github.com/quangdang/credmarket-backend/pkg/errors"
	"github.com/quangdang/credmarket-backend/pkg/logger"
)

const referenceTimestampFormat = "20060102150405"

// Service creates wallet deposits and verifies them on demand.
type Service interface {
	CreateDeposit(ctx context.Context, input CreateDepositInput) (*models.PaymentTransaction, error)
	VerifyNow(ctx context.Context, transactionID int64) (*models.PaymentTransaction, error)
}

// CreateDepositInput is a wallet top-up request.
type CreateDepositInput struct {
	UserID int64  `json:"userId" validate:"required,gt=0"`
	Amount string `json:"amount" validate:"required"`
}

// Params collects the service dependencies.
type Params struct {
	Tx       txRunner
	Repo     Repository
	Ledger   ledger.Repository
	Feed     feedClient
	BankFeed config.BankFeedConfig
	Deposits config.DepositConfig
	Logger   *logger.Logger
	Now      func() time.Time
}

type service struct {
	*verifier
	validate *validator.Validate
}

// NewService wires the deposit service.
func NewService(params Params) (Service, error) {
	v, err := newVerifier(params)
	if err != nil {
		return nil, err
	}
	return &service{verifier: v, validate: validator.New()}, nil
}

func newVerifier(params Params) (*verifier, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner is required")
	}
	if params.Repo == nil {
		return nil, errors.New("deposit repository is required")
	}
	if params.Ledger == nil {
		return nil, errors.New("ledger repository is required")
	}
	if params.Feed == nil {
		return nil, errors.New("bank feed client is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &verifier{
		tx:            params.Tx,
		repo:          params.Repo,
		ledger:        params.Ledger,
		feed:          params.Feed,
		accountNumber: params.BankFeed.AccountNumber,
		fetchLimit:    params.BankFeed.FetchLimit,
		expiration:    params.Deposits.ExpirationWindow(),
		logg:          params.Logger,
		now:           now,
	}, nil
}

// CreateDeposit registers a pending top-up carrying a generated reference code
// the user must include in their bank transfer.
func (s *service) CreateDeposit(ctx context.Context, input CreateDepositInput) (*models.PaymentTransaction, error) {
	if err := s.validate.Struct(input); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid deposit request")
	}
	amount, err := parseAmount(input.Amount)
	if err != nil {
		return nil, err
	}

	txn := &models.PaymentTransaction{
		AccountID: input.UserID,
		Amount:    amount,
		Reference: fmt.Sprintf("DEP%d%s", input.UserID, s.now().Format(referenceTimestampFormat)),
		Status:    enums.PaymentTransactionStatusPending,
	}
	if _, err := s.repo.Create(ctx, txn); err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "a deposit with this reference already exists")
		}
		return nil, fmt.Errorf("creating deposit: %w", err)
	}

	logCtx := s.logg.WithReference(s.logg.WithAccountID(ctx, input.UserID), txn.Reference)
	s.logg.Info(logCtx, "deposit created")
	return txn, nil
}

// VerifyNow runs one reconciliation pass for a single deposit so the user does
// not have to wait for the next poll cycle. It shares the matcher and the
// balance-credit path with the background loop.
func (s *service) VerifyNow(ctx context.Context, transactionID int64) (*models.PaymentTransaction, error) {
	txn, err := s.repo.FindByID(ctx, transactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "deposit not found")
		}
		return nil, fmt.Errorf("loading deposit: %w", err)
	}
	if txn.Status.IsTerminal() {
		return txn, nil
	}

	if s.expired(*txn) {
		if err := s.cancel(ctx, *txn); err != nil {
			return nil, err
		}
		return s.repo.FindByID(ctx, transactionID)
	}

	feed, err := s.fetchWindow(ctx, txn.CreatedAt)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "bank feed query failed")
	}

	matched, ok := MatchTransaction(*txn, feed)
	if !ok {
		return txn, nil
	}
	if err := s.applyMatch(ctx, *txn, matched); err != nil {
		return nil, err
	}
	return s.repo.FindByID(ctx, transactionID)
}

func parseAmount(raw string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid deposit amount")
	}
	if !amount.IsPositive() {
		return decimal.Zero, pkgerrors.New(pkgerrors.CodeValidation, "deposit amount must be positive")
	}
	return amount, nil
}
