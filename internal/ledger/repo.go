package ledger

import (
	"context"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
)

// Repository manages persistence for wallet ledger accounts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByID(ctx context.Context, id int64) (*models.LedgerAccount, error)
	FindByUserID(ctx context.Context, userID int64) (*models.LedgerAccount, error)
	FindFirstByRole(ctx context.Context, role enums.AccountRole) (*models.LedgerAccount, error)
	AddToBalance(ctx context.Context, id int64, delta decimal.Decimal) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a ledger repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindByUserID(ctx context.Context, userID int64) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) FindFirstByRole(ctx context.Context, role enums.AccountRole) (*models.LedgerAccount, error) {
	var account models.LedgerAccount
	if err := r.db.WithContext(ctx).
		Where("role = ?", role).
		Order("id ASC").
		First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// AddToBalance applies a signed delta to the account balance in place. Debits
// pass a negative delta; callers are responsible for checking funds first.
func (r *repository) AddToBalance(ctx context.Context, id int64, delta decimal.Decimal) error {
	return r.db.WithContext(ctx).
		Model(&models.LedgerAccount{}).
		Where("id = ?", id).
		Update("balance", gorm.Expr("balance + ?", delta)).Error
}
