package deposits

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/pkg/db/models"
	"github.com/quangdang/credmarket-backend/pkg/enums"
)

// Repository manages persistence for wallet deposits.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, txn *models.PaymentTransaction) (*models.PaymentTransaction, error)
	FindByID(ctx context.Context, id int64) (*models.PaymentTransaction, error)
	FindPending(ctx context.Context) ([]models.PaymentTransaction, error)
	MarkCancelled(ctx context.Context, id int64) error
	MarkSuccess(ctx context.Context, id int64, gatewayPayload json.RawMessage) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a deposit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, txn *models.PaymentTransaction) (*models.PaymentTransaction, error) {
	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		return nil, err
	}
	return txn, nil
}

func (r *repository) FindByID(ctx context.Context, id int64) (*models.PaymentTransaction, error) {
	var txn models.PaymentTransaction
	if err := r.db.WithContext(ctx).
		Where("id = ?", id).
		First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// FindPending returns pending deposits oldest first so the reconciler's batch
// window is anchored on the earliest creation time.
func (r *repository) FindPending(ctx context.Context) ([]models.PaymentTransaction, error) {
	var txns []models.PaymentTransaction
	if err := r.db.WithContext(ctx).
		Where("status = ?", enums.PaymentTransactionStatusPending).
		Order("created_at ASC").
		Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repository) MarkCancelled(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ?", id).
		Update("status", enums.PaymentTransactionStatusCancelled).Error
}

func (r *repository) MarkSuccess(ctx context.Context, id int64, gatewayPayload json.RawMessage) error {
	return r.db.WithContext(ctx).
		Model(&models.PaymentTransaction{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":          enums.PaymentTransactionStatusSuccess,
			"gateway_payload": gatewayPayload,
		}).Error
}
