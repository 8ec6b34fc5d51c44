package credentials

import (
	"context"

	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/pkg/db/models"
)

// Repository manages persistence for credential units.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	ListByVariant(ctx context.Context, variantID int64) ([]models.CredentialUnit, error)
	FindByIDs(ctx context.Context, ids []int64) ([]models.CredentialUnit, error)
	MarkReserved(ctx context.Context, unitID, orderID int64) error
	MarkSold(ctx context.Context, unitID int64) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a credential repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// ListByVariant returns the variant's pool in ascending id order so allocation
// scans are stable across attempts.
func (r *repository) ListByVariant(ctx context.Context, variantID int64) ([]models.CredentialUnit, error) {
	var units []models.CredentialUnit
	if err := r.db.WithContext(ctx).
		Where("product_variant_id = ?", variantID).
		Order("id ASC").
		Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

func (r *repository) FindByIDs(ctx context.Context, ids []int64) ([]models.CredentialUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var units []models.CredentialUnit
	if err := r.db.WithContext(ctx).
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// MarkReserved stamps the unit with the allocating order. The write is
// deliberately unguarded: a concurrent allocation simply overwrites the marker,
// which is how the unreserved-allocation window stays observable.
func (r *repository) MarkReserved(ctx context.Context, unitID, orderID int64) error {
	return r.db.WithContext(ctx).
		Model(&models.CredentialUnit{}).
		Where("id = ?", unitID).
		Update("reserved_by_order_id", orderID).Error
}

func (r *repository) MarkSold(ctx context.Context, unitID int64) error {
	return r.db.WithContext(ctx).
		Model(&models.CredentialUnit{}).
		Where("id = ?", unitID).
		Update("sold", true).Error
}
