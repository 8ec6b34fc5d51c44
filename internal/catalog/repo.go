package catalog

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/quangdang/credmarket-backend/pkg/db/models"
)

// Repository reads variants and platform configuration for the pipeline.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindVariant(ctx context.Context, id int64) (*models.ProductVariant, error)
	DecrementStock(ctx context.Context, id int64, quantity int) error
	PlatformFeeFraction(ctx context.Context) (decimal.Decimal, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a catalog repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindVariant(ctx context.Context, id int64) (*models.ProductVariant, error) {
	var variant models.ProductVariant
	if err := r.db.WithContext(ctx).
		Preload("Product").
		Preload("Product.Shop").
		Where("id = ?", id).
		First(&variant).Error; err != nil {
		return nil, err
	}
	return &variant, nil
}

// DecrementStock lowers the advisory stock counter. Called only after payment
// succeeds, never at allocation time.
func (r *repository) DecrementStock(ctx context.Context, id int64, quantity int) error {
	return r.db.WithContext(ctx).
		Model(&models.ProductVariant{}).
		Where("id = ?", id).
		Update("stock", gorm.Expr("stock - ?", quantity)).Error
}

// PlatformFeeFraction reads the settlement fee from system configuration.
// The value is a fraction (0.05 means a 5% platform cut).
func (r *repository) PlatformFeeFraction(ctx context.Context) (decimal.Decimal, error) {
	var row models.SystemConfig
	if err := r.db.WithContext(ctx).
		Where("key = ?", models.SystemConfigKeyPlatformFee).
		First(&row).Error; err != nil {
		return decimal.Zero, fmt.Errorf("loading platform fee config: %w", err)
	}
	fraction, err := decimal.NewFromString(row.Value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing platform fee %q: %w", row.Value, err)
	}
	return fraction, nil
}
