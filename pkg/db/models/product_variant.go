package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ProductVariant is a purchasable SKU with its own price and stock counter.
// Stock mirrors the count of unsold credential units in the steady state; it is
// decremented on successful payment, not on allocation.
type ProductVariant struct {
	ID        int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ProductID int64           `gorm:"column:product_id;not null;index"`
	Name      string          `gorm:"column:name;not null"`
	Price     decimal.Decimal `gorm:"column:price;type:numeric(18,2);not null"`
	Stock     int             `gorm:"column:stock;not null;default:0"`
	Product   *Product        `gorm:"foreignKey:ProductID"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
