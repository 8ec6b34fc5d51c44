package models

import "time"

// Product groups variants under a shop. Settlement walks
// order -> variant -> product -> shop to resolve the seller's ledger account.
type Product struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ShopID    int64     `gorm:"column:shop_id;not null;index"`
	Name      string    `gorm:"column:name;not null"`
	Shop      *Shop     `gorm:"foreignKey:ShopID"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
