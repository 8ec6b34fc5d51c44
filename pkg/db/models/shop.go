package models

import "time"

// Shop is a seller storefront. OwnerAccountID points at the seller's ledger
// account credited during settlement.
type Shop struct {
	ID             int64     `gorm:"column:id;primaryKey;autoIncrement"`
	OwnerAccountID int64     `gorm:"column:owner_account_id;not null;index"`
	Name           string    `gorm:"column:name;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
