package models

import (
	"encoding/json"
	"time"
)

// CredentialUnit is one sellable digital-good record in a variant's pool.
// Data keeps the original opaque blob (including the legacy embedded sold flag)
// for backward input compatibility; Sold is the authoritative typed flag.
// ReservedByOrderID is an observational marker written during allocation with
// no guard; it exists to make the unreserved-allocation race visible, not to
// prevent it.
type CredentialUnit struct {
	ID                int64           `gorm:"column:id;primaryKey;autoIncrement"`
	ProductVariantID  int64           `gorm:"column:product_variant_id;not null;index"`
	Data              json.RawMessage `gorm:"column:data;type:jsonb;not null"`
	Sold              bool            `gorm:"column:sold;not null;default:false"`
	ReservedByOrderID *int64          `gorm:"column:reserved_by_order_id"`
	CreatedAt         time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}
