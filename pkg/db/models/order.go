package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdang/credmarket-backend/pkg/enums"
)

// Order is a purchase of credential units from a product variant.
// Created pending, moved to processing by fulfillment and finished by
// settlement. Orders are never deleted.
type Order struct {
	ID               int64             `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID        int64             `gorm:"column:account_id;not null;index"`
	ProductVariantID int64             `gorm:"column:product_variant_id;not null;index"`
	Quantity         int               `gorm:"column:quantity;not null"`
	UnitPrice        decimal.Decimal   `gorm:"column:unit_price;type:numeric(18,2);not null"`
	TotalPrice       decimal.Decimal   `gorm:"column:total_price;type:numeric(18,2);not null"`
	Payload          json.RawMessage   `gorm:"column:payload;type:jsonb"`
	Status           enums.OrderStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	FailureReason    *string           `gorm:"column:failure_reason"`
	Variant          *ProductVariant   `gorm:"foreignKey:ProductVariantID"`
	CreatedAt        time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt        time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

// OrderPayloadItem is one buyer-visible credential delivered by an order.
type OrderPayloadItem struct {
	StorageUnitID int64  `json:"storageUnitId"`
	Username      string `json:"username"`
	Password      string `json:"password"`
}
