package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdang/credmarket-backend/pkg/enums"
)

// PaymentTransaction is a wallet top-up awaiting confirmation from a bank
// transfer. Reference is generated as DEP{userId}{timestamp} at creation and is
// what the matcher hunts for in the bank feed. GatewayPayload snapshots the raw
// matched feed record for auditing.
type PaymentTransaction struct {
	ID             int64                          `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID      int64                          `gorm:"column:account_id;not null;index"`
	Amount         decimal.Decimal                `gorm:"column:amount;type:numeric(18,2);not null"`
	Reference      string                         `gorm:"column:reference;not null;uniqueIndex"`
	Status         enums.PaymentTransactionStatus `gorm:"column:status;type:text;not null;default:'pending'"`
	GatewayPayload json.RawMessage                `gorm:"column:gateway_payload;type:jsonb"`
	CreatedAt      time.Time                      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time                      `gorm:"column:updated_at;autoUpdateTime"`
}
