package models

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/quangdang/credmarket-backend/pkg/enums"
)

// LedgerAccount holds a participant's wallet balance. Balances change only
// through settlement's three-way transfer and deposit credits.
type LedgerAccount struct {
	ID        int64             `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64             `gorm:"column:user_id;not null;uniqueIndex"`
	Role      enums.AccountRole `gorm:"column:role;type:text;not null;default:'buyer'"`
	Balance   decimal.Decimal   `gorm:"column:balance;type:numeric(18,2);not null;default:0"`
	CreatedAt time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}
