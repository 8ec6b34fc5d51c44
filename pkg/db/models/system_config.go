package models

import "time"

// System configuration keys read by the pipeline.
const (
	SystemConfigKeyPlatformFee = "platform_fee_percentage"
)

// SystemConfig is a key/value row for platform-level settings. The settlement
// fee fraction lives here rather than in code.
type SystemConfig struct {
	Key       string    `gorm:"column:key;primaryKey"`
	Value     string    `gorm:"column:value;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}
