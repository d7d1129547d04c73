package models

import (
	"time"

	"gorm.io/datatypes"
)

// Failed operation actions.
const (
	FailedActionKickExpired = "kick_expired"
	FailedActionGrantAccess = "grant_access"
)

// Failed operation states.
const (
	FailedOpStatusPending            = "pending"
	FailedOpStatusManualIntervention = "manual_intervention"
)

// FailedOperation is a durable record of a correctness-critical side effect
// that exhausted its immediate retries. One row per (subscriber, action).
type FailedOperation struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	SubscriberID uint           `gorm:"not null;index:ux_failed_operations_subscriber_action,unique,priority:1" json:"subscriber_id"`
	Action       string         `gorm:"type:varchar(32);not null;index:ux_failed_operations_subscriber_action,unique,priority:2" json:"action"`
	Payload      datatypes.JSON `json:"payload"`
	Status       string         `gorm:"type:varchar(32);not null;default:'pending';index:idx_failed_operations_due,priority:1" json:"status"`
	NextRetryAt  time.Time      `gorm:"type:timestamp;not null;index:idx_failed_operations_due,priority:2" json:"next_retry_at"`
	Attempts     int            `gorm:"not null;default:0" json:"attempts"`
	MaxAttempts  int            `gorm:"not null;default:8" json:"max_attempts"`
	LastError    string         `gorm:"type:text" json:"last_error"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsExhausted reports whether the row reached its attempt ceiling.
func (f *FailedOperation) IsExhausted() bool {
	return f.MaxAttempts > 0 && f.Attempts >= f.MaxAttempts
}
