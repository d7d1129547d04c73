package models

import "time"

const (
	AccountTierFree    = "free"
	AccountTierPro     = "pro"
	AccountTierPremium = "premium"
)

const (
	AccountStatusTrialing = "trialing"
	AccountStatusActive   = "active"
	AccountStatusExpired  = "expired"
)

// AccountSubscription is a channel owner's own platform tier. Trials and paid
// periods lapse independently of the per-channel subscriber sweep.
type AccountSubscription struct {
	ID               uint       `gorm:"primaryKey" json:"id"`
	OwnerID          uint       `gorm:"not null;uniqueIndex" json:"owner_id"`
	Tier             string     `gorm:"type:varchar(32);not null;default:'free'" json:"tier"`
	Status           string     `gorm:"type:varchar(32);not null;default:'trialing';index" json:"status"`
	TrialEndsAt      *time.Time `gorm:"type:timestamp;default:null" json:"trial_ends_at,omitempty"`
	CurrentPeriodEnd *time.Time `gorm:"type:timestamp;default:null" json:"current_period_end,omitempty"`
	CreatedAt        time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
