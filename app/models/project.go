package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project is one Telegram channel plus its payment configuration. The engine
// only reads projects; they are owned by the account-management surface.
type Project struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	OwnerID         uint      `gorm:"not null;index" json:"owner_id"`
	Name            string    `gorm:"type:varchar(200);not null" json:"name"`
	ChannelID       int64     `gorm:"not null" json:"channel_id"`
	BotTokenEnc     string    `gorm:"type:text" json:"-"`
	StripeAccountID *string   `gorm:"type:varchar(191);uniqueIndex" json:"stripe_account_id,omitempty"`
	IsActive        bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt       time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// ConnectedAccount returns the payment-processor sub-account id, if any.
func (p *Project) ConnectedAccount() string {
	if p.StripeAccountID == nil {
		return ""
	}
	return *p.StripeAccountID
}

// Plan is a priced, time-boxed offer of a project.
type Plan struct {
	ID           uint            `gorm:"primaryKey" json:"id"`
	ProjectID    uint            `gorm:"not null;index" json:"project_id"`
	Name         string          `gorm:"type:varchar(120);not null" json:"name"`
	Price        decimal.Decimal `gorm:"type:decimal(12,2);not null" json:"price"`
	Currency     string          `gorm:"type:varchar(3);not null;default:'usd'" json:"currency"`
	DurationDays int             `gorm:"not null" json:"duration_days"`
	IsActive     bool            `gorm:"default:true" json:"is_active"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

// Duration returns the plan period as a time.Duration.
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// UnitAmount returns the price in the currency's minor unit (cents).
func (p *Plan) UnitAmount() int64 {
	return p.Price.Shift(2).Round(0).IntPart()
}
