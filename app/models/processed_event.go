package models

import "time"

// Event sources recorded in the idempotency ledger.
const (
	EventSourceStripe        = "stripe"
	EventSourceStripeConnect = "stripe_connect"
)

// Ledger outcomes.
const (
	EventOutcomeApplied = "applied"
	EventOutcomeSkipped = "skipped"
)

// ProcessedEvent is an idempotency ledger entry. A row exists for every
// external event whose side effect has been applied; rows are never deleted.
type ProcessedEvent struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Source       string    `gorm:"type:varchar(32);not null;index:ux_processed_events_source_event,unique,priority:1" json:"source"`
	EventID      string    `gorm:"type:varchar(191);not null;index:ux_processed_events_source_event,unique,priority:2" json:"event_id"`
	EventType    string    `gorm:"type:varchar(100);not null;default:'';index" json:"event_type"`
	Outcome      string    `gorm:"type:varchar(32);not null;default:'applied'" json:"outcome"`
	SubscriberID *uint     `gorm:"index" json:"subscriber_id,omitempty"`
	ProjectID    *uint     `gorm:"index" json:"project_id,omitempty"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
