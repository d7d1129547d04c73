package models

import "time"

// Subscriber statuses. Only active subscribers carry a meaningful ExpiryDate.
const (
	SubscriberStatusPendingPayment  = "pending_payment"
	SubscriberStatusPendingApproval = "pending_approval"
	SubscriberStatusAwaitingProof   = "awaiting_proof"
	SubscriberStatusActive          = "active"
	SubscriberStatusExpired         = "expired"
	SubscriberStatusRejected        = "rejected"
	SubscriberStatusSuspended       = "suspended"
)

// Observed channel membership states as reported by the messaging platform.
const (
	MembershipCreator       = "creator"
	MembershipAdministrator = "administrator"
	MembershipMember        = "member"
	MembershipRestricted    = "restricted"
	MembershipLeft          = "left"
	MembershipKicked        = "kicked"
	MembershipNeverJoined   = "never_joined"
	MembershipUnknown       = "unknown"
)

// Subscriber is a Telegram user's relationship to one project's plan.
//
// ChannelJoined and ChannelMembershipStatus are observations reconciled
// against Status, never the other way around.
type Subscriber struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	ProjectID               uint       `gorm:"not null;index:idx_subscribers_project_user,priority:1" json:"project_id"`
	PlanID                  *uint      `gorm:"index" json:"plan_id,omitempty"`
	TelegramUserID          int64      `gorm:"not null;index:idx_subscribers_project_user,priority:2" json:"telegram_user_id"`
	TelegramUsername        string     `gorm:"type:varchar(64);default:''" json:"telegram_username"`
	Status                  string     `gorm:"type:varchar(32);not null;default:'pending_payment';index:idx_subscribers_status_expiry,priority:1" json:"status"`
	StartDate               *time.Time `gorm:"type:timestamp;default:null" json:"start_date,omitempty"`
	ExpiryDate              *time.Time `gorm:"type:timestamp;default:null;index:idx_subscribers_status_expiry,priority:2" json:"expiry_date,omitempty"`
	ExpiryReminderSent      bool       `gorm:"default:false" json:"expiry_reminder_sent"`
	FinalReminderSent       bool       `gorm:"default:false" json:"final_reminder_sent"`
	ChannelJoined           bool       `gorm:"default:false" json:"channel_joined"`
	ChannelMembershipStatus string     `gorm:"type:varchar(32);not null;default:'unknown'" json:"channel_membership_status"`
	LastMembershipCheck     *time.Time `gorm:"type:timestamp;default:null" json:"last_membership_check,omitempty"`
	InviteLink              string     `gorm:"type:varchar(255);default:''" json:"-"`
	InviteLinkIssuedAt      *time.Time `gorm:"type:timestamp;default:null" json:"invite_link_issued_at,omitempty"`
	PaymentProofKey         string     `gorm:"type:varchar(255);default:''" json:"payment_proof_key"`
	PaymentProofUploadedAt  *time.Time `gorm:"type:timestamp;default:null" json:"payment_proof_uploaded_at,omitempty"`
	CheckoutSessionID       string     `gorm:"type:varchar(191);default:''" json:"-"`
	RejectionReason         string     `gorm:"type:varchar(500);default:''" json:"rejection_reason"`
	SuspendedAt             *time.Time `gorm:"type:timestamp;default:null" json:"suspended_at,omitempty"`
	SuspendedBy             string     `gorm:"type:varchar(100);default:''" json:"suspended_by"`
	SuspensionReason        string     `gorm:"type:varchar(500);default:''" json:"suspension_reason"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

// IsActive reports whether the billing record currently grants access.
func (s *Subscriber) IsActive() bool {
	return s.Status == SubscriberStatusActive
}

// TimeLeft returns the remaining time until expiry, or zero when the
// subscriber has no expiry date.
func (s *Subscriber) TimeLeft(now time.Time) time.Duration {
	if s.ExpiryDate == nil {
		return 0
	}
	return s.ExpiryDate.Sub(now)
}

// HasInvite reports whether a single-use invite credential is stored.
func (s *Subscriber) HasInvite() bool {
	return s.InviteLink != ""
}
