package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"gorm.io/gorm"
)

// SubscriberRepository defines the subscriber persistence used by the engine.
// Status changes always go through TransitionStatus or MarkExpired, which are
// conditional on the stored status and report apperr.ErrConflict when no row
// matched.
type SubscriberRepository interface {
	Create(ctx context.Context, sub *models.Subscriber) error
	GetByID(ctx context.Context, id uint) (*models.Subscriber, error)
	GetByProjectAndUser(ctx context.Context, projectID uint, telegramUserID int64) (*models.Subscriber, error)
	// LockByID reads the row with FOR UPDATE. Only meaningful inside WithTx.
	LockByID(ctx context.Context, id uint) (*models.Subscriber, error)
	TransitionStatus(ctx context.Context, id uint, from []string, changes map[string]interface{}) error
	ListReminderWindow(ctx context.Context, after, until time.Time, final bool, afterID uint, limit int) ([]models.Subscriber, error)
	ListExpired(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Subscriber, error)
	MarkReminderSent(ctx context.Context, id uint, final bool) error
	MarkExpired(ctx context.Context, id uint, now time.Time) error
	UpdateMembership(ctx context.Context, id uint, status string, joined bool, checkedAt time.Time) error
	SetInvite(ctx context.Context, id uint, link string, issuedAt time.Time) error
	// ClearInvite drops the stored invite only while it is still link.
	ClearInvite(ctx context.Context, id uint, link string) error
	SetCheckoutSession(ctx context.Context, id uint, sessionID string) error
	WithTx(tx *gorm.DB) SubscriberRepository
}

// ProjectRepository is read-only: projects and plans are owned elsewhere.
type ProjectRepository interface {
	GetByID(ctx context.Context, id uint) (*models.Project, error)
	GetByStripeAccount(ctx context.Context, accountID string) (*models.Project, error)
	GetPlan(ctx context.Context, id uint) (*models.Plan, error)
	// DefaultPlan returns the cheapest active plan of a project.
	DefaultPlan(ctx context.Context, projectID uint) (*models.Plan, error)
}

// AccountSubscriptionRepository covers the owner tier records.
type AccountSubscriptionRepository interface {
	GetByOwner(ctx context.Context, ownerID uint) (*models.AccountSubscription, error)
	Save(ctx context.Context, sub *models.AccountSubscription) error
	ExpireLapsed(ctx context.Context, now time.Time) (trials int64, periods int64, err error)
}

// Repositories holds all repository instances
type Repositories struct {
	Subscriber          SubscriberRepository
	Project             ProjectRepository
	AccountSubscription AccountSubscriptionRepository
}

// NewRepositories creates a new instance of all repositories
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Subscriber:          NewSubscriberRepository(db),
		Project:             NewProjectRepository(db),
		AccountSubscription: NewAccountSubscriptionRepository(db),
	}
}
