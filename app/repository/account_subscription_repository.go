package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"gorm.io/gorm"
)

type accountSubscriptionRepository struct {
	db *gorm.DB
}

// NewAccountSubscriptionRepository creates a new owner tier repository instance
func NewAccountSubscriptionRepository(db *gorm.DB) AccountSubscriptionRepository {
	return &accountSubscriptionRepository{db: db}
}

func (r *accountSubscriptionRepository) GetByOwner(ctx context.Context, ownerID uint) (*models.AccountSubscription, error) {
	var sub models.AccountSubscription
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&sub).Error; err != nil {
		return nil, notFound(err, "account subscription for owner %d", ownerID)
	}
	return &sub, nil
}

func (r *accountSubscriptionRepository) Save(ctx context.Context, sub *models.AccountSubscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

// ExpireLapsed expires trials and paid periods that ended before now. Both
// updates are single conditional statements, so re-running is harmless.
func (r *accountSubscriptionRepository) ExpireLapsed(ctx context.Context, now time.Time) (int64, int64, error) {
	cutoff := now.UTC()
	trials := r.db.WithContext(ctx).
		Model(&models.AccountSubscription{}).
		Where("status = ? AND trial_ends_at IS NOT NULL AND trial_ends_at < ?", models.AccountStatusTrialing, cutoff).
		Updates(map[string]interface{}{"status": models.AccountStatusExpired, "tier": models.AccountTierFree})
	if trials.Error != nil {
		return 0, 0, trials.Error
	}

	periods := r.db.WithContext(ctx).
		Model(&models.AccountSubscription{}).
		Where("status = ? AND current_period_end IS NOT NULL AND current_period_end < ?", models.AccountStatusActive, cutoff).
		Updates(map[string]interface{}{"status": models.AccountStatusExpired, "tier": models.AccountTierFree})
	if periods.Error != nil {
		return trials.RowsAffected, 0, periods.Error
	}
	return trials.RowsAffected, periods.RowsAffected, nil
}
