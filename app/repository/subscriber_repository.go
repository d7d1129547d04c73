package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/ManuelReschke/ChannelPass/internal/pkg/apperr"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// subscriberRepository implements the SubscriberRepository interface
type subscriberRepository struct {
	db *gorm.DB
}

// NewSubscriberRepository creates a new subscriber repository instance
func NewSubscriberRepository(db *gorm.DB) SubscriberRepository {
	return &subscriberRepository{db: db}
}

func (r *subscriberRepository) WithTx(tx *gorm.DB) SubscriberRepository {
	return &subscriberRepository{db: tx}
}

func (r *subscriberRepository) Create(ctx context.Context, sub *models.Subscriber) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *subscriberRepository) GetByID(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	if err := r.db.WithContext(ctx).First(&sub, id).Error; err != nil {
		return nil, notFound(err, "subscriber %d", id)
	}
	return &sub, nil
}

func (r *subscriberRepository) GetByProjectAndUser(ctx context.Context, projectID uint, telegramUserID int64) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := r.db.WithContext(ctx).
		Where("project_id = ? AND telegram_user_id = ?", projectID, telegramUserID).
		Order("id DESC").
		First(&sub).Error
	if err != nil {
		return nil, notFound(err, "subscriber for user %d in project %d", telegramUserID, projectID)
	}
	return &sub, nil
}

func (r *subscriberRepository) LockByID(ctx context.Context, id uint) (*models.Subscriber, error) {
	var sub models.Subscriber
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&sub, id).Error
	if err != nil {
		return nil, notFound(err, "subscriber %d", id)
	}
	return &sub, nil
}

// TransitionStatus applies changes only while the stored status is one of
// from. Zero matched rows means another actor moved the subscriber first.
func (r *subscriberRepository) TransitionStatus(ctx context.Context, id uint, from []string, changes map[string]interface{}) error {
	if len(from) == 0 {
		return fmt.Errorf("transition of subscriber %d without source states: %w", id, apperr.ErrValidation)
	}
	res := r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(normalizeTimes(changes))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("subscriber %d not in %v: %w", id, from, apperr.ErrConflict)
	}
	return nil
}

func (r *subscriberRepository) ListReminderWindow(ctx context.Context, after, until time.Time, final bool, afterID uint, limit int) ([]models.Subscriber, error) {
	flag := "expiry_reminder_sent"
	if final {
		flag = "final_reminder_sent"
	}
	var subs []models.Subscriber
	err := r.db.WithContext(ctx).
		Where("status = ?", models.SubscriberStatusActive).
		Where(flag+" = ?", false).
		Where("expiry_date > ? AND expiry_date <= ?", after.UTC(), until.UTC()).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// ListExpired returns active subscribers past expiry that have no pending
// kick_expired operation. Those are owned by the drain. A row parked for
// manual intervention does not hold back a later expiry.
func (r *subscriberRepository) ListExpired(ctx context.Context, now time.Time, afterID uint, limit int) ([]models.Subscriber, error) {
	openKick := r.db.Model(&models.FailedOperation{}).
		Select("1").
		Where("failed_operations.subscriber_id = subscribers.id AND failed_operations.action = ? AND failed_operations.status = ?",
			models.FailedActionKickExpired, models.FailedOpStatusPending)

	var subs []models.Subscriber
	err := r.db.WithContext(ctx).
		Where("status = ?", models.SubscriberStatusActive).
		Where("expiry_date IS NOT NULL AND expiry_date < ?", now.UTC()).
		Where("NOT EXISTS (?)", openKick).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Find(&subs).Error
	return subs, err
}

// MarkReminderSent sets the reminder flag. The final reminder also sets the
// 3-day flag so a late sweep never sends both.
func (r *subscriberRepository) MarkReminderSent(ctx context.Context, id uint, final bool) error {
	updates := map[string]interface{}{"expiry_reminder_sent": true}
	if final {
		updates["final_reminder_sent"] = true
	}
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ? AND status = ?", id, models.SubscriberStatusActive).
		Updates(updates).Error
}

// MarkExpired moves an active subscriber whose expiry passed to expired.
// A renewal that landed after the sweep selected the row wins.
func (r *subscriberRepository) MarkExpired(ctx context.Context, id uint, now time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ? AND status = ? AND expiry_date < ?", id, models.SubscriberStatusActive, now.UTC()).
		Updates(map[string]interface{}{
			"status":                    models.SubscriberStatusExpired,
			"channel_joined":            false,
			"channel_membership_status": models.MembershipLeft,
			"last_membership_check":     now.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("subscriber %d no longer due for expiry: %w", id, apperr.ErrConflict)
	}
	return nil
}

func (r *subscriberRepository) UpdateMembership(ctx context.Context, id uint, status string, joined bool, checkedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"channel_membership_status": status,
			"channel_joined":            joined,
			"last_membership_check":     checkedAt.UTC(),
		}).Error
}

func (r *subscriberRepository) SetInvite(ctx context.Context, id uint, link string, issuedAt time.Time) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"invite_link":           link,
			"invite_link_issued_at": issuedAt.UTC(),
		}).Error
}

func (r *subscriberRepository) ClearInvite(ctx context.Context, id uint, link string) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ? AND invite_link = ?", id, link).
		Updates(map[string]interface{}{
			"invite_link":           "",
			"invite_link_issued_at": nil,
		}).Error
}

func (r *subscriberRepository) SetCheckoutSession(ctx context.Context, id uint, sessionID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Subscriber{}).
		Where("id = ?", id).
		Update("checkout_session_id", sessionID).Error
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, apperr.ErrNotFound)...)
	}
	return err
}

// normalizeTimes stores every timestamp in UTC.
func normalizeTimes(changes map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(changes))
	for k, v := range changes {
		switch t := v.(type) {
		case time.Time:
			out[k] = t.UTC()
		case *time.Time:
			if t == nil {
				out[k] = nil
			} else {
				out[k] = t.UTC()
			}
		default:
			out[k] = v
		}
	}
	return out
}
