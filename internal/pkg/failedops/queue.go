// Package failedops persists correctness-critical side effects that
// exhausted their immediate retries, so the drain can re-attempt them.
package failedops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultRetryDelay  = 5 * time.Minute
	DefaultMaxAttempts = 8
	maxBackoff         = 24 * time.Hour
)

type Queue struct {
	db          *gorm.DB
	RetryDelay  time.Duration
	MaxAttempts int
	now         func() time.Time
}

func New(db *gorm.DB) *Queue {
	return &Queue{
		db:          db,
		RetryDelay:  DefaultRetryDelay,
		MaxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// WithClock replaces the time source. Used by tests and the drain.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	cp := *q
	cp.now = now
	return &cp
}

// Backoff returns the delay before the next drain attempt after the given
// number of failed drain attempts.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return q.RetryDelay
	}
	d := q.RetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Enqueue records a failed action for a subscriber. A second failure of the
// same action updates the existing row instead of adding another one; a row
// parked for manual intervention starts counting attempts again.
func (q *Queue) Enqueue(ctx context.Context, subscriberID uint, action string, payload interface{}, cause error) (*models.FailedOperation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", action, err)
	}
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	op := &models.FailedOperation{
		SubscriberID: subscriberID,
		Action:       action,
		Payload:      datatypes.JSON(raw),
		Status:       models.FailedOpStatusPending,
		NextRetryAt:  q.now().Add(q.RetryDelay).UTC(),
		MaxAttempts:  q.MaxAttempts,
		LastError:    lastErr,
	}
	if err := q.db.WithContext(ctx).
		Model(&models.FailedOperation{}).
		Where("subscriber_id = ? AND action = ? AND status = ?", subscriberID, action, models.FailedOpStatusManualIntervention).
		Update("attempts", 0).Error; err != nil {
		return nil, fmt.Errorf("reopen %s for subscriber %d: %w", action, subscriberID, err)
	}
	err = q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "subscriber_id"},
			{Name: "action"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"payload",
			"status",
			"next_retry_at",
			"last_error",
			"updated_at",
		}),
	}).Create(op).Error
	if err != nil {
		return nil, err
	}

	var stored models.FailedOperation
	if err := q.db.WithContext(ctx).
		Where("subscriber_id = ? AND action = ?", subscriberID, action).
		First(&stored).Error; err != nil {
		return nil, err
	}
	log.Warnf("[FailedOps] Queued %s for subscriber %d (next retry %s): %s", action, subscriberID, stored.NextRetryAt.Format(time.RFC3339), lastErr)
	return &stored, nil
}

// Due returns pending rows whose retry time has come, oldest first.
func (q *Queue) Due(ctx context.Context, limit int) ([]models.FailedOperation, error) {
	var ops []models.FailedOperation
	err := q.db.WithContext(ctx).
		Where("status = ? AND next_retry_at <= ?", models.FailedOpStatusPending, q.now().UTC()).
		Order("next_retry_at ASC, id ASC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

// Open reports whether a row exists for the subscriber and action, in any
// status.
func (q *Queue) Open(ctx context.Context, subscriberID uint, action string) (bool, error) {
	var op models.FailedOperation
	err := q.db.WithContext(ctx).
		Select("id").
		Where("subscriber_id = ? AND action = ?", subscriberID, action).
		Take(&op).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// Reopen makes the subscriber's rows for action due at the given time with
// a fresh attempt budget. It takes the caller's transaction so a renewal and
// the hand-back to the drain commit together.
func Reopen(ctx context.Context, tx *gorm.DB, subscriberID uint, action string, at time.Time) (int64, error) {
	res := tx.WithContext(ctx).
		Model(&models.FailedOperation{}).
		Where("subscriber_id = ? AND action = ?", subscriberID, action).
		Updates(map[string]interface{}{
			"status":        models.FailedOpStatusPending,
			"attempts":      0,
			"next_retry_at": at.UTC(),
		})
	return res.RowsAffected, res.Error
}

// Resolve removes a row after its action succeeded or became obsolete.
func (q *Queue) Resolve(ctx context.Context, id uint) error {
	return q.db.WithContext(ctx).Delete(&models.FailedOperation{}, id).Error
}

// Reschedule counts a failed drain attempt. It returns true when the row hit
// its ceiling and was flagged for manual intervention.
func (q *Queue) Reschedule(ctx context.Context, op *models.FailedOperation, cause error) (bool, error) {
	op.Attempts++
	if cause != nil {
		op.LastError = cause.Error()
	}
	updates := map[string]interface{}{
		"attempts":   op.Attempts,
		"last_error": op.LastError,
	}

	manual := op.IsExhausted()
	if manual {
		op.Status = models.FailedOpStatusManualIntervention
		updates["status"] = op.Status
	} else {
		op.NextRetryAt = q.now().Add(q.Backoff(op.Attempts)).UTC()
		updates["next_retry_at"] = op.NextRetryAt
	}

	err := q.db.WithContext(ctx).
		Model(&models.FailedOperation{}).
		Where("id = ?", op.ID).
		Updates(updates).Error
	return manual, err
}

// FlagManual parks a row for an operator without further attempts.
func (q *Queue) FlagManual(ctx context.Context, id uint, reason string) error {
	return q.db.WithContext(ctx).
		Model(&models.FailedOperation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     models.FailedOpStatusManualIntervention,
			"last_error": reason,
		}).Error
}

// Pending returns the number of rows per status, for metrics.
func (q *Queue) Pending(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string
		Count  int64
	}
	err := q.db.WithContext(ctx).
		Model(&models.FailedOperation{}).
		Select("status, COUNT(*) AS count").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.Count
	}
	return out, nil
}
