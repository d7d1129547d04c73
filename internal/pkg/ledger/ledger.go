// Package ledger records external events whose side effects were applied.
// The unique (source, event_id) key is the only guard; lookups are an
// optimisation that lets redeliveries return early.
package ledger

import (
	"context"
	"errors"
	"strings"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx binds the ledger to a transaction so the entry commits together
// with the effect it guards.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// Seen reports whether the event was already recorded.
func (l *Ledger) Seen(ctx context.Context, source, eventID string) (bool, error) {
	var entry models.ProcessedEvent
	err := l.db.WithContext(ctx).
		Select("id").
		Where("source = ? AND event_id = ?", source, strings.TrimSpace(eventID)).
		Take(&entry).Error
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return false, err
}

// Record inserts the entry and reports whether this call created it. A
// false result means another delivery of the same event got there first.
func (l *Ledger) Record(ctx context.Context, entry *models.ProcessedEvent) (bool, error) {
	if entry.Source == "" || strings.TrimSpace(entry.EventID) == "" {
		return false, errors.New("ledger entry requires source and event id")
	}
	entry.EventID = strings.TrimSpace(entry.EventID)
	if entry.Outcome == "" {
		entry.Outcome = models.EventOutcomeApplied
	}

	tx := l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "source"},
			{Name: "event_id"},
		},
		DoNothing: true,
	}).Create(entry)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

// Get returns a recorded entry.
func (l *Ledger) Get(ctx context.Context, source, eventID string) (*models.ProcessedEvent, error) {
	var entry models.ProcessedEvent
	err := l.db.WithContext(ctx).
		Where("source = ? AND event_id = ?", source, strings.TrimSpace(eventID)).
		First(&entry).Error
	if err != nil {
		return nil, err
	}
	return &entry, nil
}
