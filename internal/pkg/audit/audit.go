// Package audit appends engine actions to the audit trail. Writes are best
// effort: a failure is logged and never surfaces to the caller.
package audit

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/ManuelReschke/ChannelPass/app/models"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ActorSystem  = "system"
	ActorSweep   = "sweep"
	ActorDrain   = "drain"
	ActorWebhook = "webhook"

	ResourceSubscriber = "subscriber"
)

type Entry struct {
	Actor        string
	Action       string
	ResourceType string
	ResourceID   uint
	Before       interface{}
	After        interface{}
}

type Recorder struct {
	db *gorm.DB
}

func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record writes one entry. A nil recorder is a no-op.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	if r == nil || r.db == nil {
		return
	}
	changes, err := json.Marshal(map[string]interface{}{
		"before": e.Before,
		"after":  e.After,
	})
	if err != nil {
		log.Warnf("[Audit] Failed to encode changes for %s %s/%d: %v", e.Action, e.ResourceType, e.ResourceID, err)
		changes = []byte("{}")
	}
	actor := e.Actor
	if actor == "" {
		actor = ActorSystem
	}

	rec := &models.AuditRecord{
		Actor:        actor,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   strconv.FormatUint(uint64(e.ResourceID), 10),
		Changes:      datatypes.JSON(changes),
	}
	if err := r.db.WithContext(ctx).Create(rec).Error; err != nil {
		log.Errorf("[Audit] Failed to record %s for %s/%d: %v", e.Action, e.ResourceType, e.ResourceID, err)
	}
}
