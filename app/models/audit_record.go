package models

import (
	"time"

	"gorm.io/datatypes"
)

// AuditRecord is an append-only trail of engine actions.
type AuditRecord struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	Actor        string         `gorm:"type:varchar(100);not null;index" json:"actor"`
	Action       string         `gorm:"type:varchar(64);not null;index" json:"action"`
	ResourceType string         `gorm:"type:varchar(32);not null;index:idx_audit_records_resource,priority:1" json:"resource_type"`
	ResourceID   string         `gorm:"type:varchar(64);not null;index:idx_audit_records_resource,priority:2" json:"resource_id"`
	Changes      datatypes.JSON `json:"changes"`
	CreatedAt    time.Time      `gorm:"autoCreateTime;index" json:"created_at"`
}
