package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/packrelay/pkg/enums"
)

// QueueItem is a durable unit of side-effecting work emitted alongside a
// business transaction. processed_at and dead_lettered_at are mutually
// exclusive terminal markers; attempts only ever grows.
type QueueItem struct {
	ID             uuid.UUID         `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Kind           enums.QueueKind   `gorm:"column:kind;not null"`
	Payload        json.RawMessage   `gorm:"column:payload;type:jsonb;not null"`
	Status         enums.QueueStatus `gorm:"column:status;not null;default:pending"`
	Attempts       int               `gorm:"column:attempts;not null;default:0"`
	LeaseExpiresAt *time.Time        `gorm:"column:lease_expires_at"`
	LastError      *string           `gorm:"column:last_error"`
	CreatedAt      time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time         `gorm:"column:updated_at;autoUpdateTime"`
	ProcessedAt    *time.Time        `gorm:"column:processed_at"`
	DeadLetteredAt *time.Time        `gorm:"column:dead_lettered_at"`
}

// TableName pins the physical table name.
func (QueueItem) TableName() string {
	return "queue_items"
}
