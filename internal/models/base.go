// Package models holds the gateway's persisted and transient domain types:
// Account, ApiKey, ModelCost, UsageLog, and the request-scoped Principal and
// Usage values that flow through the request pipeline.
package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// BaseModel gives every persisted row a UUID primary key and timestamps,
// following the surrogate-key convention the rest of the store uses.
type BaseModel struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key" json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// BeforeCreate assigns a UUID if the caller didn't already set one.
func (b *BaseModel) BeforeCreate(tx *gorm.DB) error {
	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	return nil
}
