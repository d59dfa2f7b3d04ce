package models

import "gorm.io/gorm"

// Message roles. Rows are immutable once created; conversation order is
// creation order (created_at, then id for same-timestamp ties).
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	gorm.Model
	ConversationID uint   `gorm:"index;not null"`
	Role           string `gorm:"size:20;not null"`
	Content        string `gorm:"type:text;not null"`
	// ModelName is set only on assistant rows: the model that produced them.
	ModelName string `gorm:"size:100"`
}
