package models

import "gorm.io/gorm"

const DefaultConversationTitle = "New Conversation"

type Conversation struct {
	gorm.Model
	UserID   uint      `gorm:"not null;index"`
	Title    string    `gorm:"size:200"`
	Messages []Message `gorm:"constraint:OnDelete:CASCADE"`
}
