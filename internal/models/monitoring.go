package models

import (
	"time"
)

// ErrorLog is a persisted record of a component failure, surfaced through the
// admin API alongside the terminal target status.
type ErrorLog struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Level        string    `gorm:"size:20;not null;index" json:"level"`
	Source       string    `gorm:"size:100;not null;index" json:"source"`
	Title        string    `gorm:"size:500;not null" json:"title"`
	Message      string    `gorm:"type:text" json:"message"`
	PlatformName string    `gorm:"size:100;index" json:"platform_name"`
	ContentID    *uint     `gorm:"index" json:"content_id"`
	Context      string    `gorm:"type:jsonb" json:"context"`
	CreatedAt    time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
