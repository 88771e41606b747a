package models

import (
	"time"

	"gorm.io/gorm"
)

// Per-platform publication statuses.
const (
	TargetStatusPending    = "pending"
	TargetStatusQueued     = "queued"
	TargetStatusPublishing = "publishing"
	TargetStatusPublished  = "published"
	TargetStatusRetrying   = "retrying"
	TargetStatusFailed     = "failed"
	TargetStatusCanceled   = "canceled"
)

// PlatformTarget is the publication record for one ContentItem on one
// platform. Rows are created lazily by the producer on the first scheduling
// pass; status transitions are driven by the producer (pending→queued) and
// the worker (queued→publishing→published|retrying|failed).
type PlatformTarget struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	ContentID    uint           `gorm:"not null;uniqueIndex:idx_content_platform" json:"content_id"`
	Platform     string         `gorm:"not null;size:100;uniqueIndex:idx_content_platform" json:"platform"`
	Status       string         `gorm:"size:50;default:'pending';index" json:"status"`
	ExternalID   string         `gorm:"size:255" json:"external_id"`
	ErrorMessage string         `gorm:"type:text" json:"error_message"`
	RetryCount   int            `gorm:"default:0" json:"retry_count"`
	NextRetryAt  *time.Time     `gorm:"index" json:"next_retry_at"`
	PublishedAt  *time.Time     `json:"published_at"`
	Metadata     string         `gorm:"type:jsonb;default:'{}'" json:"metadata"`
	CreatedAt    time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at"`

	Content ContentItem `gorm:"foreignKey:ContentID" json:"content"`
}
